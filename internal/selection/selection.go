// Package selection models requested fields as canonical, hashable values
// and merges them into request-shaped trees.
package selection

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind is the operation kind a selection belongs to.
type Kind string

const (
	Query        Kind = "query"
	Mutation     Kind = "mutation"
	Subscription Kind = "subscription"
)

// TypeResolver maps a field on a parent type to its named return type.
// schema.Schema implements it.
type TypeResolver interface {
	RootType(kind string) string
	FieldType(parentType, field string) (string, bool)
}

// Selection is one requested field with its arguments and expected type.
// Selections are immutable; a leaf identifies its whole path through the
// parent chain.
type Selection struct {
	parent   *Selection
	types    TypeResolver
	kind     Kind
	typeName string // owning (parent) object type
	field    string
	alias    string
	args     map[string]any
	argsKey  string
	typ      string
	key      string
	hash     uint64
	depth    int
}

// Option configures a child selection.
type Option func(*Selection)

// WithArgs sets field arguments. The map is copied.
func WithArgs(args map[string]any) Option {
	return func(s *Selection) {
		if len(args) == 0 {
			return
		}
		s.args = make(map[string]any, len(args))
		for k, v := range args {
			s.args[k] = v
		}
	}
}

// WithAlias sets an explicit response alias.
func WithAlias(alias string) Option { return func(s *Selection) { s.alias = alias } }

// WithType overrides the named return type of the field.
func WithType(typeName string) Option { return func(s *Selection) { s.typ = typeName } }

// NewRoot returns the root selection of an operation. types may be nil, in
// which case children need WithType to carry type information.
func NewRoot(kind Kind, types TypeResolver) *Selection {
	s := &Selection{types: types, kind: kind, key: string(kind)}
	if types != nil {
		s.typ = types.RootType(string(kind))
	}
	if s.typ == "" {
		s.typ = defaultRootType(kind)
	}
	s.hash = xxhash.Sum64String(s.key)
	return s
}

func defaultRootType(kind Kind) string {
	switch kind {
	case Mutation:
		return "Mutation"
	case Subscription:
		return "Subscription"
	default:
		return "Query"
	}
}

// Select returns the child selection for field on s.
func (s *Selection) Select(field string, opts ...Option) *Selection {
	c := &Selection{
		parent:   s,
		types:    s.types,
		kind:     s.kind,
		typeName: s.typ,
		field:    field,
		depth:    s.depth + 1,
	}
	for _, o := range opts {
		o(c)
	}
	if c.typ == "" && c.types != nil {
		c.typ, _ = c.types.FieldType(c.typeName, field)
	}
	if len(c.args) > 0 {
		c.argsKey = CanonicalArgs(c.args)
		if c.alias == "" {
			c.alias = field + "_" + strconv.FormatUint(xxhash.Sum64String(c.argsKey), 36)
		}
	}
	var b strings.Builder
	b.WriteString(s.key)
	b.WriteByte('/')
	b.WriteString(c.typeName)
	b.WriteByte('.')
	b.WriteString(field)
	if c.argsKey != "" {
		b.WriteByte('(')
		b.WriteString(c.argsKey)
		b.WriteByte(')')
	}
	if c.alias != "" {
		b.WriteByte('@')
		b.WriteString(c.alias)
	}
	c.key = b.String()
	c.hash = xxhash.Sum64String(c.key)
	return c
}

// CanonicalArgs renders arguments as key-sorted JSON.
func CanonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}

func (s *Selection) Kind() Kind              { return s.kind }
func (s *Selection) Parent() *Selection      { return s.parent }
func (s *Selection) ParentType() string      { return s.typeName }
func (s *Selection) Field() string           { return s.field }
func (s *Selection) Alias() string           { return s.alias }
func (s *Selection) Type() string            { return s.typ }
func (s *Selection) Args() map[string]any    { return s.args }
func (s *Selection) ArgsKey() string         { return s.argsKey }
func (s *Selection) Key() string             { return s.key }
func (s *Selection) Hash() uint64            { return s.hash }
func (s *Selection) Depth() int              { return s.depth }
func (s *Selection) IsRoot() bool            { return s.parent == nil }
func (s *Selection) Types() TypeResolver     { return s.types }
func (s *Selection) String() string          { return s.key }
func (s *Selection) Equal(o *Selection) bool { return o != nil && s.key == o.key }

// ResponseKey is the key this selection occupies in a response object.
func (s *Selection) ResponseKey() string {
	if s.alias != "" {
		return s.alias
	}
	return s.field
}

// FieldKey is the storage key of the field inside a normalized entry:
// the field name plus canonical arguments.
func (s *Selection) FieldKey() string {
	if s.argsKey == "" {
		return s.field
	}
	return s.field + "(" + s.argsKey + ")"
}

// Root walks up to the operation root.
func (s *Selection) Root() *Selection {
	cur := s
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// Path returns the chain from the first field below the root down to s.
func (s *Selection) Path() []*Selection {
	out := make([]*Selection, s.depth)
	for cur := s; cur.parent != nil; cur = cur.parent {
		out[cur.depth-1] = cur
	}
	return out
}

// TopLevel returns the ancestor directly below the root, or s itself.
func (s *Selection) TopLevel() *Selection {
	if s.parent == nil {
		return nil
	}
	cur := s
	for cur.parent.parent != nil {
		cur = cur.parent
	}
	return cur
}
