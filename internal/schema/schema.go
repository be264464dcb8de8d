// Package schema holds the read-only schema descriptor the cache uses to
// map fields to types and to find the identity field of each type.
package schema

// Schema represents the complete GraphQL schema
type Schema struct {
	QueryType        string
	MutationType     string
	SubscriptionType string
	Types            map[string]*Type // All named types keyed by name
	Description      string
}

// GetQueryType returns the root query type (may be nil if absent)
func (s *Schema) GetQueryType() *Type { return s.Types[s.QueryType] }

// GetMutationType returns the root mutation type (may be nil if absent)
func (s *Schema) GetMutationType() *Type { return s.Types[s.MutationType] }

// GetSubscriptionType returns the root subscription type (may be nil if absent)
func (s *Schema) GetSubscriptionType() *Type { return s.Types[s.SubscriptionType] }

// RootType returns the root type name for an operation kind
// ("query", "mutation" or "subscription").
func (s *Schema) RootType(kind string) string {
	if s == nil {
		return ""
	}
	switch kind {
	case "query":
		return s.QueryType
	case "mutation":
		return s.MutationType
	case "subscription":
		return s.SubscriptionType
	}
	return ""
}

// FieldType returns the named return type of parentType.field.
func (s *Schema) FieldType(parentType, field string) (string, bool) {
	if s == nil {
		return "", false
	}
	if field == "__typename" {
		return "String", true
	}
	t := s.Types[parentType]
	if t == nil {
		return "", false
	}
	f := t.Field(field)
	if f == nil {
		return "", false
	}
	return f.Type.GetNamedType(), true
}

// ArgumentType returns the GraphQL type of parentType.field(arg:) as
// source text, e.g. "ID!".
func (s *Schema) ArgumentType(parentType, field, arg string) (string, bool) {
	if s == nil {
		return "", false
	}
	t := s.Types[parentType]
	if t == nil {
		return "", false
	}
	f := t.Field(field)
	if f == nil {
		return "", false
	}
	a := f.Argument(arg)
	if a == nil || a.Type == nil {
		return "", false
	}
	return a.Type.String(), true
}

// KeyField returns the identity field of typeName, or "" when objects of
// that type are only addressable by their position in the response.
func (s *Schema) KeyField(typeName string) string {
	if s == nil {
		return ""
	}
	if t := s.Types[typeName]; t != nil {
		return t.KeyField
	}
	return ""
}

// MaxAge returns the per-type cache lifetime in milliseconds declared with
// @cacheControl(maxAge:) in seconds. ok is false when the type declares none.
func (s *Schema) MaxAge(typeName string) (ms int64, ok bool) {
	if s == nil {
		return 0, false
	}
	if t := s.Types[typeName]; t != nil && t.MaxAge != nil {
		return *t.MaxAge * 1000, true
	}
	return 0, false
}

// IsLeaf reports whether typeName is a scalar or enum.
func (s *Schema) IsLeaf(typeName string) bool {
	if s == nil {
		return false
	}
	t := s.Types[typeName]
	return t != nil && (t.Kind == TypeKindScalar || t.Kind == TypeKindEnum)
}

// Type is a named GraphQL type (object, interface, union, scalar, enum, input)
type Type struct {
	Name          string
	Kind          TypeKind
	Description   string
	Fields        []*Field // For OBJECT and INTERFACE
	Interfaces    []string // For OBJECT and INTERFACE (implemented/extended)
	PossibleTypes []string // For INTERFACE and UNION
	EnumValues    []string // For ENUM
	// KeyField names the identity field. Types with an `id: ID` field get
	// "id"; @key(field:) overrides and @key(field: "") disables.
	KeyField string
	// MaxAge is the @cacheControl(maxAge:) value in seconds.
	MaxAge *int64
}

// Field returns the field named name, or nil.
func (t *Type) Field(name string) *Field {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Field represents a field on an object or interface
type Field struct {
	Name        string
	Description string
	Type        *TypeRef
	Arguments   []*InputValue
}

// Argument returns the argument definition named name, or nil.
func (f *Field) Argument(name string) *InputValue {
	for _, a := range f.Arguments {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// TypeKind represents the kind of GraphQL type
type TypeKind string

const (
	TypeKindScalar      TypeKind = "SCALAR"
	TypeKindObject      TypeKind = "OBJECT"
	TypeKindInterface   TypeKind = "INTERFACE"
	TypeKindUnion       TypeKind = "UNION"
	TypeKindEnum        TypeKind = "ENUM"
	TypeKindInputObject TypeKind = "INPUT_OBJECT"
)

// TypeRef represents a reference to a type (can be wrapped)
type TypeRef struct {
	Kind   TypeRefKind
	OfType *TypeRef // For List and NonNull
	Named  string   // For named types
}

type TypeRefKind string

const (
	TypeRefKindNamed   TypeRefKind = "NAMED"
	TypeRefKindList    TypeRefKind = "LIST"
	TypeRefKindNonNull TypeRefKind = "NON_NULL"
)

// Helper functions for TypeRef
func (t *TypeRef) IsNonNull() bool {
	return t != nil && t.Kind == TypeRefKindNonNull
}

func (t *TypeRef) IsList() bool {
	if t.Kind == TypeRefKindList {
		return true
	}
	if t.Kind == TypeRefKindNonNull && t.OfType != nil {
		return t.OfType.Kind == TypeRefKindList
	}
	return false
}

func (t *TypeRef) GetNamedType() string {
	current := t
	for current != nil {
		if current.Named != "" {
			return current.Named
		}
		current = current.OfType
	}
	return ""
}

// String renders the reference in SDL notation, e.g. "[ID!]!".
func (t *TypeRef) String() string {
	switch t.Kind {
	case TypeRefKindNonNull:
		return t.OfType.String() + "!"
	case TypeRefKindList:
		return "[" + t.OfType.String() + "]"
	default:
		return t.Named
	}
}

type InputValue struct {
	Name         string
	Description  string
	Type         *TypeRef
	DefaultValue any
}

func NonNullType(t *TypeRef) *TypeRef { return &TypeRef{Kind: TypeRefKindNonNull, OfType: t} }
func ListType(t *TypeRef) *TypeRef    { return &TypeRef{Kind: TypeRefKindList, OfType: t} }
func NamedType(name string) *TypeRef  { return &TypeRef{Kind: TypeRefKindNamed, Named: name} }
