package scheduler

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/hanpama/graphcache/internal/fetch"
	language "github.com/hanpama/graphcache/internal/language"
	"github.com/hanpama/graphcache/internal/selection"
)

// Schema is what the document builder needs to know about types.
// schema.Schema implements it.
type Schema interface {
	KeyField(typeName string) string
	FieldType(parentType, field string) (string, bool)
	ArgumentType(parentType, field, arg string) (string, bool)
}

// Build renders tree as a single operation document. Every object selection
// gets __typename and its identity field so the response can be normalized.
// Arguments whose type is known become variables $v1..$vn; the rest are
// inlined as literals.
func Build(tree *selection.Tree, name string, sch Schema) (*fetch.Operation, error) {
	b := &builder{schema: sch, types: make(map[string]*language.Type)}
	set, err := b.selectionSet(tree.Root)
	if err != nil {
		return nil, err
	}
	def := &language.OperationDefinition{
		Operation:           language.Operation(tree.Kind()),
		Name:                name,
		VariableDefinitions: b.defs,
		SelectionSet:        set,
	}
	doc := &language.QueryDocument{Operations: language.OperationList{def}}
	return &fetch.Operation{
		Kind:          tree.Kind(),
		Query:         language.Print(doc),
		Variables:     b.vars,
		OperationName: name,
		Tree:          tree,
	}, nil
}

type builder struct {
	schema Schema
	defs   language.VariableDefinitionList
	vars   map[string]any
	types  map[string]*language.Type
}

func (b *builder) selectionSet(n *selection.Node) (language.SelectionSet, error) {
	var set language.SelectionSet
	seen := make(map[string]bool, len(n.Children)+2)
	for _, c := range n.Children {
		s := c.Selection
		f := &language.Field{Alias: s.ResponseKey(), Name: s.Field()}
		args, err := b.arguments(s)
		if err != nil {
			return nil, err
		}
		f.Arguments = args
		if !c.Leaf() {
			sub, err := b.selectionSet(c)
			if err != nil {
				return nil, err
			}
			f.SelectionSet = sub
		}
		set = append(set, f)
		seen[s.ResponseKey()] = true
	}
	if n.Selection.IsRoot() {
		return set, nil
	}
	if !seen["__typename"] {
		set = append(set, &language.Field{Alias: "__typename", Name: "__typename"})
	}
	if k := b.keyField(n.Selection.Type()); k != "" && !seen[k] {
		set = append(set, &language.Field{Alias: k, Name: k})
	}
	return set, nil
}

func (b *builder) keyField(typeName string) string {
	if b.schema == nil || typeName == "" {
		return ""
	}
	k := b.schema.KeyField(typeName)
	if k == "" {
		return ""
	}
	if _, ok := b.schema.FieldType(typeName, k); !ok {
		return ""
	}
	return k
}

func (b *builder) arguments(s *selection.Selection) (language.ArgumentList, error) {
	args := s.Args()
	if len(args) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)
	list := make(language.ArgumentList, 0, len(names))
	for _, name := range names {
		v := args[name]
		if typ, ok := b.argumentType(s, name); ok {
			ref, err := b.variable(typ, v)
			if err != nil {
				return nil, fmt.Errorf("argument %s of %s: %w", name, s, err)
			}
			list = append(list, &language.Argument{Name: name, Value: ref})
			continue
		}
		lit, err := language.LiteralValue(v)
		if err != nil {
			return nil, fmt.Errorf("argument %s of %s: %w", name, s, err)
		}
		list = append(list, &language.Argument{Name: name, Value: lit})
	}
	return list, nil
}

func (b *builder) argumentType(s *selection.Selection, arg string) (string, bool) {
	if b.schema == nil {
		return "", false
	}
	return b.schema.ArgumentType(s.ParentType(), s.Field(), arg)
}

func (b *builder) variable(typ string, v any) (*language.Value, error) {
	t, ok := b.types[typ]
	if !ok {
		var err error
		if t, err = language.ParseType(typ); err != nil {
			return nil, err
		}
		b.types[typ] = t
	}
	if b.vars == nil {
		b.vars = make(map[string]any)
	}
	name := "v" + strconv.Itoa(len(b.defs)+1)
	b.defs = append(b.defs, &language.VariableDefinition{Variable: name, Type: t})
	b.vars[name] = v
	return &language.Value{Kind: language.Variable, Raw: name}, nil
}
