package selection

import (
	"fmt"

	language "github.com/hanpama/graphcache/internal/language"
)

// FromQuery parses a GraphQL document and returns the leaf selections of
// the operation named operationName, or of its only operation. Fragments
// are flattened into their parent; type conditions must name the parent
// type.
func FromQuery(src, operationName string, vars map[string]any, types TypeResolver) ([]*Selection, error) {
	doc, err := language.ParseQuery(src)
	if err != nil {
		return nil, err
	}
	op, err := pickOperation(doc, operationName)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(vars))
	for _, def := range op.VariableDefinitions {
		if def.DefaultValue == nil {
			continue
		}
		v, err := def.DefaultValue.Value(nil)
		if err != nil {
			return nil, fmt.Errorf("default of $%s: %w", def.Variable, err)
		}
		merged[def.Variable] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	p := &parser{doc: doc, vars: merged, active: map[string]bool{}}
	if err := p.collect(NewRoot(Kind(op.Operation), types), op.SelectionSet); err != nil {
		return nil, err
	}
	if len(p.leaves) == 0 {
		return nil, fmt.Errorf("operation selects no fields")
	}
	return p.leaves, nil
}

func pickOperation(doc *language.QueryDocument, name string) (*language.OperationDefinition, error) {
	if name != "" {
		op := doc.Operations.ForName(name)
		if op == nil {
			return nil, fmt.Errorf("operation %q not found", name)
		}
		return op, nil
	}
	if len(doc.Operations) != 1 {
		return nil, fmt.Errorf("document has %d operations; name one", len(doc.Operations))
	}
	return doc.Operations[0], nil
}

type parser struct {
	doc    *language.QueryDocument
	vars   map[string]any
	active map[string]bool
	leaves []*Selection
}

func (p *parser) collect(parent *Selection, set language.SelectionSet) error {
	for _, sel := range set {
		switch s := sel.(type) {
		case *language.Field:
			var opts []Option
			if len(s.Arguments) > 0 {
				args := make(map[string]any, len(s.Arguments))
				for _, a := range s.Arguments {
					v, err := a.Value.Value(p.vars)
					if err != nil {
						return fmt.Errorf("argument %s of %s: %w", a.Name, s.Name, err)
					}
					args[a.Name] = v
				}
				opts = append(opts, WithArgs(args))
			}
			if s.Alias != "" && s.Alias != s.Name {
				opts = append(opts, WithAlias(s.Alias))
			}
			child := parent.Select(s.Name, opts...)
			if len(s.SelectionSet) == 0 {
				p.leaves = append(p.leaves, child)
				continue
			}
			if err := p.collect(child, s.SelectionSet); err != nil {
				return err
			}
		case *language.InlineFragment:
			if err := checkCondition(parent, s.TypeCondition); err != nil {
				return err
			}
			if err := p.collect(parent, s.SelectionSet); err != nil {
				return err
			}
		case *language.FragmentSpread:
			def := p.doc.Fragments.ForName(s.Name)
			if def == nil {
				return fmt.Errorf("fragment %s not defined", s.Name)
			}
			if p.active[s.Name] {
				return fmt.Errorf("fragment %s spreads itself", s.Name)
			}
			if err := checkCondition(parent, def.TypeCondition); err != nil {
				return err
			}
			p.active[s.Name] = true
			err := p.collect(parent, def.SelectionSet)
			delete(p.active, s.Name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func checkCondition(parent *Selection, cond string) error {
	if cond == "" || parent.Type() == "" || cond == parent.Type() {
		return nil
	}
	return fmt.Errorf("fragment on %s inside %s: type conditions other than the parent type are not supported", cond, parent.Type())
}
