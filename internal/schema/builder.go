package schema

import (
	"fmt"
	"sort"
	"strconv"

	language "github.com/hanpama/graphcache/internal/language"
)

const (
	keyDirective          = "key"
	cacheControlDirective = "cacheControl"
)

// BuildFromSDL parses SDL and returns the schema descriptor. Type
// extensions are merged into their base definitions. Identity fields come
// from @key(field:) or default to an `id` field of type ID.
func BuildFromSDL(sdl string) (*Schema, error) {
	return BuildFromSources(map[string]string{"schema.graphql": sdl})
}

// BuildFromSources is BuildFromSDL over several named SDL sources.
func BuildFromSources(sources map[string]string) (*Schema, error) {
	s := &Schema{Types: make(map[string]*Type)}
	for _, t := range builtinScalars() {
		s.Types[t.Name] = t
	}

	var docs []*language.SchemaDocument
	for _, name := range sortedKeys(sources) {
		doc, err := language.ParseSchema(name, sources[name])
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		docs = append(docs, doc)
	}

	for _, doc := range docs {
		defs := make([]*language.SchemaDefinition, 0, len(doc.Schema)+len(doc.SchemaExtension))
		defs = append(defs, doc.Schema...)
		defs = append(defs, doc.SchemaExtension...)
		for _, sd := range defs {
			for _, op := range sd.OperationTypes {
				switch op.Operation {
				case language.Query:
					s.QueryType = op.Type
				case language.Mutation:
					s.MutationType = op.Type
				case language.Subscription:
					s.SubscriptionType = op.Type
				}
			}
		}
		for _, def := range doc.Definitions {
			if _, exists := s.Types[def.Name]; exists && !isBuiltin(def.Name) {
				return nil, fmt.Errorf("type %q defined more than once", def.Name)
			}
			t, err := buildType(def)
			if err != nil {
				return nil, err
			}
			s.Types[def.Name] = t
		}
	}
	for _, doc := range docs {
		for _, ext := range doc.Extensions {
			base := s.Types[ext.Name]
			if base == nil {
				return nil, fmt.Errorf("cannot extend undefined type %q", ext.Name)
			}
			if err := extendType(base, ext); err != nil {
				return nil, err
			}
		}
	}

	if s.QueryType == "" && s.Types["Query"] != nil {
		s.QueryType = "Query"
	}
	if s.MutationType == "" && s.Types["Mutation"] != nil {
		s.MutationType = "Mutation"
	}
	if s.SubscriptionType == "" && s.Types["Subscription"] != nil {
		s.SubscriptionType = "Subscription"
	}
	if s.QueryType == "" {
		return nil, fmt.Errorf("schema has no query type")
	}
	for _, t := range s.Types {
		if t.Kind == TypeKindObject || t.Kind == TypeKindInterface {
			for _, f := range t.Fields {
				if named := f.Type.GetNamedType(); s.Types[named] == nil {
					return nil, fmt.Errorf("%s.%s: unknown type %q", t.Name, f.Name, named)
				}
			}
		}
	}
	for _, t := range s.Types {
		if t.Kind == TypeKindUnion || t.Kind == TypeKindInterface {
			continue
		}
		for _, iface := range t.Interfaces {
			if it := s.Types[iface]; it != nil {
				it.PossibleTypes = append(it.PossibleTypes, t.Name)
			}
		}
	}
	return s, nil
}

func buildType(def *language.Definition) (*Type, error) {
	t := &Type{Name: def.Name, Description: def.Description}
	switch def.Kind {
	case language.Object:
		t.Kind = TypeKindObject
	case language.Interface:
		t.Kind = TypeKindInterface
	case language.Union:
		t.Kind = TypeKindUnion
		t.PossibleTypes = append(t.PossibleTypes, def.Types...)
	case language.Scalar:
		t.Kind = TypeKindScalar
	case language.Enum:
		t.Kind = TypeKindEnum
	case language.InputObject:
		t.Kind = TypeKindInputObject
	default:
		return nil, fmt.Errorf("type %q: unsupported kind %s", def.Name, def.Kind)
	}
	if err := extendType(t, def); err != nil {
		return nil, err
	}
	if t.KeyField == "" && (t.Kind == TypeKindObject || t.Kind == TypeKindInterface) {
		if _, ok := keyDirectiveField(def); !ok {
			if f := t.Field("id"); f != nil && f.Type.GetNamedType() == "ID" {
				t.KeyField = "id"
			}
		}
	}
	return t, nil
}

func extendType(t *Type, def *language.Definition) error {
	t.Interfaces = append(t.Interfaces, def.Interfaces...)
	if t.Kind == TypeKindUnion && def.Kind == language.Union && len(def.Types) > 0 && t.PossibleTypes == nil {
		t.PossibleTypes = append(t.PossibleTypes, def.Types...)
	}
	for _, ev := range def.EnumValues {
		t.EnumValues = append(t.EnumValues, ev.Name)
	}
	for _, fd := range def.Fields {
		if t.Field(fd.Name) != nil {
			return fmt.Errorf("%s.%s defined more than once", t.Name, fd.Name)
		}
		f := &Field{Name: fd.Name, Description: fd.Description, Type: buildTypeRef(fd.Type)}
		for _, ad := range fd.Arguments {
			in := &InputValue{Name: ad.Name, Description: ad.Description, Type: buildTypeRef(ad.Type)}
			if ad.DefaultValue != nil {
				v, err := ad.DefaultValue.Value(nil)
				if err != nil {
					return fmt.Errorf("%s.%s(%s): %w", t.Name, fd.Name, ad.Name, err)
				}
				in.DefaultValue = v
			}
			f.Arguments = append(f.Arguments, in)
		}
		t.Fields = append(t.Fields, f)
	}
	if field, ok := keyDirectiveField(def); ok {
		if field != "" && t.Field(field) == nil {
			return fmt.Errorf("type %q: @key field %q does not exist", t.Name, field)
		}
		t.KeyField = field
	}
	if d := def.Directives.ForName(cacheControlDirective); d != nil {
		if arg := d.Arguments.ForName("maxAge"); arg != nil && arg.Value != nil {
			n, err := strconv.ParseInt(arg.Value.Raw, 10, 64)
			if err != nil {
				return fmt.Errorf("type %q: invalid @cacheControl maxAge %q", t.Name, arg.Value.Raw)
			}
			t.MaxAge = &n
		}
	}
	return nil
}

func keyDirectiveField(def *language.Definition) (string, bool) {
	d := def.Directives.ForName(keyDirective)
	if d == nil {
		return "", false
	}
	arg := d.Arguments.ForName("field")
	if arg == nil || arg.Value == nil {
		return "", true
	}
	return arg.Value.Raw, true
}

func buildTypeRef(t *language.Type) *TypeRef {
	if t == nil {
		return nil
	}
	var ref *TypeRef
	if t.Elem != nil {
		ref = ListType(buildTypeRef(t.Elem))
	} else {
		ref = NamedType(t.NamedType)
	}
	if t.NonNull {
		ref = NonNullType(ref)
	}
	return ref
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
