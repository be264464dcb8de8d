package schema

// Built-in scalars every schema starts with. ID is the default identity
// type for normalized entities.
var builtinNames = map[string]bool{
	"String":  true,
	"Int":     true,
	"Float":   true,
	"Boolean": true,
	"ID":      true,
}

// builtinScalars returns fresh scalar types so that schemas never share
// mutable definitions.
func builtinScalars() []*Type {
	types := make([]*Type, 0, len(builtinNames))
	for _, name := range []string{"String", "Int", "Float", "Boolean", "ID"} {
		types = append(types, &Type{Name: name, Kind: TypeKindScalar})
	}
	return types
}

func isBuiltin(name string) bool { return builtinNames[name] }
