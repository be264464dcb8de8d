// Package language wraps the gqlparser AST, parser and printer.
package language

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func ParseSchema(name, source string) (*SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Print renders a query document as GraphQL source.
func Print(doc *QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return buf.String()
}

// ParseType parses a type reference such as "[ID!]!".
func ParseType(src string) (*Type, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: "query($v: " + src + ") { __typename }"})
	if err != nil {
		return nil, err
	}
	return doc.Operations[0].VariableDefinitions[0].Type, nil
}

// LiteralValue converts a JSON-like Go value into an AST literal.
func LiteralValue(v any) (*Value, error) {
	switch x := v.(type) {
	case nil:
		return &Value{Kind: NullValue, Raw: "null"}, nil
	case bool:
		return &Value{Kind: BooleanValue, Raw: strconv.FormatBool(x)}, nil
	case string:
		return &Value{Kind: StringValue, Raw: x}, nil
	case int:
		return &Value{Kind: IntValue, Raw: strconv.Itoa(x)}, nil
	case int32:
		return &Value{Kind: IntValue, Raw: strconv.FormatInt(int64(x), 10)}, nil
	case int64:
		return &Value{Kind: IntValue, Raw: strconv.FormatInt(x, 10)}, nil
	case float64:
		if x == float64(int64(x)) {
			return &Value{Kind: IntValue, Raw: strconv.FormatInt(int64(x), 10)}, nil
		}
		return &Value{Kind: FloatValue, Raw: strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case json.Number:
		return &Value{Kind: FloatValue, Raw: x.String()}, nil
	case []any:
		out := &Value{Kind: ListValue}
		for _, e := range x {
			ev, err := LiteralValue(e)
			if err != nil {
				return nil, err
			}
			out.Children = append(out.Children, &ChildValue{Value: ev})
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := &Value{Kind: ObjectValue}
		for _, k := range keys {
			ev, err := LiteralValue(x[k])
			if err != nil {
				return nil, err
			}
			out.Children = append(out.Children, &ChildValue{Name: k, Value: ev})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported literal of type %T", v)
	}
}
