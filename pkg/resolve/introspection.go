package resolve

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// Introspection of the supergraph is answered by the gateway from the composed
// schema. Subgraphs never see __schema or __type.

type schemaObject struct {
	schema *ast.Schema
}

func (o *schemaObject) typeName() string { return "__Schema" }

func (o *schemaObject) resolve(field *ast.Field, _ map[string]any) any {
	switch field.Name {
	case "types":
		names := make([]string, 0, len(o.schema.Types))
		for name := range o.schema.Types {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]any, 0, len(names))
		for _, name := range names {
			out = append(out, &typeObject{schema: o.schema, def: o.schema.Types[name]})
		}
		return out
	case "queryType":
		return o.namedType(o.schema.Query)
	case "mutationType":
		return o.namedType(o.schema.Mutation)
	case "subscriptionType":
		return o.namedType(o.schema.Subscription)
	case "directives":
		names := make([]string, 0, len(o.schema.Directives))
		for name := range o.schema.Directives {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]any, 0, len(names))
		for _, name := range names {
			out = append(out, &directiveObject{schema: o.schema, def: o.schema.Directives[name]})
		}
		return out
	}
	return nil
}

func (o *schemaObject) namedType(def *ast.Definition) any {
	if def == nil {
		return nil
	}
	return &typeObject{schema: o.schema, def: def}
}

// typeObject is a named type when def is set, a list or non-null wrapper otherwise.
type typeObject struct {
	schema  *ast.Schema
	def     *ast.Definition
	wrapped *ast.Type
}

func newTypeRef(schema *ast.Schema, t *ast.Type) any {
	if t.NonNull || t.Elem != nil {
		return &typeObject{schema: schema, wrapped: t}
	}
	def := schema.Types[t.NamedType]
	if def == nil {
		return nil
	}
	return &typeObject{schema: schema, def: def}
}

func (o *typeObject) typeName() string { return "__Type" }

func (o *typeObject) resolve(field *ast.Field, variables map[string]any) any {
	if o.wrapped != nil {
		return o.resolveWrapper(field)
	}

	includeDeprecated, _ := field.ArgumentMap(variables)["includeDeprecated"].(bool)

	switch field.Name {
	case "kind":
		return string(o.def.Kind)
	case "name":
		return o.def.Name
	case "description":
		return nullableString(o.def.Description)
	case "specifiedByURL":
		if d := o.def.Directives.ForName("specifiedBy"); d != nil {
			if arg := d.Arguments.ForName("url"); arg != nil && arg.Value != nil {
				return arg.Value.Raw
			}
		}
		return nil
	case "fields":
		if o.def.Kind != ast.Object && o.def.Kind != ast.Interface {
			return nil
		}
		out := []any{}
		for _, f := range o.def.Fields {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			if !includeDeprecated && f.Directives.ForName("deprecated") != nil {
				continue
			}
			out = append(out, &fieldObject{schema: o.schema, def: f})
		}
		return out
	case "interfaces":
		if o.def.Kind != ast.Object && o.def.Kind != ast.Interface {
			return nil
		}
		out := []any{}
		for _, name := range o.def.Interfaces {
			if def := o.schema.Types[name]; def != nil {
				out = append(out, &typeObject{schema: o.schema, def: def})
			}
		}
		return out
	case "possibleTypes":
		if !o.def.IsAbstractType() {
			return nil
		}
		possible := o.schema.GetPossibleTypes(o.def)
		names := make([]string, 0, len(possible))
		for _, def := range possible {
			names = append(names, def.Name)
		}
		sort.Strings(names)
		out := make([]any, 0, len(names))
		for _, name := range names {
			out = append(out, &typeObject{schema: o.schema, def: o.schema.Types[name]})
		}
		return out
	case "enumValues":
		if o.def.Kind != ast.Enum {
			return nil
		}
		out := []any{}
		for _, v := range o.def.EnumValues {
			if !includeDeprecated && v.Directives.ForName("deprecated") != nil {
				continue
			}
			out = append(out, &enumValueObject{def: v})
		}
		return out
	case "inputFields":
		if o.def.Kind != ast.InputObject {
			return nil
		}
		out := []any{}
		for _, f := range o.def.Fields {
			out = append(out, &inputValueObject{
				schema:       o.schema,
				name:         f.Name,
				description:  f.Description,
				typ:          f.Type,
				defaultValue: f.DefaultValue,
				directives:   f.Directives,
			})
		}
		return out
	case "isOneOf":
		return o.def.Directives.ForName("oneOf") != nil
	}
	return nil
}

func (o *typeObject) resolveWrapper(field *ast.Field) any {
	switch field.Name {
	case "kind":
		if o.wrapped.NonNull {
			return "NON_NULL"
		}
		return "LIST"
	case "ofType":
		if o.wrapped.NonNull {
			inner := *o.wrapped
			inner.NonNull = false
			return newTypeRef(o.schema, &inner)
		}
		return newTypeRef(o.schema, o.wrapped.Elem)
	}
	return nil
}

type fieldObject struct {
	schema *ast.Schema
	def    *ast.FieldDefinition
}

func (o *fieldObject) typeName() string { return "__Field" }

func (o *fieldObject) resolve(field *ast.Field, _ map[string]any) any {
	switch field.Name {
	case "name":
		return o.def.Name
	case "description":
		return nullableString(o.def.Description)
	case "args":
		out := []any{}
		for _, arg := range o.def.Arguments {
			out = append(out, &inputValueObject{
				schema:       o.schema,
				name:         arg.Name,
				description:  arg.Description,
				typ:          arg.Type,
				defaultValue: arg.DefaultValue,
				directives:   arg.Directives,
			})
		}
		return out
	case "type":
		return newTypeRef(o.schema, o.def.Type)
	case "isDeprecated":
		return o.def.Directives.ForName("deprecated") != nil
	case "deprecationReason":
		return deprecationReason(o.def.Directives)
	}
	return nil
}

type inputValueObject struct {
	schema       *ast.Schema
	name         string
	description  string
	typ          *ast.Type
	defaultValue *ast.Value
	directives   ast.DirectiveList
}

func (o *inputValueObject) typeName() string { return "__InputValue" }

func (o *inputValueObject) resolve(field *ast.Field, _ map[string]any) any {
	switch field.Name {
	case "name":
		return o.name
	case "description":
		return nullableString(o.description)
	case "type":
		return newTypeRef(o.schema, o.typ)
	case "defaultValue":
		if o.defaultValue == nil {
			return nil
		}
		return o.defaultValue.String()
	case "isDeprecated":
		return o.directives.ForName("deprecated") != nil
	case "deprecationReason":
		return deprecationReason(o.directives)
	}
	return nil
}

type enumValueObject struct {
	def *ast.EnumValueDefinition
}

func (o *enumValueObject) typeName() string { return "__EnumValue" }

func (o *enumValueObject) resolve(field *ast.Field, _ map[string]any) any {
	switch field.Name {
	case "name":
		return o.def.Name
	case "description":
		return nullableString(o.def.Description)
	case "isDeprecated":
		return o.def.Directives.ForName("deprecated") != nil
	case "deprecationReason":
		return deprecationReason(o.def.Directives)
	}
	return nil
}

type directiveObject struct {
	schema *ast.Schema
	def    *ast.DirectiveDefinition
}

func (o *directiveObject) typeName() string { return "__Directive" }

func (o *directiveObject) resolve(field *ast.Field, _ map[string]any) any {
	switch field.Name {
	case "name":
		return o.def.Name
	case "description":
		return nullableString(o.def.Description)
	case "locations":
		out := make([]any, 0, len(o.def.Locations))
		for _, loc := range o.def.Locations {
			out = append(out, string(loc))
		}
		return out
	case "args":
		out := []any{}
		for _, arg := range o.def.Arguments {
			out = append(out, &inputValueObject{
				schema:       o.schema,
				name:         arg.Name,
				description:  arg.Description,
				typ:          arg.Type,
				defaultValue: arg.DefaultValue,
				directives:   arg.Directives,
			})
		}
		return out
	case "isRepeatable":
		return o.def.IsRepeatable
	}
	return nil
}

func deprecationReason(directives ast.DirectiveList) any {
	d := directives.ForName("deprecated")
	if d == nil {
		return nil
	}
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		return arg.Value.Raw
	}
	return "No longer supported"
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
