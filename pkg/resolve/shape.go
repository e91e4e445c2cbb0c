package resolve

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/giamma80/gymbro-platform-sub003/pkg/planner"
)

// shaper walks the client operation over the merged subgraph data. Output keys
// follow the operation, fields added for planning are dropped and null values
// of non-null fields are propagated to the closest nullable parent.
type shaper struct {
	schema    *ast.Schema
	variables map[string]any
	errors    gqlerror.List
}

type collectedField struct {
	alias      string
	field      *ast.Field
	selections ast.SelectionSet
}

// lazyObject is an object computed by the gateway instead of fetched from a subgraph.
type lazyObject interface {
	typeName() string
	resolve(field *ast.Field, variables map[string]any) any
}

func (s *shaper) root(op *ast.OperationDefinition, data map[string]any) (*Object, bool) {
	rootType := s.schema.Query
	if op.Operation == ast.Mutation && s.schema.Mutation != nil {
		rootType = s.schema.Mutation
	}
	return s.object(rootType.Name, &rootObject{schema: s.schema, name: rootType.Name, data: data}, op.SelectionSet, nil)
}

func (s *shaper) runtimeType(staticType string, source any) string {
	switch src := source.(type) {
	case lazyObject:
		return src.typeName()
	case map[string]any:
		if tn, ok := src[typenameField].(string); ok && tn != "" {
			return tn
		}
	}
	return staticType
}

func (s *shaper) object(staticType string, source any, selections ast.SelectionSet, path ast.Path) (*Object, bool) {
	runtime := s.runtimeType(staticType, source)

	var fields []*collectedField
	s.collectFields(runtime, selections, &fields, map[string]*collectedField{})

	out := NewObject()
	for _, cf := range fields {
		if cf.field.Name == typenameField {
			out.Set(cf.alias, runtime)
			continue
		}
		if cf.field.Definition == nil {
			continue
		}

		var raw any
		switch src := source.(type) {
		case lazyObject:
			raw = src.resolve(cf.field, s.variables)
		case map[string]any:
			raw = src[cf.alias]
		}

		fieldPath := appendPath(path, ast.PathName(cf.alias))
		value, ok := s.complete(cf.field.Definition.Type, raw, cf.selections, fieldPath, runtime+"."+cf.field.Name)
		if !ok {
			return nil, false
		}
		out.Set(cf.alias, value)
	}
	return out, true
}

// complete coerces raw to the field type. It returns false when the value is
// null for a non-null type.
func (s *shaper) complete(t *ast.Type, raw any, selections ast.SelectionSet, path ast.Path, coordinate string) (any, bool) {
	if raw == nil {
		if t.NonNull {
			s.nullError(path, coordinate)
			return nil, false
		}
		return nil, true
	}

	if t.Elem != nil {
		list, ok := raw.([]any)
		if !ok {
			return s.complete(t, nil, selections, path, coordinate)
		}
		out := make([]any, len(list))
		for i, el := range list {
			value, ok := s.complete(t.Elem, el, selections, appendPath(path, ast.PathIndex(i)), coordinate)
			if !ok {
				return nil, !t.NonNull
			}
			out[i] = value
		}
		return out, true
	}

	def := s.schema.Types[t.NamedType]
	if def == nil || def.Kind == ast.Scalar || def.Kind == ast.Enum {
		return raw, true
	}

	switch raw.(type) {
	case map[string]any, lazyObject:
	default:
		return s.complete(t, nil, selections, path, coordinate)
	}

	obj, ok := s.object(t.NamedType, raw, selections, path)
	if !ok {
		return nil, !t.NonNull
	}
	return obj, true
}

// collectFields merges the selections that apply to the runtime type,
// grouped by response key in document order.
func (s *shaper) collectFields(runtime string, selections ast.SelectionSet, out *[]*collectedField, index map[string]*collectedField) {
	for _, sel := range selections {
		switch sel := sel.(type) {
		case *ast.Field:
			if !planner.Included(sel.Directives, s.variables) {
				continue
			}
			if cf, ok := index[sel.Alias]; ok {
				cf.selections = append(cf.selections, sel.SelectionSet...)
				continue
			}
			cf := &collectedField{
				alias:      sel.Alias,
				field:      sel,
				selections: append(ast.SelectionSet(nil), sel.SelectionSet...),
			}
			index[sel.Alias] = cf
			*out = append(*out, cf)
		case *ast.InlineFragment:
			if !planner.Included(sel.Directives, s.variables) || !s.applies(sel.TypeCondition, runtime) {
				continue
			}
			s.collectFields(runtime, sel.SelectionSet, out, index)
		case *ast.FragmentSpread:
			if !planner.Included(sel.Directives, s.variables) || sel.Definition == nil {
				continue
			}
			if !s.applies(sel.Definition.TypeCondition, runtime) {
				continue
			}
			s.collectFields(runtime, sel.Definition.SelectionSet, out, index)
		}
	}
}

func (s *shaper) applies(typeCondition, runtime string) bool {
	if typeCondition == "" || typeCondition == runtime {
		return true
	}
	def := s.schema.Types[typeCondition]
	if def == nil || !def.IsAbstractType() {
		return false
	}
	for _, possible := range s.schema.GetPossibleTypes(def) {
		if possible.Name == runtime {
			return true
		}
	}
	return false
}

// nullError records a non-null violation unless an error was already reported
// at or below the path.
func (s *shaper) nullError(path ast.Path, coordinate string) {
	for _, err := range s.errors {
		if hasPrefix(err.Path, path) {
			return
		}
	}
	s.errors = append(s.errors, &gqlerror.Error{
		Message: fmt.Sprintf("Cannot return null for non-nullable field %s.", coordinate),
		Path:    path,
	})
}

func hasPrefix(path, prefix ast.Path) bool {
	if len(path) < len(prefix) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

// rootObject serves the root fields from the merged data and answers the
// introspection fields itself.
type rootObject struct {
	schema *ast.Schema
	name   string
	data   map[string]any
}

func (r *rootObject) typeName() string {
	return r.name
}

func (r *rootObject) resolve(field *ast.Field, variables map[string]any) any {
	if r.name == r.schema.Query.Name {
		switch field.Name {
		case "__schema":
			return &schemaObject{schema: r.schema}
		case "__type":
			name, _ := field.ArgumentMap(variables)["name"].(string)
			if def := r.schema.Types[name]; def != nil {
				return &typeObject{schema: r.schema, def: def}
			}
			return nil
		}
	}
	return r.data[field.Alias]
}
