package composition

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
)

var (
	ErrComposition = errors.New("composition failed")
	ErrNoSubgraphs = errors.New("no subgraph schemas to compose")
)

var builtinScalars = map[string]struct{}{
	"Int":     {},
	"Float":   {},
	"String":  {},
	"Boolean": {},
	"ID":      {},
}

// Subgraph is one input of a composition.
type Subgraph struct {
	Name       string
	RoutingURL string
	Document   *SchemaDocument
}

type declaration struct {
	subgraph string
	def      *TypeDef
}

type composer struct {
	errs  *multierror.Error
	decls map[string][]declaration
	types map[string]*SuperType
}

func (c *composer) conflictf(format string, args ...any) {
	c.errs = multierror.Append(c.errs, fmt.Errorf(format, args...))
}

// Compose merges the subgraph schemas into a supergraph. Every conflict found is
// reported in the returned error. On error no supergraph is returned, so a
// failed composition can never be half applied.
func Compose(subgraphs []Subgraph) (*Supergraph, error) {
	if len(subgraphs) == 0 {
		return nil, ErrNoSubgraphs
	}

	sorted := make([]Subgraph, len(subgraphs))
	copy(sorted, subgraphs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	sg := &Supergraph{
		SourceVersions: make(map[string]string, len(sorted)),
		Subgraphs:      make(map[string]SubgraphInfo, len(sorted)),
		Types:          map[string]*SuperType{},
	}

	c := &composer{
		decls: map[string][]declaration{},
		types: sg.Types,
	}

	for _, s := range sorted {
		if s.Document == nil {
			return nil, fmt.Errorf("%w: subgraph %s has no schema", ErrComposition, s.Name)
		}
		if _, ok := sg.Subgraphs[s.Name]; ok {
			return nil, fmt.Errorf("%w: subgraph %s passed twice", ErrComposition, s.Name)
		}
		sg.Subgraphs[s.Name] = SubgraphInfo{Name: s.Name, RoutingURL: s.RoutingURL}
		sg.SourceVersions[s.Name] = s.Document.Hash
		for _, name := range s.Document.TypeNames() {
			c.decls[name] = append(c.decls[name], declaration{subgraph: s.Name, def: s.Document.Types[name]})
		}
	}

	names := make([]string, 0, len(c.decls))
	for name := range c.decls {
		names = append(names, name)
	}
	sort.Strings(names)

	definitions := make(ast.DefinitionList, 0, len(names))
	for _, name := range names {
		st, def := c.mergeType(name, c.decls[name])
		if st == nil {
			continue
		}
		sg.Types[name] = st
		definitions = append(definitions, def)
	}

	if q, ok := sg.Types["Query"]; !ok || len(q.Fields) == 0 {
		c.conflictf("no subgraph declares fields on the Query type")
	}

	c.checkReferences(definitions)
	c.checkRequiresCycles(names)

	if err := c.errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrComposition, err)
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatSchemaDocument(&ast.SchemaDocument{Definitions: definitions})
	sdl := buf.String()

	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "supergraph", Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("%w: composed schema is invalid: %w", ErrComposition, err)
	}

	sg.Schema = schema
	sg.SDL = sdl
	sg.ComposedAt = time.Now()

	return sg, nil
}

func (c *composer) mergeType(name string, decls []declaration) (*SuperType, *ast.Definition) {
	kind := decls[0].def.Kind
	for _, d := range decls[1:] {
		if d.def.Kind != kind {
			c.conflictf("type %s is declared as %s in %s and as %s in %s",
				name, kind, decls[0].subgraph, d.def.Kind, d.subgraph)
			return nil, nil
		}
	}

	st := &SuperType{
		Name:   name,
		Kind:   kind,
		Keys:   map[string][]KeySet{},
		Fields: map[string]*SuperField{},
	}
	def := &ast.Definition{
		Kind: kind.astKind(),
		Name: name,
	}

	for _, d := range decls {
		st.Subgraphs = append(st.Subgraphs, d.subgraph)
		if def.Description == "" {
			def.Description = d.def.Description
		}
	}

	switch kind {
	case KindObject, KindInterface:
		if !c.mergeComposite(st, def, decls) {
			return nil, nil
		}
	case KindUnion:
		for _, d := range decls {
			for _, m := range d.def.Members {
				if !containsString(def.Types, m) {
					def.Types = append(def.Types, m)
				}
			}
		}
	case KindEnum:
		for _, d := range decls {
			for _, v := range d.def.EnumValues {
				if def.EnumValues.ForName(v.Name) == nil {
					def.EnumValues = append(def.EnumValues, v)
				}
			}
		}
	case KindInputObject:
		if !c.sameFieldNames(name, "input type", decls) {
			return nil, nil
		}
		for _, f := range decls[0].def.Fields {
			st.Fields[f.Name] = &SuperField{Name: f.Name, Type: f.Type, Owners: st.Subgraphs}
			def.Fields = append(def.Fields, clientField(f, ""))
		}
	}

	return st, def
}

func isRootType(name string) bool {
	return name == "Query" || name == "Mutation" || name == "Subscription"
}

type fieldDeclaration struct {
	subgraph string
	field    *FieldDef
}

func (c *composer) mergeComposite(st *SuperType, def *ast.Definition, decls []declaration) bool {
	root := isRootType(st.Name)

	byOwner := map[string]*TypeDef{}
	var owners []string
	for _, d := range decls {
		if len(d.def.Keys) > 0 {
			st.Keys[d.subgraph] = d.def.Keys
		}
		if !d.def.Extension {
			owners = append(owners, d.subgraph)
		}
		byOwner[d.subgraph] = d.def
		for _, iface := range d.def.Interfaces {
			if !containsString(def.Interfaces, iface) {
				def.Interfaces = append(def.Interfaces, iface)
			}
		}
	}

	entity := len(st.Keys) > 0
	keyNames := map[string]struct{}{}

	switch {
	case entity:
		if len(owners) == 0 {
			c.conflictf("entity %s has no owning subgraph: it is only declared as an extension in %s",
				st.Name, strings.Join(st.Subgraphs, ", "))
			return false
		}
		st.Owner = owners[0]
		ownerDef := byOwner[st.Owner]
		for _, sub := range sortedKeys(st.Keys) {
			for _, key := range st.Keys[sub] {
				for _, n := range key.Names() {
					keyNames[n] = struct{}{}
					if byOwner[sub].Field(n) == nil {
						c.conflictf("key field %s.%s is not declared in subgraph %s", st.Name, n, sub)
					}
					if f := ownerDef.Field(n); f == nil || f.External {
						c.conflictf("key field %s.%s is missing in owning subgraph %s", st.Name, n, st.Owner)
					}
				}
			}
		}
	case root:
	default:
		if len(owners) == 0 {
			c.conflictf("type %s is only declared as an extension in %s and has no owning subgraph",
				st.Name, strings.Join(st.Subgraphs, ", "))
			return false
		}
		st.Owner = owners[0]
		if !c.sameFieldNames(st.Name, "value type", decls) {
			return false
		}
	}

	// the owner's declaration decides the field order of the client schema
	ordered := make([]declaration, 0, len(decls))
	for _, d := range decls {
		if d.subgraph == st.Owner {
			ordered = append([]declaration{d}, ordered...)
		} else {
			ordered = append(ordered, d)
		}
	}

	var order []string
	fields := map[string][]fieldDeclaration{}
	for _, d := range ordered {
		for _, f := range d.def.Fields {
			if _, ok := fields[f.Name]; !ok {
				order = append(order, f.Name)
			}
			fields[f.Name] = append(fields[f.Name], fieldDeclaration{subgraph: d.subgraph, field: f})
		}
	}

	ok := true
	for _, name := range order {
		fds := fields[name]
		first := fds[0]
		for _, fd := range fds[1:] {
			if fd.field.Type.String() != first.field.Type.String() {
				c.conflictf("field %s.%s has type %s in %s but %s in %s",
					st.Name, name, first.field.Type, first.subgraph, fd.field.Type, fd.subgraph)
				ok = false
			}
		}

		sf := &SuperField{
			Name:     name,
			Type:     first.field.Type,
			Requires: map[string]FieldSet{},
			Provides: map[string]FieldSet{},
		}

		var resolver *FieldDef
		allShareable := true
		for _, fd := range fds {
			if fd.field.Provides != nil {
				sf.Provides[fd.subgraph] = *fd.field.Provides
			}
			if fd.field.External {
				continue
			}
			if resolver == nil {
				resolver = fd.field
			}
			sf.Owners = append(sf.Owners, fd.subgraph)
			allShareable = allShareable && fd.field.Shareable
			if fd.field.Requires != nil {
				sf.Requires[fd.subgraph] = *fd.field.Requires
				for _, req := range fd.field.Requires.Names() {
					if byOwner[fd.subgraph].Field(req) == nil {
						c.conflictf("@requires on %s.%s in %s references field %s which the subgraph does not declare",
							st.Name, name, fd.subgraph, req)
						ok = false
					}
				}
			}
		}

		if resolver == nil {
			c.conflictf("field %s.%s is marked @external in every subgraph declaring it", st.Name, name)
			ok = false
			continue
		}
		sort.Strings(sf.Owners)

		_, isKey := keyNames[name]
		if len(sf.Owners) > 1 && !allShareable && (root || (entity && !isKey)) {
			c.conflictf("field %s.%s is resolved by multiple subgraphs (%s)",
				st.Name, name, strings.Join(sf.Owners, ", "))
			ok = false
		}

		st.Fields[name] = sf
		def.Fields = append(def.Fields, clientField(resolver, describe(fds)))
	}

	return ok
}

// sameFieldNames reports whether every declaration of a type declares the same fields.
func (c *composer) sameFieldNames(typeName, what string, decls []declaration) bool {
	ref := fieldNames(decls[0].def)
	for _, d := range decls[1:] {
		if got := fieldNames(d.def); got != ref {
			c.conflictf("%s %s declares different fields in %s and %s", what, typeName, decls[0].subgraph, d.subgraph)
			return false
		}
	}
	return true
}

func fieldNames(t *TypeDef) string {
	names := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func describe(fds []fieldDeclaration) string {
	for _, fd := range fds {
		if fd.field.Description != "" {
			return fd.field.Description
		}
	}
	return ""
}

func clientField(f *FieldDef, description string) *ast.FieldDefinition {
	if description == "" {
		description = f.Description
	}
	return &ast.FieldDefinition{
		Description:  description,
		Name:         f.Name,
		Arguments:    f.Arguments,
		DefaultValue: f.DefaultValue,
		Type:         f.Type,
		Directives:   f.Directives,
	}
}

func (c *composer) knownType(name string) (*SuperType, bool) {
	if _, ok := builtinScalars[name]; ok {
		return nil, true
	}
	st, ok := c.types[name]
	return st, ok
}

func (c *composer) checkReferences(defs ast.DefinitionList) {
	for _, def := range defs {
		for _, f := range def.Fields {
			if _, ok := c.knownType(f.Type.Name()); !ok {
				c.conflictf("field %s.%s references unknown type %s", def.Name, f.Name, f.Type.Name())
			}
			for _, arg := range f.Arguments {
				if _, ok := c.knownType(arg.Type.Name()); !ok {
					c.conflictf("argument %s.%s(%s) references unknown type %s", def.Name, f.Name, arg.Name, arg.Type.Name())
				}
			}
		}
		for _, iface := range def.Interfaces {
			if st, ok := c.knownType(iface); !ok || st == nil || st.Kind != KindInterface {
				c.conflictf("type %s implements %s which is not a known interface", def.Name, iface)
			}
		}
		for _, member := range def.Types {
			if st, ok := c.knownType(member); !ok || st == nil || st.Kind != KindObject {
				c.conflictf("union %s contains %s which is not a known object type", def.Name, member)
			}
		}
	}
}

// checkRequiresCycles rejects fields that transitively require themselves.
func (c *composer) checkRequiresCycles(typeNames []string) {
	const (
		unvisited = iota
		visiting
		done
	)

	for _, typeName := range typeNames {
		st, ok := c.types[typeName]
		if !ok {
			continue
		}

		edges := map[string][]string{}
		for name, f := range st.Fields {
			for _, sub := range sortedKeys(f.Requires) {
				edges[name] = append(edges[name], f.Requires[sub].Names()...)
			}
		}
		if len(edges) == 0 {
			continue
		}

		state := map[string]int{}
		var stack []string
		var visit func(string) bool
		visit = func(n string) bool {
			switch state[n] {
			case visiting:
				start := 0
				for i, s := range stack {
					if s == n {
						start = i
					}
				}
				cycle := append(append([]string{}, stack[start:]...), n)
				for i := range cycle {
					cycle[i] = typeName + "." + cycle[i]
				}
				c.conflictf("@requires cycle: %s", strings.Join(cycle, " -> "))
				return true
			case done:
				return false
			}
			state[n] = visiting
			stack = append(stack, n)
			for _, next := range edges[n] {
				if visit(next) {
					return true
				}
			}
			stack = stack[:len(stack)-1]
			state[n] = done
			return false
		}

		for _, n := range sortedKeys(edges) {
			if state[n] == unvisited {
				stack = stack[:0]
				if visit(n) {
					break
				}
			}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
