package composition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// TypeKind is the kind of a named type in a subgraph schema.
type TypeKind int

const (
	KindObject TypeKind = iota + 1
	KindInterface
	KindUnion
	KindEnum
	KindScalar
	KindInputObject
)

func (k TypeKind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindInterface:
		return "interface"
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	case KindScalar:
		return "scalar"
	case KindInputObject:
		return "input object"
	}
	return "unknown"
}

func (k TypeKind) astKind() ast.DefinitionKind {
	switch k {
	case KindObject:
		return ast.Object
	case KindInterface:
		return ast.Interface
	case KindUnion:
		return ast.Union
	case KindEnum:
		return ast.Enum
	case KindScalar:
		return ast.Scalar
	default:
		return ast.InputObject
	}
}

func kindOf(k ast.DefinitionKind) (TypeKind, bool) {
	switch k {
	case ast.Object:
		return KindObject, true
	case ast.Interface:
		return KindInterface, true
	case ast.Union:
		return KindUnion, true
	case ast.Enum:
		return KindEnum, true
	case ast.Scalar:
		return KindScalar, true
	case ast.InputObject:
		return KindInputObject, true
	}
	return 0, false
}

// FieldSet is a parsed federation field set such as the argument of @key or @requires.
type FieldSet struct {
	Raw       string
	Selection ast.SelectionSet
}

// ParseFieldSet parses a selection set written without the surrounding braces, e.g. "id org { id }".
func ParseFieldSet(raw string) (FieldSet, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "fieldset", Input: "{" + raw + "}"})
	if err != nil {
		return FieldSet{}, fmt.Errorf("invalid field set %q: %w", raw, err)
	}
	if len(doc.Operations) != 1 || len(doc.Operations[0].SelectionSet) == 0 {
		return FieldSet{}, fmt.Errorf("invalid field set %q", raw)
	}
	for _, sel := range doc.Operations[0].SelectionSet {
		if _, ok := sel.(*ast.Field); !ok {
			return FieldSet{}, fmt.Errorf("invalid field set %q: fragments are not allowed", raw)
		}
	}
	return FieldSet{Raw: raw, Selection: doc.Operations[0].SelectionSet}, nil
}

// Names returns the top level field names of the set.
func (f FieldSet) Names() []string {
	names := make([]string, 0, len(f.Selection))
	for _, sel := range f.Selection {
		if field, ok := sel.(*ast.Field); ok {
			names = append(names, field.Name)
		}
	}
	return names
}

func (f FieldSet) Contains(name string) bool {
	for _, n := range f.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// KeySet is one @key declaration of an entity.
type KeySet struct {
	FieldSet
	// Resolvable is false for keys declared with resolvable: false. Such a
	// subgraph references the entity but cannot be asked for it.
	Resolvable bool
}

type FieldDef struct {
	Name         string
	Description  string
	Type         *ast.Type
	Arguments    ast.ArgumentDefinitionList
	DefaultValue *ast.Value
	Directives   ast.DirectiveList

	External  bool
	Shareable bool
	Requires  *FieldSet
	Provides  *FieldSet
}

type TypeDef struct {
	Kind        TypeKind
	Name        string
	Description string
	// Extension is true when every declaration of the type in the subgraph is an
	// extension (extend type or @extends).
	Extension  bool
	Shareable  bool
	Keys       []KeySet
	Fields     []*FieldDef
	Interfaces []string
	Members    []string
	EnumValues ast.EnumValueList
}

func (t *TypeDef) Field(name string) *FieldDef {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (t *TypeDef) IsEntity() bool {
	return len(t.Keys) > 0
}

// SchemaDocument is the parsed schema of one subgraph with federation
// directives resolved into plain fields.
type SchemaDocument struct {
	Subgraph string
	SDL      string
	Hash     string
	Types    map[string]*TypeDef
}

// TypeNames returns the names of all types in stable order.
func (d *SchemaDocument) TypeNames() []string {
	names := make([]string, 0, len(d.Types))
	for name := range d.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hash returns the version hash of a subgraph SDL.
func Hash(sdl string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(sdl))
}

var rootOperationNames = map[ast.Operation]string{
	ast.Query:        "Query",
	ast.Mutation:     "Mutation",
	ast.Subscription: "Subscription",
}

// ParseSchemaDocument parses the SDL of a subgraph and lowers it into a SchemaDocument.
// Federation internals (_Service, _Entity, _Any, link__*, federation__*) are dropped.
func ParseSchemaDocument(subgraph, sdl string) (*SchemaDocument, error) {
	if strings.TrimSpace(sdl) == "" {
		return nil, fmt.Errorf("subgraph %s: empty schema", subgraph)
	}

	doc, err := parser.ParseSchema(&ast.Source{Name: subgraph, Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("subgraph %s: %w", subgraph, err)
	}

	renames := map[string]string{}
	for _, list := range []ast.SchemaDefinitionList{doc.Schema, doc.SchemaExtension} {
		for _, schemaDef := range list {
			for _, op := range schemaDef.OperationTypes {
				canonical, ok := rootOperationNames[op.Operation]
				if ok && op.Type != canonical {
					renames[op.Type] = canonical
				}
			}
		}
	}

	l := &lowering{
		subgraph: subgraph,
		renames:  renames,
		types:    map[string]*TypeDef{},
		seen:     map[string]int{},
		ext:      map[string]int{},
	}

	for _, def := range doc.Definitions {
		if err := l.add(def, false); err != nil {
			return nil, err
		}
	}
	for _, def := range doc.Extensions {
		if err := l.add(def, true); err != nil {
			return nil, err
		}
	}

	for name, t := range l.types {
		t.Extension = l.ext[name] == l.seen[name]
	}

	if query, ok := l.types["Query"]; ok {
		query.Fields = withoutFederationRootFields(query.Fields)
		if len(query.Fields) == 0 {
			delete(l.types, "Query")
		}
	}

	return &SchemaDocument{
		Subgraph: subgraph,
		SDL:      sdl,
		Hash:     Hash(sdl),
		Types:    l.types,
	}, nil
}

type lowering struct {
	subgraph string
	renames  map[string]string
	types    map[string]*TypeDef
	// number of declarations and number of extension declarations per type
	seen map[string]int
	ext  map[string]int
}

func (l *lowering) rename(name string) string {
	if n, ok := l.renames[name]; ok {
		return n
	}
	return name
}

func (l *lowering) add(def *ast.Definition, extension bool) error {
	if isFederationType(def.Name) {
		return nil
	}
	kind, ok := kindOf(def.Kind)
	if !ok {
		return fmt.Errorf("subgraph %s: unsupported definition kind %s for %s", l.subgraph, def.Kind, def.Name)
	}

	name := l.rename(def.Name)
	directives := normalizeDirectives(def.Directives)
	if directives.ForName("extends") != nil {
		extension = true
	}

	t, exists := l.types[name]
	if !exists {
		t = &TypeDef{Kind: kind, Name: name}
		l.types[name] = t
	} else if t.Kind != kind {
		return fmt.Errorf("subgraph %s: type %s declared as %s and %s", l.subgraph, name, t.Kind, kind)
	}
	l.seen[name]++
	if extension {
		l.ext[name]++
	}

	if def.Description != "" {
		t.Description = def.Description
	}
	if directives.ForName("shareable") != nil {
		t.Shareable = true
	}

	for _, key := range directives.ForNames("key") {
		raw, err := stringArgument(key, "fields")
		if err != nil {
			return fmt.Errorf("subgraph %s: @key on %s: %w", l.subgraph, name, err)
		}
		fs, err := ParseFieldSet(raw)
		if err != nil {
			return fmt.Errorf("subgraph %s: @key on %s: %w", l.subgraph, name, err)
		}
		resolvable := true
		if arg := key.Arguments.ForName("resolvable"); arg != nil && arg.Value != nil && arg.Value.Raw == "false" {
			resolvable = false
		}
		t.Keys = append(t.Keys, KeySet{FieldSet: fs, Resolvable: resolvable})
	}

	for _, iface := range def.Interfaces {
		if iface = l.rename(iface); !containsString(t.Interfaces, iface) {
			t.Interfaces = append(t.Interfaces, iface)
		}
	}
	for _, member := range def.Types {
		if member = l.rename(member); !containsString(t.Members, member) {
			t.Members = append(t.Members, member)
		}
	}
	for _, v := range def.EnumValues {
		if t.EnumValues.ForName(v.Name) == nil {
			t.EnumValues = append(t.EnumValues, &ast.EnumValueDefinition{
				Description: v.Description,
				Name:        v.Name,
				Directives:  clientDirectives(v.Directives),
			})
		}
	}

	for _, fd := range def.Fields {
		if t.Field(fd.Name) != nil {
			return fmt.Errorf("subgraph %s: field %s.%s declared twice", l.subgraph, name, fd.Name)
		}
		field, err := l.field(name, fd, t.Shareable)
		if err != nil {
			return err
		}
		t.Fields = append(t.Fields, field)
	}

	return nil
}

func (l *lowering) field(typeName string, fd *ast.FieldDefinition, typeShareable bool) (*FieldDef, error) {
	directives := normalizeDirectives(fd.Directives)
	field := &FieldDef{
		Name:         fd.Name,
		Description:  fd.Description,
		Type:         l.renameType(fd.Type),
		DefaultValue: fd.DefaultValue,
		Directives:   clientDirectives(fd.Directives),
		External:     directives.ForName("external") != nil,
		Shareable:    typeShareable || directives.ForName("shareable") != nil,
	}
	for _, arg := range fd.Arguments {
		field.Arguments = append(field.Arguments, &ast.ArgumentDefinition{
			Description:  arg.Description,
			Name:         arg.Name,
			DefaultValue: arg.DefaultValue,
			Type:         l.renameType(arg.Type),
			Directives:   clientDirectives(arg.Directives),
		})
	}

	for _, name := range []string{"requires", "provides"} {
		d := directives.ForName(name)
		if d == nil {
			continue
		}
		raw, err := stringArgument(d, "fields")
		if err != nil {
			return nil, fmt.Errorf("subgraph %s: @%s on %s.%s: %w", l.subgraph, name, typeName, fd.Name, err)
		}
		fs, err := ParseFieldSet(raw)
		if err != nil {
			return nil, fmt.Errorf("subgraph %s: @%s on %s.%s: %w", l.subgraph, name, typeName, fd.Name, err)
		}
		if name == "requires" {
			field.Requires = &fs
		} else {
			field.Provides = &fs
		}
	}

	return field, nil
}

func (l *lowering) renameType(t *ast.Type) *ast.Type {
	if t == nil {
		return nil
	}
	if t.Elem != nil {
		return &ast.Type{Elem: l.renameType(t.Elem), NonNull: t.NonNull}
	}
	return &ast.Type{NamedType: l.rename(t.NamedType), NonNull: t.NonNull}
}

func withoutFederationRootFields(fields []*FieldDef) []*FieldDef {
	out := fields[:0]
	for _, f := range fields {
		if f.Name == "_service" || f.Name == "_entities" {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isFederationType(name string) bool {
	switch name {
	case "FieldSet", "link__Import", "link__Purpose":
		return true
	}
	return strings.HasPrefix(name, "_") ||
		strings.HasPrefix(name, "link__") ||
		strings.HasPrefix(name, "federation__")
}

// normalizeDirectives strips the federation__ namespace used by schemas that
// import federation directives with @link.
func normalizeDirectives(list ast.DirectiveList) ast.DirectiveList {
	out := make(ast.DirectiveList, 0, len(list))
	for _, d := range list {
		if strings.HasPrefix(d.Name, "federation__") {
			c := *d
			c.Name = strings.TrimPrefix(d.Name, "federation__")
			out = append(out, &c)
			continue
		}
		out = append(out, d)
	}
	return out
}

// clientDirectives keeps the directives that are part of the client facing schema.
func clientDirectives(list ast.DirectiveList) ast.DirectiveList {
	var out ast.DirectiveList
	for _, d := range list {
		if d.Name == "deprecated" || d.Name == "specifiedBy" {
			out = append(out, d)
		}
	}
	return out
}

func stringArgument(d *ast.Directive, name string) (string, error) {
	arg := d.Arguments.ForName(name)
	if arg == nil || arg.Value == nil {
		return "", fmt.Errorf("missing argument %q", name)
	}
	if arg.Value.Kind != ast.StringValue && arg.Value.Kind != ast.BlockValue {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	return arg.Value.Raw, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
