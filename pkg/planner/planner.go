// Package planner turns a client operation into a plan of subgraph requests
// against the active supergraph.
package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/giamma80/gymbro-platform-sub003/pkg/composition"
)

const (
	CodeParseFailed      = "GRAPHQL_PARSE_FAILED"
	CodeValidationFailed = "GRAPHQL_VALIDATION_FAILED"
)

// Request is a GraphQL request as sent by clients.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// ValidationError is returned when the request is not a valid operation for
// the supergraph. It is answered directly and never forwarded to a subgraph.
type ValidationError struct {
	Code   string
	Errors gqlerror.List
}

func (e *ValidationError) Error() string {
	return e.Errors.Error()
}

func newValidationError(code string, errs ...*gqlerror.Error) *ValidationError {
	for _, err := range errs {
		if err.Extensions == nil {
			err.Extensions = map[string]interface{}{}
		}
		err.Extensions["code"] = code
	}
	return &ValidationError{Code: code, Errors: errs}
}

// requiredAlias prefixes response keys the gateway adds for its own use.
const requiredAlias = "__fed_"

// ErrUnplannable is returned when a valid operation cannot be split across the
// subgraphs of the supergraph.
var ErrUnplannable = errors.New("operation cannot be planned")

type Planner struct{}

func New() *Planner {
	return &Planner{}
}

// Plan validates the request against the supergraph and builds the plan. The
// supergraph is passed by the caller so a request keeps the version it started with.
func (pl *Planner) Plan(req Request, sg *composition.Supergraph) (*Plan, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, newValidationError(CodeParseFailed, gqlerror.Errorf("query document is empty"))
	}

	if _, err := parser.ParseQuery(&ast.Source{Input: req.Query}); err != nil {
		var gqlErr *gqlerror.Error
		if !errors.As(err, &gqlErr) {
			gqlErr = gqlerror.Wrap(err)
		}
		return nil, newValidationError(CodeParseFailed, gqlErr)
	}

	doc, errs := gqlparser.LoadQuery(sg.Schema, req.Query)
	if len(errs) > 0 {
		return nil, newValidationError(CodeValidationFailed, errs...)
	}

	op, err := selectOperation(doc, req.OperationName)
	if err != nil {
		return nil, err
	}

	if err := checkVariables(op, req.Variables); err != nil {
		return nil, err
	}

	p := &planner{
		sg:        sg,
		schema:    sg.Schema,
		op:        op,
		variables: req.Variables,
	}
	if p.variables == nil {
		p.variables = map[string]any{}
	}

	if err := p.planRoot(); err != nil {
		return nil, err
	}

	for _, step := range p.steps {
		p.render(step)
	}

	return &Plan{
		Supergraph: sg,
		Schema:     sg.Schema,
		Operation:  op,
		Variables:  p.variables,
		Steps:      p.steps,
	}, nil
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, error) {
	var op *ast.OperationDefinition
	switch {
	case name != "":
		op = doc.Operations.ForName(name)
		if op == nil {
			return nil, newValidationError(CodeValidationFailed, gqlerror.Errorf("Unknown operation named %q.", name))
		}
	case len(doc.Operations) == 1:
		op = doc.Operations[0]
	default:
		return nil, newValidationError(CodeValidationFailed, gqlerror.Errorf("Must provide operation name if query contains multiple operations."))
	}

	if op.Operation == ast.Subscription {
		return nil, newValidationError(CodeValidationFailed, gqlerror.Errorf("Subscriptions are not supported."))
	}
	return op, nil
}

func checkVariables(op *ast.OperationDefinition, vars map[string]any) error {
	for _, def := range op.VariableDefinitions {
		if !def.Type.NonNull || def.DefaultValue != nil {
			continue
		}
		if v, ok := vars[def.Variable]; !ok || v == nil {
			return newValidationError(CodeValidationFailed,
				gqlerror.Errorf("Variable \"$%s\" of required type \"%s\" was not provided.", def.Variable, def.Type.String()))
		}
	}
	return nil
}

// Included evaluates @skip and @include.
func Included(directives ast.DirectiveList, vars map[string]any) bool {
	if d := directives.ForName("skip"); d != nil && boolArgument(d, vars) {
		return false
	}
	if d := directives.ForName("include"); d != nil && !boolArgument(d, vars) {
		return false
	}
	return true
}

func boolArgument(d *ast.Directive, vars map[string]any) bool {
	arg := d.Arguments.ForName("if")
	if arg == nil || arg.Value == nil {
		return false
	}
	v, err := arg.Value.Value(vars)
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

type planner struct {
	sg        *composition.Supergraph
	schema    *ast.Schema
	op        *ast.OperationDefinition
	variables map[string]any
	steps     []*Step
}

func (p *planner) newStep(subgraph string, kind StepKind, op ast.Operation, path []string, dependsOn ...int) *Step {
	s := &Step{
		ID:            len(p.steps),
		Subgraph:      subgraph,
		Kind:          kind,
		OperationType: op,
		Path:          path,
		DependsOn:     dependsOn,
	}
	p.steps = append(p.steps, s)
	return s
}

func (p *planner) rootTypeName() string {
	switch p.op.Operation {
	case ast.Mutation:
		return p.schema.Mutation.Name
	default:
		return p.schema.Query.Name
	}
}

// rootFields flattens fragments on the root type into the ordered list of root fields.
func (p *planner) rootFields(selections ast.SelectionSet, out []*ast.Field) []*ast.Field {
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if Included(s.Directives, p.variables) {
				out = append(out, s)
			}
		case *ast.InlineFragment:
			if Included(s.Directives, p.variables) {
				out = p.rootFields(s.SelectionSet, out)
			}
		case *ast.FragmentSpread:
			if Included(s.Directives, p.variables) && s.Definition != nil {
				out = p.rootFields(s.Definition.SelectionSet, out)
			}
		}
	}
	return out
}

func (p *planner) planRoot() error {
	rootType := p.rootTypeName()

	type rootGroup struct {
		subgraph string
		fields   ast.SelectionSet
	}
	var groups []*rootGroup

	for _, f := range p.rootFields(p.op.SelectionSet, nil) {
		// __typename and introspection are answered by the gateway
		if strings.HasPrefix(f.Name, "__") {
			continue
		}
		owner := p.sg.Owner(rootType, f.Name, "")
		if owner == "" {
			return fmt.Errorf("%w: no subgraph resolves %s.%s", ErrUnplannable, rootType, f.Name)
		}

		var group *rootGroup
		if p.op.Operation == ast.Mutation {
			// mutations run in document order, only adjacent fields share a request
			if n := len(groups); n > 0 && groups[n-1].subgraph == owner {
				group = groups[n-1]
			}
		} else {
			for _, g := range groups {
				if g.subgraph == owner {
					group = g
					break
				}
			}
		}
		if group == nil {
			group = &rootGroup{subgraph: owner}
			groups = append(groups, group)
		}
		group.fields = append(group.fields, f)
	}

	previous := -1
	for _, g := range groups {
		var step *Step
		if p.op.Operation == ast.Mutation && previous >= 0 {
			step = p.newStep(g.subgraph, StepRoot, p.op.Operation, nil, previous)
		} else {
			step = p.newStep(g.subgraph, StepRoot, p.op.Operation, nil)
		}
		for _, sel := range g.fields {
			step.ResponseKeys = append(step.ResponseKeys, sel.(*ast.Field).Alias)
		}
		selection, err := p.planSelection(step, rootType, g.fields, nil, nil)
		if err != nil {
			return err
		}
		step.selection = selection
		previous = step.ID
	}

	return nil
}

type entityGroup struct {
	subgraph string
	typeName string
	fields   ast.SelectionSet
}

// planSelection copies the client selection into the selection sent by step.
// Fields the step's subgraph cannot resolve are grouped into entity steps
// depending on step.
func (p *planner) planSelection(step *Step, parentType string, selections ast.SelectionSet, path []string, provided ast.SelectionSet) (ast.SelectionSet, error) {
	out := ast.SelectionSet{}
	var groups []*entityGroup

	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if !Included(s.Directives, p.variables) {
				continue
			}
			if s.Name == "__typename" {
				out = append(out, &ast.Field{Alias: s.Alias, Name: s.Name})
				continue
			}
			if p.resolvable(step.Subgraph, parentType, s.Name, provided) {
				field, err := p.planField(step, parentType, s, path, provided)
				if err != nil {
					return nil, err
				}
				out = append(out, field)
				continue
			}

			owner := p.sg.Owner(parentType, s.Name, step.Subgraph)
			if owner == "" || !p.sg.IsEntity(parentType) {
				return nil, fmt.Errorf("%w: field %s.%s cannot be resolved from subgraph %s",
					ErrUnplannable, parentType, s.Name, step.Subgraph)
			}
			var group *entityGroup
			for _, g := range groups {
				if g.subgraph == owner && g.typeName == parentType {
					group = g
					break
				}
			}
			if group == nil {
				group = &entityGroup{subgraph: owner, typeName: parentType}
				groups = append(groups, group)
			}
			group.fields = append(group.fields, s)

		case *ast.InlineFragment:
			if !Included(s.Directives, p.variables) {
				continue
			}
			typeCondition := s.TypeCondition
			if typeCondition == "" {
				typeCondition = parentType
			}
			inner, err := p.planSelection(step, typeCondition, s.SelectionSet, path, provided)
			if err != nil {
				return nil, err
			}
			out = append(out, &ast.InlineFragment{TypeCondition: typeCondition, SelectionSet: inner})

		case *ast.FragmentSpread:
			if !Included(s.Directives, p.variables) || s.Definition == nil {
				continue
			}
			inner, err := p.planSelection(step, s.Definition.TypeCondition, s.Definition.SelectionSet, path, provided)
			if err != nil {
				return nil, err
			}
			out = append(out, &ast.InlineFragment{TypeCondition: s.Definition.TypeCondition, SelectionSet: inner})
		}
	}

	for _, g := range groups {
		if err := p.planEntityStep(step, g, path, &out); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (p *planner) planField(step *Step, parentType string, f *ast.Field, path []string, provided ast.SelectionSet) (*ast.Field, error) {
	out := &ast.Field{
		Alias:      f.Alias,
		Name:       f.Name,
		Arguments:  f.Arguments,
		Definition: f.Definition,
	}
	if len(f.SelectionSet) == 0 || f.Definition == nil {
		return out, nil
	}

	childType := f.Definition.Type.Name()
	childPath := append(append(make([]string, 0, len(path)+1), path...), f.Alias)

	var childProvided ast.SelectionSet
	if fs, ok := p.sg.Provides(parentType, f.Name, step.Subgraph); ok {
		childProvided = fs.Selection
	} else if pf := providedField(provided, f.Name); pf != nil {
		childProvided = pf.SelectionSet
	}

	inner, err := p.planSelection(step, childType, f.SelectionSet, childPath, childProvided)
	if err != nil {
		return nil, err
	}
	if def := p.schema.Types[childType]; def != nil && def.IsAbstractType() {
		ensureTypename(&inner)
	}
	out.SelectionSet = inner
	return out, nil
}

func (p *planner) resolvable(subgraph, typeName, fieldName string, provided ast.SelectionSet) bool {
	return p.sg.CanResolve(subgraph, typeName, fieldName) || providedField(provided, fieldName) != nil
}

func providedField(provided ast.SelectionSet, name string) *ast.Field {
	for _, sel := range provided {
		if f, ok := sel.(*ast.Field); ok && f.Name == name {
			return f
		}
	}
	return nil
}

func (p *planner) planEntityStep(parent *Step, g *entityGroup, path []string, out *ast.SelectionSet) error {
	key, ok := p.sg.ResolvableKey(g.typeName, g.subgraph)
	if !ok {
		return fmt.Errorf("%w: subgraph %s declares no resolvable key for %s", ErrUnplannable, g.subgraph, g.typeName)
	}

	ensureTypename(out)

	req := &EntityRequirement{TypeName: g.typeName}
	for _, sel := range key.Selection {
		rf, err := p.requireField(parent, g.typeName, sel.(*ast.Field), out)
		if err != nil {
			return err
		}
		req.Fields = append(req.Fields, rf)
	}

	var responseKeys []string
	for _, sel := range g.fields {
		responseKeys = append(responseKeys, sel.(*ast.Field).Alias)
	}

	// required fields the parent cannot return are fetched from their owner first
	var fetches []*requiresFetch
	for _, sel := range g.fields {
		f := sel.(*ast.Field)
		requires, ok := p.sg.Requires(g.typeName, f.Name, g.subgraph)
		if !ok {
			continue
		}
		for _, rsel := range requires.Selection {
			rfield := rsel.(*ast.Field)
			if hasRepresentationField(req.Fields, rfield.Name) || fetchesField(fetches, rfield.Name) {
				continue
			}
			if !p.sg.CanResolve(parent.Subgraph, g.typeName, rfield.Name) {
				owner := p.sg.Owner(g.typeName, rfield.Name, "")
				if owner == "" {
					return fmt.Errorf("%w: no subgraph resolves %s.%s required by %s.%s",
						ErrUnplannable, g.typeName, rfield.Name, g.typeName, f.Name)
				}
				fetch := findFetch(fetches, owner)
				if fetch == nil {
					fetch = &requiresFetch{subgraph: owner}
					fetches = append(fetches, fetch)
				}
				fetch.fields = append(fetch.fields, rfield)
				continue
			}
			rf, err := p.requireField(parent, g.typeName, rfield, out)
			if err != nil {
				return err
			}
			req.Fields = append(req.Fields, rf)
		}
	}

	dependsOn := []int{parent.ID}
	for _, fetch := range fetches {
		id, fields, err := p.planRequiresStep(parent, g.typeName, fetch, path, responseKeys, out)
		if err != nil {
			return err
		}
		req.Fields = append(req.Fields, fields...)
		dependsOn = append(dependsOn, id)
	}

	step := p.newStep(g.subgraph, StepEntity, ast.Query, append([]string(nil), path...), dependsOn...)
	step.Requires = req
	step.ResponseKeys = responseKeys

	selection, err := p.planSelection(step, g.typeName, g.fields, path, nil)
	if err != nil {
		return err
	}
	step.selection = selection
	return nil
}

// requiresFetch collects the @requires fields one owning subgraph returns for
// an entity step.
type requiresFetch struct {
	subgraph string
	fields   []*ast.Field
}

func findFetch(fetches []*requiresFetch, subgraph string) *requiresFetch {
	for _, f := range fetches {
		if f.subgraph == subgraph {
			return f
		}
	}
	return nil
}

func fetchesField(fetches []*requiresFetch, name string) bool {
	for _, f := range fetches {
		for _, field := range f.fields {
			if field.Name == name {
				return true
			}
		}
	}
	return false
}

// planRequiresStep adds an entity step loading required fields from their
// owner. The fields are written under reserved aliases next to the parent
// objects. A failure of the step nulls the client fields in responseKeys,
// which cannot be resolved without them.
func (p *planner) planRequiresStep(parent *Step, typeName string, fetch *requiresFetch, path, responseKeys []string, out *ast.SelectionSet) (int, []RepresentationField, error) {
	key, ok := p.sg.ResolvableKey(typeName, fetch.subgraph)
	if !ok {
		return 0, nil, fmt.Errorf("%w: subgraph %s declares no resolvable key for %s", ErrUnplannable, fetch.subgraph, typeName)
	}

	req := &EntityRequirement{TypeName: typeName}
	for _, sel := range key.Selection {
		rf, err := p.requireField(parent, typeName, sel.(*ast.Field), out)
		if err != nil {
			return 0, nil, err
		}
		req.Fields = append(req.Fields, rf)
	}

	step := p.newStep(fetch.subgraph, StepEntity, ast.Query, append([]string(nil), path...), parent.ID)
	step.Requires = req
	step.ResponseKeys = responseKeys

	fields := make([]RepresentationField, 0, len(fetch.fields))
	for _, f := range fetch.fields {
		alias := requiredAlias + f.Name
		step.selection = append(step.selection, &ast.Field{
			Alias:        alias,
			Name:         f.Name,
			SelectionSet: f.SelectionSet,
		})
		fields = append(fields, fieldSetRepresentation(f, alias))
	}

	return step.ID, fields, nil
}

func fieldSetRepresentation(f *ast.Field, responseKey string) RepresentationField {
	rf := RepresentationField{Name: f.Name, ResponseKey: responseKey}
	for _, sel := range f.SelectionSet {
		if child, ok := sel.(*ast.Field); ok {
			rf.Fields = append(rf.Fields, fieldSetRepresentation(child, child.Name))
		}
	}
	return rf
}

func hasRepresentationField(fields []RepresentationField, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// requireField makes sure the parent selection returns the field needed for a
// representation and reports under which response key it is found.
func (p *planner) requireField(parent *Step, typeName string, f *ast.Field, out *ast.SelectionSet) (RepresentationField, error) {
	if !p.sg.CanResolve(parent.Subgraph, typeName, f.Name) {
		return RepresentationField{}, fmt.Errorf("%w: subgraph %s cannot provide %s.%s needed to resolve the entity",
			ErrUnplannable, parent.Subgraph, typeName, f.Name)
	}

	var childType string
	if def := p.schema.Types[typeName]; def != nil {
		if fd := def.Fields.ForName(f.Name); fd != nil {
			childType = fd.Type.Name()
		}
	}

	var existing *ast.Field
	taken := false
	for _, sel := range *out {
		sf, ok := sel.(*ast.Field)
		if !ok || sf.Alias != f.Name {
			continue
		}
		taken = true
		if sf.Name == f.Name && len(sf.Arguments) == 0 {
			existing = sf
		}
		break
	}

	rf := RepresentationField{Name: f.Name}

	if existing == nil {
		alias := f.Name
		if taken {
			alias = requiredAlias + f.Name
		}
		existing = &ast.Field{Alias: alias, Name: f.Name}
		*out = append(*out, existing)
	}
	rf.ResponseKey = existing.Alias

	for _, sel := range f.SelectionSet {
		child, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		nested, err := p.requireField(parent, childType, child, &existing.SelectionSet)
		if err != nil {
			return RepresentationField{}, err
		}
		rf.Fields = append(rf.Fields, nested)
	}

	return rf, nil
}

func ensureTypename(selections *ast.SelectionSet) {
	for _, sel := range *selections {
		if f, ok := sel.(*ast.Field); ok && f.Name == "__typename" && f.Alias == "__typename" {
			return
		}
	}
	*selections = append(*selections, &ast.Field{Alias: "__typename", Name: "__typename"})
}
