package planner

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"

	"github.com/giamma80/gymbro-platform-sub003/pkg/composition"
)

type StepKind int

const (
	// StepRoot fetches root fields of the operation.
	StepRoot StepKind = iota + 1
	// StepEntity resolves fields of entities produced by an earlier step
	// through the _entities field of the owning subgraph.
	StepEntity
)

func (k StepKind) String() string {
	switch k {
	case StepRoot:
		return "root"
	case StepEntity:
		return "entity"
	}
	return "unknown"
}

// RepresentationField is one field copied from a parent object into the
// representation sent to _entities.
type RepresentationField struct {
	Name string
	// ResponseKey is the key of the field in the parent object.
	ResponseKey string
	Fields      []RepresentationField
}

// EntityRequirement describes the representations an entity step needs.
type EntityRequirement struct {
	TypeName string
	// Fields are the key fields and @requires fields, in that order.
	Fields []RepresentationField
}

type Step struct {
	ID            int
	Subgraph      string
	Kind          StepKind
	OperationType ast.Operation
	// Path is the list of response keys leading from the data root to the
	// objects this step fills. Lists on the way are traversed element wise.
	Path      []string
	Requires  *EntityRequirement
	DependsOn []int
	// ResponseKeys are the client visible keys this step writes below Path.
	ResponseKeys []string
	Document     string
	Variables    map[string]any

	selection ast.SelectionSet
}

// Selection returns the selection set sent to the subgraph. For entity steps it
// is the selection inside the type condition.
func (s *Step) Selection() ast.SelectionSet {
	return s.selection
}

// PathString renders the merge path for logs.
func (s *Step) PathString() string {
	if len(s.Path) == 0 {
		return "<root>"
	}
	return strings.Join(s.Path, ".")
}

type Plan struct {
	// Supergraph is the version the plan was built against. Execution routes
	// to its subgraphs even if a newer version is activated meanwhile.
	Supergraph *composition.Supergraph
	Schema     *ast.Schema
	Operation  *ast.OperationDefinition
	Variables  map[string]any
	Steps      []*Step
}

// Step returns the step with the given id.
func (p *Plan) Step(id int) *Step {
	if id < 0 || id >= len(p.Steps) {
		return nil
	}
	return p.Steps[id]
}

func (p *planner) render(step *Step) {
	var selection ast.SelectionSet
	var variables ast.VariableDefinitionList

	name := ""
	if step.Kind == StepRoot {
		selection = step.selection
		if p.op.Name != "" {
			name = p.op.Name + "__" + sanitizeName(step.Subgraph) + "__" + strconv.Itoa(step.ID)
		}
	} else {
		variables = append(variables, &ast.VariableDefinition{
			Variable: "representations",
			Type:     ast.NonNullListType(ast.NonNullNamedType("_Any", nil), nil),
		})
		selection = ast.SelectionSet{
			&ast.Field{
				Alias: "_entities",
				Name:  "_entities",
				Arguments: ast.ArgumentList{
					{
						Name:  "representations",
						Value: &ast.Value{Kind: ast.Variable, Raw: "representations"},
					},
				},
				SelectionSet: ast.SelectionSet{
					&ast.InlineFragment{
						TypeCondition: step.Requires.TypeName,
						SelectionSet:  step.selection,
					},
				},
			},
		}
	}

	referenced := map[string]struct{}{}
	collectVariables(step.selection, referenced)

	step.Variables = map[string]any{}
	for _, def := range p.op.VariableDefinitions {
		if _, ok := referenced[def.Variable]; !ok {
			continue
		}
		variables = append(variables, &ast.VariableDefinition{
			Variable:     def.Variable,
			Type:         def.Type,
			DefaultValue: def.DefaultValue,
		})
		if v, ok := p.variables[def.Variable]; ok {
			step.Variables[def.Variable] = v
		}
	}

	op := &ast.OperationDefinition{
		Operation:           step.OperationType,
		Name:                name,
		VariableDefinitions: variables,
		SelectionSet:        selection,
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(&ast.QueryDocument{
		Operations: ast.OperationList{op},
	})
	step.Document = buf.String()
}

func collectVariables(selections ast.SelectionSet, out map[string]struct{}) {
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			for _, arg := range s.Arguments {
				collectValueVariables(arg.Value, out)
			}
			collectVariables(s.SelectionSet, out)
		case *ast.InlineFragment:
			collectVariables(s.SelectionSet, out)
		}
	}
}

func collectValueVariables(v *ast.Value, out map[string]struct{}) {
	if v == nil {
		return
	}
	if v.Kind == ast.Variable {
		out[v.Raw] = struct{}{}
		return
	}
	for _, child := range v.Children {
		collectValueVariables(child.Value, out)
	}
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			return r
		}
		return '_'
	}, s)
}
