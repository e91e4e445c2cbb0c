// Package resolve executes query plans against the subgraphs and assembles the
// client response from their partial results.
package resolve

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"

	"github.com/giamma80/gymbro-platform-sub003/internal/httpclient"
	"github.com/giamma80/gymbro-platform-sub003/pkg/metric"
	"github.com/giamma80/gymbro-platform-sub003/pkg/planner"
)

const defaultRequestTimeout = 10 * time.Second

type Executor struct {
	client  *http.Client
	logger  *zap.Logger
	metrics metric.Store
}

type Option func(e *Executor)

// WithHTTPClient sets the client used for subgraph requests. The client is
// expected to bound every request, see httpclient.NewTimeoutTransport.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		e.client = client
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

func WithMetrics(store metric.Store) Option {
	return func(e *Executor) {
		e.metrics = store
	}
}

func New(opts ...Option) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = &http.Client{
			Transport: httpclient.NewTimeoutTransport(httpclient.NewTransport(), defaultRequestTimeout, nil),
		}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = metric.NoopMetrics{}
	}
	return e
}

// Execute runs every step of the plan and returns the shaped response. Steps
// without pending dependencies run concurrently. Failures of a step only null
// the fields it was responsible for.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan) *Response {
	ex := &execution{
		executor: e,
		plan:     plan,
		data:     map[string]any{},
		done:     make([]chan struct{}, len(plan.Steps)),
	}
	for i := range ex.done {
		ex.done[i] = make(chan struct{})
	}

	var wg sync.WaitGroup
	for _, step := range plan.Steps {
		wg.Add(1)
		go func(step *planner.Step) {
			defer wg.Done()
			defer close(ex.done[step.ID])

			for _, dep := range step.DependsOn {
				<-ex.done[dep]
			}
			ex.run(ctx, step)
		}(step)
	}
	wg.Wait()

	s := &shaper{
		schema:    plan.Schema,
		variables: plan.Variables,
		errors:    ex.errors,
	}
	data, ok := s.root(plan.Operation, ex.data)

	resp := &Response{Errors: s.errors}
	if ok {
		resp.Data = data
	}
	return resp
}

type execution struct {
	executor *Executor
	plan     *planner.Plan
	done     []chan struct{}

	mu     sync.Mutex
	data   map[string]any
	errors gqlerror.List
}

// target is an object of the merged tree an entity step fills.
type target struct {
	object map[string]any
	path   ast.Path
}

func (ex *execution) run(ctx context.Context, step *planner.Step) {
	logger := ex.executor.logger.With(
		zap.String("subgraph", step.Subgraph),
		zap.Int("step", step.ID),
		zap.String("kind", step.Kind.String()),
	)

	url := ex.plan.Supergraph.RoutingURL(step.Subgraph)
	body := subgraphRequest{Query: step.Document, Variables: step.Variables}

	var targets []target
	if step.Kind == planner.StepEntity {
		ex.mu.Lock()
		var representations []any
		targets, representations = ex.representations(step)
		ex.mu.Unlock()

		if len(representations) == 0 {
			logger.Debug("Skipping entity step without representations", zap.String("path", step.PathString()))
			return
		}

		variables := make(map[string]any, len(step.Variables)+1)
		for k, v := range step.Variables {
			variables[k] = v
		}
		variables["representations"] = representations
		body.Variables = variables
	}

	start := time.Now()
	resp, err := ex.executor.fetch(ctx, step.Subgraph, url, body)
	latency := time.Since(start)

	if err == nil && step.Kind == planner.StepEntity {
		err = checkEntities(step.Subgraph, resp, len(targets))
	}

	if err != nil {
		ex.executor.metrics.MeasureSubgraphRequest(step.Subgraph, metric.ResultError, latency)

		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			transportErr = &TransportError{Subgraph: step.Subgraph, Code: CodeSubgraphUnreachable, Err: err}
		}
		logger.Warn("Subgraph request failed",
			zap.String("code", transportErr.Code),
			zap.Duration("latency", latency),
			zap.Error(err),
		)

		ex.mu.Lock()
		defer ex.mu.Unlock()
		ex.fail(step, targets, transportErr)
		return
	}

	ex.executor.metrics.MeasureSubgraphRequest(step.Subgraph, metric.ResultSuccess, latency)
	logger.Debug("Subgraph request finished",
		zap.Duration("latency", latency),
		zap.Int("errors", len(resp.Errors)),
	)

	ex.mu.Lock()
	defer ex.mu.Unlock()

	if step.Kind == planner.StepRoot {
		ex.mergeRoot(step, resp)
	} else {
		ex.mergeEntities(step, targets, resp)
	}
}

// representations collects the objects at the step path and builds one
// representation per object that carries all the required fields.
func (ex *execution) representations(step *planner.Step) ([]target, []any) {
	var found []target
	collectTargets(ex.data, step.Path, nil, step.Requires.TypeName, &found)

	targets := make([]target, 0, len(found))
	representations := make([]any, 0, len(found))
	for _, t := range found {
		rep := map[string]any{typenameField: step.Requires.TypeName}
		if !copyRepresentation(t.object, step.Requires.Fields, rep) {
			continue
		}
		targets = append(targets, t)
		representations = append(representations, rep)
	}
	return targets, representations
}

func collectTargets(value any, path []string, at ast.Path, typeName string, out *[]target) {
	switch v := value.(type) {
	case []any:
		for i, el := range v {
			collectTargets(el, path, appendPath(at, ast.PathIndex(i)), typeName, out)
		}
	case map[string]any:
		if len(path) > 0 {
			collectTargets(v[path[0]], path[1:], appendPath(at, ast.PathName(path[0])), typeName, out)
			return
		}
		if tn, ok := v[typenameField].(string); ok && tn != typeName {
			return
		}
		*out = append(*out, target{object: v, path: at})
	}
}

func copyRepresentation(src map[string]any, fields []planner.RepresentationField, dst map[string]any) bool {
	for _, f := range fields {
		value, ok := src[f.ResponseKey]
		if !ok {
			return false
		}
		if len(f.Fields) == 0 || value == nil {
			dst[f.Name] = value
			continue
		}
		nested, ok := copyNested(value, f.Fields)
		if !ok {
			return false
		}
		dst[f.Name] = nested
	}
	return true
}

func copyNested(value any, fields []planner.RepresentationField) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		out := map[string]any{}
		if tn, ok := v[typenameField]; ok {
			out[typenameField] = tn
		}
		return out, copyRepresentation(v, fields, out)
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			if el == nil {
				continue
			}
			nested, ok := copyNested(el, fields)
			if !ok {
				return nil, false
			}
			out[i] = nested
		}
		return out, true
	}
	return nil, false
}

func checkEntities(subgraph string, resp *subgraphResponse, expected int) error {
	raw, ok := resp.Data["_entities"]
	if !ok || raw == nil {
		if len(resp.Errors) > 0 {
			return nil
		}
		return &TransportError{Subgraph: subgraph, Code: CodeSubgraphInvalidResponse, Err: errors.New("response has no _entities")}
	}
	entities, ok := raw.([]any)
	if !ok || len(entities) != expected {
		return &TransportError{
			Subgraph: subgraph,
			Code:     CodeSubgraphInvalidResponse,
			Err:      errors.New("_entities does not match the representations"),
		}
	}
	return nil
}

func (ex *execution) mergeRoot(step *planner.Step, resp *subgraphResponse) {
	for _, key := range step.ResponseKeys {
		value, ok := resp.Data[key]
		if !ok {
			value = nil
		}
		if existing, ok := ex.data[key].(map[string]any); ok {
			if m, ok := value.(map[string]any); ok {
				mergeObjects(existing, m)
				continue
			}
		}
		ex.data[key] = value
	}
	for _, subErr := range resp.Errors {
		ex.errors = append(ex.errors, downstreamError(step.Subgraph, subErr, subgraphPath(subErr.Path)))
	}
}

func (ex *execution) mergeEntities(step *planner.Step, targets []target, resp *subgraphResponse) {
	entities, _ := resp.Data["_entities"].([]any)
	for i, entity := range entities {
		if m, ok := entity.(map[string]any); ok {
			mergeObjects(targets[i].object, m)
		}
	}

	for _, subErr := range resp.Errors {
		ex.errors = append(ex.errors, downstreamError(step.Subgraph, subErr, entityErrorPath(subErr.Path, targets)))
	}
}

// fail nulls every field the step was responsible for and records one error
// per field.
func (ex *execution) fail(step *planner.Step, targets []target, err *TransportError) {
	if step.Kind == planner.StepRoot {
		for _, key := range step.ResponseKeys {
			ex.data[key] = nil
			ex.errors = append(ex.errors, transportError(err, ast.Path{ast.PathName(key)}))
		}
		return
	}

	for _, t := range targets {
		for _, key := range step.ResponseKeys {
			if _, ok := t.object[key]; !ok {
				t.object[key] = nil
			}
			ex.errors = append(ex.errors, transportError(err, appendPath(t.path, ast.PathName(key))))
		}
	}
}

func transportError(err *TransportError, path ast.Path) *gqlerror.Error {
	return &gqlerror.Error{
		Message: err.Message(),
		Path:    path,
		Extensions: map[string]interface{}{
			extensionCode:        err.Code,
			extensionServiceName: err.Subgraph,
		},
	}
}

// downstreamError copies a GraphQL error returned by a subgraph into the client
// response. Codes set by the subgraph are kept.
func downstreamError(subgraph string, subErr subgraphError, path ast.Path) *gqlerror.Error {
	extensions := make(map[string]interface{}, len(subErr.Extensions)+2)
	for k, v := range subErr.Extensions {
		extensions[k] = v
	}
	if _, ok := extensions[extensionCode]; !ok {
		extensions[extensionCode] = CodeDownstreamServiceError
	}
	extensions[extensionServiceName] = subgraph

	return &gqlerror.Error{
		Message:    subErr.Message,
		Path:       path,
		Extensions: extensions,
	}
}

// entityErrorPath maps a path below _entities to the path of the target object
// in the client response.
func entityErrorPath(path []any, targets []target) ast.Path {
	if len(path) < 2 {
		return nil
	}
	if name, ok := path[0].(string); !ok || name != "_entities" {
		return nil
	}
	idx, ok := pathIndex(path[1])
	if !ok || idx < 0 || idx >= len(targets) {
		return nil
	}
	return append(appendPath(targets[idx].path), subgraphPath(path[2:])...)
}

func subgraphPath(path []any) ast.Path {
	if len(path) == 0 {
		return nil
	}
	out := make(ast.Path, 0, len(path))
	for _, el := range path {
		if idx, ok := pathIndex(el); ok {
			out = append(out, ast.PathIndex(idx))
			continue
		}
		if name, ok := el.(string); ok {
			out = append(out, ast.PathName(name))
		}
	}
	return out
}

func appendPath(path ast.Path, elems ...ast.PathElement) ast.Path {
	out := make(ast.Path, 0, len(path)+len(elems))
	out = append(out, path...)
	return append(out, elems...)
}

// mergeObjects deep merges src into dst. Lists of equal length are merged
// element wise.
func mergeObjects(dst, src map[string]any) {
	for key, value := range src {
		dst[key] = mergeValue(dst[key], value)
	}
}

func mergeValue(dst, src any) any {
	switch s := src.(type) {
	case map[string]any:
		if d, ok := dst.(map[string]any); ok {
			mergeObjects(d, s)
			return d
		}
	case []any:
		if d, ok := dst.([]any); ok && len(d) == len(s) {
			for i := range s {
				d[i] = mergeValue(d[i], s[i])
			}
			return d
		}
	}
	return src
}

func pathIndex(el any) (int, bool) {
	switch v := el.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case interface{ Int64() (int64, error) }:
		i, err := v.Int64()
		return int(i), err == nil
	}
	return 0, false
}
