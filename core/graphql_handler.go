package core

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"

	rmiddleware "github.com/giamma80/gymbro-platform-sub003/internal/middleware"
	"github.com/giamma80/gymbro-platform-sub003/pkg/composition"
	"github.com/giamma80/gymbro-platform-sub003/pkg/logging"
	"github.com/giamma80/gymbro-platform-sub003/pkg/metric"
	"github.com/giamma80/gymbro-platform-sub003/pkg/planner"
	"github.com/giamma80/gymbro-platform-sub003/pkg/resolve"
)

// SupergraphSource returns the active supergraph or nil before the first composition.
type SupergraphSource interface {
	Active() *composition.Supergraph
}

type HandlerOptions struct {
	Log         *zap.Logger
	Planner     *planner.Planner
	Executor    *resolve.Executor
	Supergraphs SupergraphSource
	Metrics     metric.Store
}

func NewGraphQLHandler(opts HandlerOptions) *GraphQLHandler {
	h := &GraphQLHandler{
		log:         opts.Log,
		planner:     opts.Planner,
		executor:    opts.Executor,
		supergraphs: opts.Supergraphs,
		metrics:     opts.Metrics,
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.metrics == nil {
		h.metrics = metric.NoopMetrics{}
	}
	return h
}

type GraphQLHandler struct {
	log         *zap.Logger
	planner     *planner.Planner
	executor    *resolve.Executor
	supergraphs SupergraphSource
	metrics     metric.Store
}

func (h *GraphQLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestLogger := h.log.With(logging.WithRequestID(middleware.GetReqID(r.Context())))

	req, err := h.parseRequest(r)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			requestLogger.Debug("Request body too large", zap.Int64("limit", maxBytesErr.Limit))
			rmiddleware.WritePayloadTooLarge(w, maxBytesErr.Limit)
			return
		}
		requestLogger.Debug("Invalid GraphQL request", zap.Error(err))
		writeHttpError(w, NewHttpGraphqlError(err.Error(), CodeBadRequest, http.StatusBadRequest), requestLogger)
		return
	}

	// The request keeps this version even if a newer one is activated meanwhile
	sg := h.supergraphs.Active()
	if sg == nil {
		writeHttpError(w, NewHttpGraphqlError(errMsgSupergraphNotComposed, CodeSupergraphUnavailable, http.StatusServiceUnavailable), requestLogger)
		return
	}

	plan, err := h.planner.Plan(*req, sg)
	if err != nil {
		var validationErr *planner.ValidationError
		if errors.As(err, &validationErr) {
			requestLogger.Debug("Operation validation failed",
				zap.String("code", validationErr.Code),
				zap.Error(validationErr),
			)
			h.metrics.MeasureOperation("unknown", metric.ResultError)
			writeRequestErrors(w, http.StatusBadRequest, validationErr.Errors, requestLogger)
			return
		}
		requestLogger.Error("Failed to plan operation", zap.Error(err))
		h.metrics.MeasureOperation("unknown", metric.ResultError)
		writeHttpError(w, NewHttpGraphqlError("operation could not be planned", CodeInternalServerError, http.StatusInternalServerError), requestLogger)
		return
	}

	operationType := string(plan.Operation.Operation)
	if r.Method == http.MethodGet && plan.Operation.Operation != ast.Query {
		w.Header().Set("Allow", http.MethodPost)
		writeHttpError(w, NewHttpGraphqlError("only queries can be sent with GET, use POST for "+operationType+" operations", CodeMethodNotAllowed, http.StatusMethodNotAllowed), requestLogger)
		return
	}

	requestLogger.Debug("Executing operation",
		zap.String("operation_name", plan.Operation.Name),
		zap.String("operation_type", operationType),
		zap.Int("steps", len(plan.Steps)),
	)

	resp := h.executor.Execute(r.Context(), plan)

	result := metric.ResultSuccess
	if resp.HasErrors() {
		result = metric.ResultError
	}
	h.metrics.MeasureOperation(operationType, result)

	body, err := json.Marshal(resp)
	if err != nil {
		requestLogger.Error("Failed to marshal response", zap.Error(err))
		writeHttpError(w, NewHttpGraphqlError("internal server error", CodeInternalServerError, http.StatusInternalServerError), requestLogger)
		return
	}

	// Partial results are still a successful GraphQL response
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		requestLogger.Debug("Failed to write response", zap.Error(err))
	}
}

func (h *GraphQLHandler) parseRequest(r *http.Request) (*planner.Request, error) {
	switch r.Method {
	case http.MethodGet:
		return parseGetRequest(r)
	case http.MethodPost:
		return parsePostRequest(r)
	}
	return nil, errors.New("unsupported method " + r.Method)
}

func parsePostRequest(r *http.Request) (*planner.Request, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty request body")
	}

	var req planner.Request
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		return nil, errors.New("error parsing request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("query is required")
	}
	return &req, nil
}

func parseGetRequest(r *http.Request) (*planner.Request, error) {
	query := r.URL.Query()

	req := planner.Request{
		Query:         query.Get("query"),
		OperationName: query.Get("operationName"),
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("query is required")
	}

	if raw := query.Get("variables"); raw != "" {
		decoder := json.NewDecoder(strings.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(&req.Variables); err != nil {
			return nil, errors.New("error parsing variables, expected a JSON object")
		}
	}
	return &req, nil
}
