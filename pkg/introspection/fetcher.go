// Package introspection retrieves subgraph schemas through the federation
// _service { sdl } query.
package introspection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/giamma80/gymbro-platform-sub003/internal/httpclient"
	"github.com/giamma80/gymbro-platform-sub003/pkg/composition"
	"github.com/giamma80/gymbro-platform-sub003/pkg/metric"
	"github.com/giamma80/gymbro-platform-sub003/pkg/registry"
)

const ServiceDefinitionQuery = "query __ApolloGetServiceDefinition__ { _service { sdl } }"

// maxSchemaSize caps the size of a schema response.
const maxSchemaSize = 16 << 20

type FailureKind int

const (
	KindUnreachable FailureKind = iota + 1
	KindTimeout
	KindInvalidSchema
)

func (k FailureKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindInvalidSchema:
		return "invalid_schema"
	}
	return "unknown"
}

var (
	ErrUnreachable   = errors.New("subgraph unreachable")
	ErrTimeout       = errors.New("subgraph timed out")
	ErrInvalidSchema = errors.New("invalid subgraph schema")
)

// FetchError is returned for every failed fetch. Use errors.Is with
// ErrUnreachable, ErrTimeout or ErrInvalidSchema to check the kind.
type FetchError struct {
	Subgraph string
	Kind     FailureKind
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching schema of subgraph %s: %s: %v", e.Subgraph, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrInvalidSchema:
		return e.Kind == KindInvalidSchema
	}
	return false
}

type Fetcher struct {
	client         *http.Client
	logger         *zap.Logger
	defaultTimeout time.Duration
	metrics        metric.Store
	now            func() time.Time
}

type Option func(f *Fetcher)

func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithTimeout sets the timeout used for subgraphs without their own timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		f.defaultTimeout = timeout
	}
}

func WithMetrics(store metric.Store) Option {
	return func(f *Fetcher) {
		f.metrics = store
	}
}

func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		logger:         zap.NewNop(),
		defaultTimeout: 10 * time.Second,
		metrics:        metric.NoopMetrics{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = httpclient.NewRetryableHTTPClient(f.logger, 2, httpclient.NewTransport())
	}
	f.logger = f.logger.With(zap.String("component", "schema_fetcher"))
	return f
}

// FetchSchema retrieves and parses the schema of the subgraph. Regardless of
// the outcome the poll timestamp of the descriptor is updated. A success resets
// the failure counter, a failure increments it.
func (f *Fetcher) FetchSchema(ctx context.Context, d *registry.Descriptor) (*composition.SchemaDocument, error) {
	doc, err := f.fetch(ctx, d)
	now := f.now()

	if err != nil {
		failures := d.RecordPollFailure(now)
		var fetchErr *FetchError
		result := "error"
		if errors.As(err, &fetchErr) {
			result = fetchErr.Kind.String()
		}
		f.metrics.MeasureSchemaFetch(d.Name, result)
		f.logger.Warn("Failed to fetch subgraph schema",
			zap.String("subgraph_name", d.Name),
			zap.Int64("consecutive_failures", failures),
			zap.Error(err),
		)
		return nil, err
	}

	d.RecordPollSuccess(doc.Hash, now)
	f.metrics.MeasureSchemaFetch(d.Name, metric.ResultSuccess)
	f.logger.Debug("Fetched subgraph schema",
		zap.String("subgraph_name", d.Name),
		zap.String("schema_hash", doc.Hash),
	)

	return doc, nil
}

func (f *Fetcher) fetch(ctx context.Context, d *registry.Descriptor) (*composition.SchemaDocument, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(httpclient.WithSubgraph(ctx, d.Name), timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"query": ServiceDefinitionQuery})
	if err != nil {
		return nil, &FetchError{Subgraph: d.Name, Kind: KindUnreachable, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.RoutingURL, bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{Subgraph: d.Name, Kind: KindUnreachable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Subgraph: d.Name, Kind: transportFailureKind(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSchemaSize))
	if err != nil {
		return nil, &FetchError{Subgraph: d.Name, Kind: transportFailureKind(ctx, err), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			Subgraph: d.Name,
			Kind:     KindUnreachable,
			Err:      fmt.Errorf("unexpected status code %d", resp.StatusCode),
		}
	}

	if !gjson.ValidBytes(data) {
		return nil, &FetchError{Subgraph: d.Name, Kind: KindInvalidSchema, Err: errors.New("response is not valid json")}
	}

	if errs := gjson.GetBytes(data, "errors"); errs.IsArray() && len(errs.Array()) > 0 {
		return nil, &FetchError{
			Subgraph: d.Name,
			Kind:     KindInvalidSchema,
			Err:      fmt.Errorf("subgraph returned errors: %s", errs.Get("0.message").String()),
		}
	}

	sdl := gjson.GetBytes(data, "data._service.sdl")
	if sdl.Type != gjson.String || sdl.String() == "" {
		return nil, &FetchError{Subgraph: d.Name, Kind: KindInvalidSchema, Err: errors.New("response contains no sdl")}
	}

	doc, err := composition.ParseSchemaDocument(d.Name, sdl.String())
	if err != nil {
		return nil, &FetchError{Subgraph: d.Name, Kind: KindInvalidSchema, Err: err}
	}

	return doc, nil
}

func transportFailureKind(ctx context.Context, err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}
