package core

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/giamma80/gymbro-platform-sub003/pkg/config"
)

const (
	usersSDL = `
type Query {
  user(id: ID!): User
}
type Mutation {
  rename(id: ID!, name: String!): User
}
type User @key(fields: "id") {
  id: ID!
  name: String!
}`

	ordersSDL = `
type Order @key(fields: "id") {
  id: ID!
  total: Float!
}
extend type User @key(fields: "id") {
  id: ID! @external
  orderCount: Int
}`
)

type subgraphRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

type testSubgraph struct {
	*httptest.Server

	mu       sync.Mutex
	requests []subgraphRequest
}

// newTestSubgraph serves the schema on _service, a healthy /health endpoint
// and answers every other operation with handler.
func newTestSubgraph(t *testing.T, sdl string, handler func(req subgraphRequest) string) *testSubgraph {
	t.Helper()

	ts := &testSubgraph{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"UP"}`))
	})
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req subgraphRequest
		require.NoError(t, json.Unmarshal(body, &req))

		w.Header().Set("Content-Type", "application/json")

		if strings.Contains(req.Query, "_service") {
			resp, err := json.Marshal(map[string]any{"data": map[string]any{"_service": map[string]any{"sdl": sdl}}})
			require.NoError(t, err)
			_, _ = w.Write(resp)
			return
		}

		ts.mu.Lock()
		ts.requests = append(ts.requests, req)
		ts.mu.Unlock()

		_, _ = w.Write([]byte(handler(req)))
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testSubgraph) routingURL() string {
	return ts.URL + "/graphql"
}

func (ts *testSubgraph) received() []subgraphRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]subgraphRequest(nil), ts.requests...)
}

func usersSubgraph(t *testing.T) *testSubgraph {
	return newTestSubgraph(t, usersSDL, func(req subgraphRequest) string {
		if strings.Contains(req.Query, "rename") {
			return `{"data":{"rename":{"id":"1","name":"Grace","__typename":"User"}}}`
		}
		return `{"data":{"user":{"id":"1","name":"Ada","__typename":"User"}}}`
	})
}

func ordersSubgraph(t *testing.T) *testSubgraph {
	return newTestSubgraph(t, ordersSDL, func(req subgraphRequest) string {
		return `{"data":{"_entities":[{"__typename":"User","orderCount":3}]}}`
	})
}

func testRouterOptions(subgraphs ...*testSubgraph) []Option {
	names := []string{"users", "orders", "products"}
	var cfg []config.Subgraph
	for i, sg := range subgraphs {
		cfg = append(cfg, config.Subgraph{Name: names[i], RoutingURL: sg.routingURL()})
	}

	return []Option{
		WithListenerAddr("127.0.0.1:0"),
		WithLogger(zap.NewNop()),
		WithSubgraphs(cfg),
		WithPollInterval(time.Hour, 0),
		WithGracePeriod(5 * time.Second),
		WithTrafficShaping(config.TrafficShapingRules{
			RequestTimeout:     2 * time.Second,
			SchemaFetchTimeout: 2 * time.Second,
			SchemaFetchRetries: 0,
			MaxRequestBodySize: 4096,
		}),
		WithHealth(config.HealthConfig{
			ProbeInterval: time.Hour,
			ProbeTimeout:  time.Second,
		}),
	}
}

func startRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()

	r, err := NewRouter(opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, r.Shutdown(context.Background()))
	})
	return r
}

func (r *Router) testURL(path string) string {
	return "http://" + r.Addr().String() + path
}

func doPost(t *testing.T, target string, body string) (int, string) {
	t.Helper()

	resp, err := http.Post(target, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func doGet(t *testing.T, target string) (int, string) {
	t.Helper()

	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestRouterResolvesEntityFieldsAcrossSubgraphs(t *testing.T) {
	users := usersSubgraph(t)
	orders := ordersSubgraph(t)
	r := startRouter(t, testRouterOptions(users, orders)...)

	status, body := doPost(t, r.testURL("/graphql"), `{"query":"query GetUser($id: ID!) { user(id: $id) { name orderCount } }","variables":{"id":"1"}}`)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"data":{"user":{"name":"Ada","orderCount":3}}}`, body)

	require.Len(t, users.received(), 1)
	require.Equal(t, map[string]any{"id": "1"}, users.received()[0].Variables)

	received := orders.received()
	require.Len(t, received, 1)
	require.Contains(t, received[0].Query, "_entities")
	require.Equal(t, []any{map[string]any{"__typename": "User", "id": "1"}}, received[0].Variables["representations"])
}

func TestRouterIsolatesUnreachableSubgraph(t *testing.T) {
	users := usersSubgraph(t)
	orders := ordersSubgraph(t)
	r := startRouter(t, testRouterOptions(users, orders)...)

	orders.Close()

	status, body := doPost(t, r.testURL("/graphql"), `{"query":"{ user(id: \"1\") { name orderCount } }"}`)
	require.Equal(t, http.StatusOK, status)

	require.Equal(t, "Ada", gjson.Get(body, "data.user.name").String())
	require.True(t, gjson.Get(body, "data.user.orderCount").Exists())
	require.Equal(t, gjson.Null, gjson.Get(body, "data.user.orderCount").Type)

	require.Len(t, gjson.Get(body, "errors").Array(), 1)
	require.JSONEq(t, `["user","orderCount"]`, gjson.Get(body, "errors.0.path").Raw)
	require.Equal(t, "SUBGRAPH_UNREACHABLE", gjson.Get(body, "errors.0.extensions.code").String())
	require.Equal(t, "orders", gjson.Get(body, "errors.0.extensions.serviceName").String())
	require.NotContains(t, body, orders.URL)

	status, body = doGet(t, r.testURL("/health/ready"))
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.False(t, gjson.Get(body, "gatewayReady").Bool())
	require.True(t, gjson.Get(body, "composed").Bool())
	require.Equal(t, "subgraphs unreachable: orders", gjson.Get(body, "reason").String())
	require.False(t, gjson.Get(body, "subgraphs.orders.reachable").Bool())
	require.True(t, gjson.Get(body, "subgraphs.users.reachable").Bool())
}

func TestRouterHealthEndpoints(t *testing.T) {
	users := usersSubgraph(t)
	orders := ordersSubgraph(t)
	r := startRouter(t, testRouterOptions(users, orders)...)

	status, body := doGet(t, r.testURL("/health"))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "OK", body)

	status, body = doGet(t, r.testURL("/health/live"))
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"status":"UP"}`, body)

	status, body = doGet(t, r.testURL("/health/ready"))
	require.Equal(t, http.StatusOK, status)
	require.True(t, gjson.Get(body, "gatewayReady").Bool())
	require.True(t, gjson.Get(body, "subgraphs.orders.inComposition").Bool())
}

func TestRouterStaysUnreadyWithoutSupergraph(t *testing.T) {
	broken := newTestSubgraph(t, `type Query {`, func(req subgraphRequest) string {
		return `{"data":null}`
	})

	opts := append(testRouterOptions(broken), WithComposition(config.CompositionConfig{
		FailureThreshold:     3,
		ExitOnInitialFailure: false,
	}))
	r := startRouter(t, opts...)

	status, body := doGet(t, r.testURL("/health/live"))
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"status":"UP"}`, body)

	status, body = doGet(t, r.testURL("/health/ready"))
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.False(t, gjson.Get(body, "composed").Bool())
	require.Equal(t, "no supergraph has been composed yet", gjson.Get(body, "reason").String())

	status, body = doPost(t, r.testURL("/graphql"), `{"query":"{ user(id: \"1\") { name } }"}`)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, CodeSupergraphUnavailable, gjson.Get(body, "errors.0.extensions.code").String())
	require.False(t, gjson.Get(body, "data").Exists())
}

func TestRouterExitsOnInitialCompositionFailure(t *testing.T) {
	broken := newTestSubgraph(t, `type Query {`, func(req subgraphRequest) string {
		return `{"data":null}`
	})

	r, err := NewRouter(testRouterOptions(broken)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Shutdown(context.Background()))
	})

	err = r.Start(context.Background())
	require.ErrorContains(t, err, "initial composition failed")
}

func TestRouterRequestErrors(t *testing.T) {
	users := usersSubgraph(t)
	orders := ordersSubgraph(t)
	r := startRouter(t, testRouterOptions(users, orders)...)

	t.Run("malformed body", func(t *testing.T) {
		status, body := doPost(t, r.testURL("/graphql"), `{"query":`)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, CodeBadRequest, gjson.Get(body, "errors.0.extensions.code").String())
	})

	t.Run("missing query", func(t *testing.T) {
		status, body := doPost(t, r.testURL("/graphql"), `{"variables":{}}`)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "query is required", gjson.Get(body, "errors.0.message").String())
	})

	t.Run("parse error", func(t *testing.T) {
		status, body := doPost(t, r.testURL("/graphql"), `{"query":"{ user(id: "}`)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "GRAPHQL_PARSE_FAILED", gjson.Get(body, "errors.0.extensions.code").String())
	})

	t.Run("validation error", func(t *testing.T) {
		status, body := doPost(t, r.testURL("/graphql"), `{"query":"{ user(id: \"1\") { email } }"}`)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "GRAPHQL_VALIDATION_FAILED", gjson.Get(body, "errors.0.extensions.code").String())
		require.Contains(t, gjson.Get(body, "errors.0.message").String(), "email")
	})

	t.Run("body too large", func(t *testing.T) {
		query := `{"query":"{ user(id: \"` + strings.Repeat("1", 8192) + `\") { name } }"}`
		status, body := doPost(t, r.testURL("/graphql"), query)
		require.Equal(t, http.StatusRequestEntityTooLarge, status)
		require.Equal(t, "PAYLOAD_TOO_LARGE", gjson.Get(body, "errors.0.extensions.code").String())
	})

	t.Run("unsupported method", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, r.testURL("/graphql"), nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	require.Empty(t, users.received())
	require.Empty(t, orders.received())
}

func TestRouterGetRequests(t *testing.T) {
	users := usersSubgraph(t)
	orders := ordersSubgraph(t)
	r := startRouter(t, testRouterOptions(users, orders)...)

	query := url.Values{}
	query.Set("query", `query GetUser($id: ID!) { user(id: $id) { name } }`)
	query.Set("variables", `{"id":"1"}`)

	status, body := doGet(t, r.testURL("/graphql?"+query.Encode()))
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"data":{"user":{"name":"Ada"}}}`, body)

	mutation := url.Values{}
	mutation.Set("query", `mutation { rename(id: "1", name: "Grace") { name } }`)
	status, body = doGet(t, r.testURL("/graphql?"+mutation.Encode()))
	require.Equal(t, http.StatusMethodNotAllowed, status)
	require.Equal(t, CodeMethodNotAllowed, gjson.Get(body, "errors.0.extensions.code").String())

	status, body = doPost(t, r.testURL("/graphql"), `{"query":"mutation { rename(id: \"1\", name: \"Grace\") { name } }"}`)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"data":{"rename":{"name":"Grace"}}}`, body)
}

func TestRouterCors(t *testing.T) {
	users := usersSubgraph(t)
	orders := ordersSubgraph(t)
	r := startRouter(t, testRouterOptions(users, orders)...)

	req, err := http.NewRequest(http.MethodOptions, r.testURL("/graphql"), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestRouterCorsAllowList(t *testing.T) {
	users := usersSubgraph(t)
	orders := ordersSubgraph(t)
	opts := append(testRouterOptions(users, orders), WithCors(CorsConfigFromConfig(config.CORS{
		Enabled:      true,
		AllowOrigins: []string{"https://*.example.com"},
		AllowMethods: []string{http.MethodPost},
		MaxAge:       time.Minute,
	})))
	r := startRouter(t, opts...)

	req, err := http.NewRequest(http.MethodPost, r.testURL("/graphql"), strings.NewReader(`{"query":"{ __typename }"}`))
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRouterRecordsOperationMetrics(t *testing.T) {
	users := usersSubgraph(t)
	orders := ordersSubgraph(t)
	reg := prometheus.NewRegistry()

	opts := append(testRouterOptions(users, orders),
		WithPrometheus(&config.Prometheus{Enabled: true}),
		WithPrometheusRegistry(reg),
	)
	r := startRouter(t, opts...)

	status, _ := doPost(t, r.testURL("/graphql"), `{"query":"{ user(id: \"1\") { name orderCount } }"}`)
	require.Equal(t, http.StatusOK, status)

	count, err := testutil.GatherAndCount(reg, "gateway_operations_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(reg, "gateway_composition_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRouterGracefulShutdownWaitsForInflight(t *testing.T) {
	started := make(chan struct{}, 1)
	users := newTestSubgraph(t, usersSDL, func(req subgraphRequest) string {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(500 * time.Millisecond)
		return `{"data":{"user":{"id":"1","name":"Ada","__typename":"User"}}}`
	})

	r, err := NewRouter(testRouterOptions(users)...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	type result struct {
		status int
		body   string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(r.testURL("/graphql"), "application/json", strings.NewReader(`{"query":"{ user(id: \"1\") { name } }"}`))
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		done <- result{status: resp.StatusCode, body: string(b), err: err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("request did not reach the subgraph")
	}

	start := time.Now()
	require.NoError(t, r.Shutdown(context.Background()))
	// Shutdown waited for the subgraph call still running
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, http.StatusOK, res.status)
		require.JSONEq(t, `{"data":{"user":{"name":"Ada"}}}`, res.body)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request was not answered")
	}

	_, err = http.Get(r.testURL("/health/live"))
	require.Error(t, err)
}

func TestRouterCannotRestartAfterShutdown(t *testing.T) {
	users := usersSubgraph(t)
	orders := ordersSubgraph(t)

	r, err := NewRouter(testRouterOptions(users, orders)...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))

	require.ErrorContains(t, r.Start(context.Background()), "router is closed")

	_, err = http.Get(r.testURL("/health/live"))
	require.Error(t, err)
}

func TestNewRouterRejectsInvalidRegistry(t *testing.T) {
	_, err := NewRouter(WithSubgraphs(nil))
	require.ErrorContains(t, err, "invalid subgraph registry")

	_, err = NewRouter(WithSubgraphs([]config.Subgraph{
		{Name: "users", RoutingURL: "http://users/graphql"},
		{Name: "users", RoutingURL: "http://users2/graphql"},
	}))
	require.ErrorContains(t, err, "invalid subgraph registry")
}
