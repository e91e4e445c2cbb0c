package resolve

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/giamma80/gymbro-platform-sub003/internal/httpclient"
	"github.com/giamma80/gymbro-platform-sub003/pkg/composition"
	"github.com/giamma80/gymbro-platform-sub003/pkg/planner"
)

const (
	usersSDL = `
type Query {
  user(id: ID!): User
  users: [User!]!
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
  orders: [Order!]!
}`
)

type fakeSubgraph struct {
	*httptest.Server

	mu       sync.Mutex
	requests []subgraphRequest
}

func newFakeSubgraph(t *testing.T, handler func(req subgraphRequest) (int, string)) *fakeSubgraph {
	t.Helper()

	fs := &fakeSubgraph{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req subgraphRequest
		require.NoError(t, json.Unmarshal(body, &req))

		fs.mu.Lock()
		fs.requests = append(fs.requests, req)
		fs.mu.Unlock()

		status, resp := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeSubgraph) received() []subgraphRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]subgraphRequest(nil), fs.requests...)
}

func compose(t *testing.T, subgraphs map[string][2]string) *composition.Supergraph {
	t.Helper()

	var inputs []composition.Subgraph
	for name, sg := range subgraphs {
		doc, err := composition.ParseSchemaDocument(name, sg[0])
		require.NoError(t, err)
		inputs = append(inputs, composition.Subgraph{Name: name, RoutingURL: sg[1], Document: doc})
	}
	sg, err := composition.Compose(inputs)
	require.NoError(t, err)
	return sg
}

func execute(t *testing.T, e *Executor, sg *composition.Supergraph, query string, variables map[string]any) string {
	t.Helper()

	plan, err := planner.New().Plan(planner.Request{Query: query, Variables: variables}, sg)
	require.NoError(t, err)

	resp := e.Execute(context.Background(), plan)
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(out)
}

func TestExecuteEntityStep(t *testing.T) {
	t.Parallel()

	users := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"user":{"id":"1","name":"Ada","__typename":"User"}}}`
	})
	orders := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"_entities":[{"orderCount":3}]}}`
	})
	sg := compose(t, map[string][2]string{
		"users":  {usersSDL, users.URL},
		"orders": {ordersSDL, orders.URL},
	})

	out := execute(t, New(), sg, `query($id: ID!) { user(id: $id) { name orderCount id } }`, map[string]any{"id": "1"})
	require.Equal(t, `{"data":{"user":{"name":"Ada","orderCount":3,"id":"1"}}}`, out)

	require.Len(t, users.received(), 1)
	require.Equal(t, map[string]any{"id": "1"}, users.received()[0].Variables)

	received := orders.received()
	require.Len(t, received, 1)
	require.Contains(t, received[0].Query, "_entities")
	require.Equal(t, []any{map[string]any{"__typename": "User", "id": "1"}}, received[0].Variables["representations"])
}

func TestExecuteEntityListKeepsOrder(t *testing.T) {
	t.Parallel()

	users := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"users":[
			{"name":"Ada","__typename":"User","id":"1"},
			{"name":"Grace","__typename":"User","id":"2"}
		]}}`
	})
	orders := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"_entities":[{"orderCount":3},{"orderCount":0}]}}`
	})
	sg := compose(t, map[string][2]string{
		"users":  {usersSDL, users.URL},
		"orders": {ordersSDL, orders.URL},
	})

	out := execute(t, New(), sg, `{ users { name orderCount } }`, nil)
	require.Equal(t, `{"data":{"users":[{"name":"Ada","orderCount":3},{"name":"Grace","orderCount":0}]}}`, out)

	received := orders.received()
	require.Len(t, received, 1)
	require.Len(t, received[0].Variables["representations"], 2)
}

func TestExecuteEntitySubgraphUnreachable(t *testing.T) {
	t.Parallel()

	users := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"user":{"id":"1","name":"Ada","__typename":"User"}}}`
	})
	orders := httptest.NewServer(http.NotFoundHandler())
	ordersURL := orders.URL
	orders.Close()

	sg := compose(t, map[string][2]string{
		"users":  {usersSDL, users.URL},
		"orders": {ordersSDL, ordersURL},
	})

	out := execute(t, New(), sg, `{ user(id: "1") { name orderCount } }`, nil)

	require.Equal(t, `{"name":"Ada","orderCount":null}`, gjson.Get(out, "data.user").Raw)
	errs := gjson.Get(out, "errors").Array()
	require.Len(t, errs, 1)
	require.Equal(t, `["user","orderCount"]`, errs[0].Get("path").Raw)
	require.Equal(t, CodeSubgraphUnreachable, errs[0].Get("extensions.code").String())
	require.Equal(t, "orders", errs[0].Get("extensions.serviceName").String())
	require.NotContains(t, errs[0].Get("message").String(), ordersURL)
}

func TestExecuteRootSubgraphTimeout(t *testing.T) {
	t.Parallel()

	users := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		time.Sleep(300 * time.Millisecond)
		return http.StatusOK, `{"data":{"user":{"name":"Ada"}}}`
	})
	sg := compose(t, map[string][2]string{
		"users":  {usersSDL, users.URL},
		"orders": {ordersSDL, "http://localhost:1"},
	})

	client := &http.Client{
		Transport: httpclient.NewTimeoutTransport(http.DefaultTransport, 50*time.Millisecond, nil),
	}
	out := execute(t, New(WithHTTPClient(client)), sg, `{ user(id: "1") { name } }`, nil)

	require.Equal(t, `{"user":null}`, gjson.Get(out, "data").Raw)
	require.Equal(t, `["user"]`, gjson.Get(out, "errors.0.path").Raw)
	require.Equal(t, CodeSubgraphTimeout, gjson.Get(out, "errors.0.extensions.code").String())
	require.Equal(t, "users", gjson.Get(out, "errors.0.extensions.serviceName").String())
}

func TestExecuteBadStatus(t *testing.T) {
	t.Parallel()

	users := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"user":{"id":"1","name":"Ada","__typename":"User"}}}`
	})
	orders := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusInternalServerError, `internal error`
	})
	sg := compose(t, map[string][2]string{
		"users":  {usersSDL, users.URL},
		"orders": {ordersSDL, orders.URL},
	})

	out := execute(t, New(), sg, `{ user(id: "1") { name orderCount } }`, nil)
	require.Equal(t, CodeSubgraphBadStatus, gjson.Get(out, "errors.0.extensions.code").String())
	require.Equal(t, "Ada", gjson.Get(out, "data.user.name").String())
}

func TestExecuteDownstreamErrorsArePathed(t *testing.T) {
	t.Parallel()

	users := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"user":{"id":"1","name":"Ada","__typename":"User"}}}`
	})
	orders := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"_entities":[{"orderCount":null}]},"errors":[{"message":"orders database is down","path":["_entities",0,"orderCount"]}]}`
	})
	sg := compose(t, map[string][2]string{
		"users":  {usersSDL, users.URL},
		"orders": {ordersSDL, orders.URL},
	})

	out := execute(t, New(), sg, `{ user(id: "1") { name orderCount } }`, nil)

	require.Equal(t, `{"name":"Ada","orderCount":null}`, gjson.Get(out, "data.user").Raw)
	errs := gjson.Get(out, "errors").Array()
	require.Len(t, errs, 1)
	require.Equal(t, "orders database is down", errs[0].Get("message").String())
	require.Equal(t, `["user","orderCount"]`, errs[0].Get("path").Raw)
	require.Equal(t, CodeDownstreamServiceError, errs[0].Get("extensions.code").String())
	require.Equal(t, "orders", errs[0].Get("extensions.serviceName").String())
}

func TestExecuteNonNullPropagation(t *testing.T) {
	t.Parallel()

	users := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"user":{"id":"1","name":"Ada","__typename":"User"}}}`
	})
	orders := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusBadGateway, ``
	})
	sg := compose(t, map[string][2]string{
		"users":  {usersSDL, users.URL},
		"orders": {ordersSDL, orders.URL},
	})

	// orders is non-null, so the nullable user becomes null
	out := execute(t, New(), sg, `{ user(id: "1") { name orders { total } } }`, nil)

	require.Equal(t, `{"user":null}`, gjson.Get(out, "data").Raw)
	errs := gjson.Get(out, "errors").Array()
	require.Len(t, errs, 1)
	require.Equal(t, `["user","orders"]`, errs[0].Get("path").Raw)
}

func TestExecuteMissingNonNullValue(t *testing.T) {
	t.Parallel()

	users := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"users":[{"name":"Ada"},{"name":null}]}}`
	})
	sg := compose(t, map[string][2]string{
		"users":  {usersSDL, users.URL},
		"orders": {ordersSDL, "http://localhost:1"},
	})

	out := execute(t, New(), sg, `{ users { name } }`, nil)

	// users is [User!]! on the root, so data becomes null
	require.Equal(t, `null`, gjson.Get(out, "data").Raw)
	require.Equal(t, `["users",1,"name"]`, gjson.Get(out, "errors.0.path").Raw)
	require.True(t, strings.HasPrefix(gjson.Get(out, "errors.0.message").String(), "Cannot return null for non-nullable field User.name"))
}

func TestExecuteAnswersTypenameAndIntrospection(t *testing.T) {
	t.Parallel()

	sg := compose(t, map[string][2]string{
		"users":  {usersSDL, "http://localhost:1"},
		"orders": {ordersSDL, "http://localhost:2"},
	})

	out := execute(t, New(), sg, `{
  __typename
  __schema { queryType { name } mutationType { name } }
  user: __type(name: "User") { kind name fields { name type { kind ofType { name } } } }
  missing: __type(name: "Missing") { name }
}`, nil)

	require.Equal(t, "Query", gjson.Get(out, "data.__typename").String())
	require.Equal(t, "Query", gjson.Get(out, "data.__schema.queryType.name").String())
	require.Equal(t, `null`, gjson.Get(out, "data.__schema.mutationType").Raw)
	require.Equal(t, "OBJECT", gjson.Get(out, "data.user.kind").String())
	require.Equal(t, `["id","name","orderCount","orders"]`, gjson.Get(out, "data.user.fields.#.name").Raw)
	require.Equal(t, "NON_NULL", gjson.Get(out, "data.user.fields.0.type.kind").String())
	require.Equal(t, "ID", gjson.Get(out, "data.user.fields.0.type.ofType.name").String())
	require.Equal(t, `null`, gjson.Get(out, "data.missing").Raw)
	require.False(t, gjson.Get(out, "errors").Exists())
}

func TestExecuteFragmentsOnAbstractTypes(t *testing.T) {
	t.Parallel()

	const searchSDL = `
type Query { search: [Result!]! }
union Result = Book | Movie
type Book { title: String! }
type Movie { name: String! }`

	search := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"search":[{"__typename":"Book","title":"Dune"},{"__typename":"Movie","name":"Alien"}]}}`
	})
	sg := compose(t, map[string][2]string{"search": {searchSDL, search.URL}})

	out := execute(t, New(), sg, `{ search { ... on Book { title } ... on Movie { name } } }`, nil)
	require.Equal(t, `{"data":{"search":[{"title":"Dune"},{"name":"Alien"}]}}`, out)
	require.Contains(t, search.received()[0].Query, "__typename")
}

func TestObjectMarshalKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	o := NewObject()
	o.Set("b", 1)
	o.Set("a", "x")
	o.Set("b", 2)

	out, err := json.Marshal(o)
	require.NoError(t, err)
	require.Equal(t, `{"b":2,"a":"x"}`, string(out))
	require.Equal(t, []string{"b", "a"}, o.Keys())
}

const (
	productsSDL = `
type Query { products: [Product!]! }
type Product @key(fields: "upc") {
  upc: ID!
  weight: Int
}`

	shippingSDL = `
extend type Product @key(fields: "upc") {
  upc: ID! @external
  weight: Int @external
  shippingEstimate: Int @requires(fields: "weight")
}`

	inventorySDL = `
type Query { topStock: [Product!]! }
extend type Product @key(fields: "upc") {
  upc: ID! @external
  inStock: Boolean
}`
)

func TestExecuteRequiresFromOwningSubgraph(t *testing.T) {
	t.Parallel()

	inventory := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"topStock":[
			{"inStock":true,"__typename":"Product","upc":"1"},
			{"inStock":false,"__typename":"Product","upc":"2"}
		]}}`
	})
	products := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"_entities":[{"__fed_weight":10},{"__fed_weight":20}]}}`
	})
	shipping := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"_entities":[{"shippingEstimate":5},{"shippingEstimate":9}]}}`
	})
	sg := compose(t, map[string][2]string{
		"inventory": {inventorySDL, inventory.URL},
		"products":  {productsSDL, products.URL},
		"shipping":  {shippingSDL, shipping.URL},
	})

	out := execute(t, New(), sg, `{ topStock { inStock shippingEstimate } }`, nil)
	require.Equal(t, `{"data":{"topStock":[{"inStock":true,"shippingEstimate":5},{"inStock":false,"shippingEstimate":9}]}}`, out)

	received := products.received()
	require.Len(t, received, 1)
	require.Equal(t, []any{
		map[string]any{"__typename": "Product", "upc": "1"},
		map[string]any{"__typename": "Product", "upc": "2"},
	}, received[0].Variables["representations"])

	received = shipping.received()
	require.Len(t, received, 1)
	require.Equal(t, []any{
		map[string]any{"__typename": "Product", "upc": "1", "weight": float64(10)},
		map[string]any{"__typename": "Product", "upc": "2", "weight": float64(20)},
	}, received[0].Variables["representations"])
}

func TestExecuteRequiresOwnerUnavailable(t *testing.T) {
	t.Parallel()

	inventory := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"topStock":[{"inStock":true,"__typename":"Product","upc":"1"}]}}`
	})
	products := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusInternalServerError, `{}`
	})
	shipping := newFakeSubgraph(t, func(req subgraphRequest) (int, string) {
		return http.StatusOK, `{"data":{"_entities":[{"shippingEstimate":5}]}}`
	})
	sg := compose(t, map[string][2]string{
		"inventory": {inventorySDL, inventory.URL},
		"products":  {productsSDL, products.URL},
		"shipping":  {shippingSDL, shipping.URL},
	})

	out := execute(t, New(), sg, `{ topStock { inStock shippingEstimate } }`, nil)

	require.Equal(t, `[{"inStock":true,"shippingEstimate":null}]`, gjson.Get(out, "data.topStock").Raw)
	errs := gjson.Get(out, "errors").Array()
	require.Len(t, errs, 1)
	require.Equal(t, `["topStock",0,"shippingEstimate"]`, errs[0].Get("path").Raw)
	require.Equal(t, CodeSubgraphBadStatus, errs[0].Get("extensions.code").String())
	require.Equal(t, "products", errs[0].Get("extensions.serviceName").String())

	// without the required fields shipping is never asked
	require.Empty(t, shipping.received())
}
