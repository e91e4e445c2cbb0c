package cmd

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/giamma80/gymbro-platform-sub003/pkg/config"
)

const productsSDL = `
type Query {
  topProducts: [Product]
}

type Product @key(fields: "upc") {
  upc: String!
  name: String
}
`

func productsSubgraph(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(string(body), "_service") {
			_, _ = w.Write([]byte(`{"data":{"_service":{"sdl":` + quote(productsSDL) + `}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"topProducts":[{"name":"Table"}]}}`))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"UP"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

func TestNewRouterFromConfigFile(t *testing.T) {
	subgraph := productsSubgraph(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "1"
listen_addr: "127.0.0.1:0"
log_level: "debug"
subgraphs:
  - name: products
    routing_url: "`+subgraph.URL+`/graphql"
traffic_shaping:
  schema_fetch_retries: 0
telemetry:
  metrics:
    prometheus:
      enabled: false
`), 0o600))

	result, err := config.LoadConfig(path, "")
	require.NoError(t, err)

	router, err := NewRouter(Params{
		Config: &result.Config,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, router.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, router.Shutdown(context.Background()))
	})

	base := "http://" + router.Addr().String()

	res, err := http.Post(base+result.Config.GraphQLPath, "application/json", strings.NewReader(`{"query":"{ topProducts { name } }"}`))
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"data":{"topProducts":[{"name":"Table"}]}}`, string(body))

	ready, err := http.Get(base + result.Config.ReadinessCheckPath)
	require.NoError(t, err)
	defer ready.Body.Close()
	require.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestNewRouterRejectsEmptySubgraphList(t *testing.T) {
	cfg := &config.Config{ListenAddr: "127.0.0.1:0"}

	_, err := NewRouter(Params{Config: cfg, Logger: zap.NewNop()})
	require.Error(t, err)
}
