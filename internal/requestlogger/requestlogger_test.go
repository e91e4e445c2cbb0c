package requestlogger

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/giamma80/gymbro-platform-sub003/pkg/logging"
)

func TestRequestLogger(t *testing.T) {
	var buffer bytes.Buffer

	encoder := logging.ZapJsonEncoder()
	writer := bufio.NewWriter(&buffer)

	logger := zap.New(
		zapcore.NewCore(encoder, zapcore.AddSync(writer), zapcore.DebugLevel))

	handler := New(logger)
	handlerFunc := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler(handlerFunc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subdir/asdf", nil))

	require.NoError(t, writer.Flush())

	assert.Equal(t, http.StatusOK, rec.Code)

	var data map[string]interface{}
	err := json.Unmarshal(buffer.Bytes(), &data)
	require.NoError(t, err)

	assert.Equal(t, "GET", data["method"])
	assert.Equal(t, float64(200), data["status"])
	assert.Equal(t, "/subdir/asdf", data["msg"])
	assert.Equal(t, "/subdir/asdf", data["path"])
}

func TestRequestLoggerRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	h := middleware.RequestID(New(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.Equal(t, int64(http.StatusAccepted), entries[0].ContextMap()["status"])
}

func TestRequestLoggerSkipPaths(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	h := New(zap.New(core), WithSkipPaths("/health/live"))(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/graphql", nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/graphql", entries[0].Message)
}

func TestRequestLoggerAnonymization(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	h := New(zap.New(core), WithAnonymization(&IPAnonymizationConfig{Enabled: true, Method: Redact}))(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/graphql", nil))

	require.Len(t, logs.All(), 1)
	assert.Equal(t, "[REDACTED]", logs.All()[0].ContextMap()["ip"])
}
