package requestlogger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Fn func(r *http.Request) []zapcore.Field

type (
	// Option provides a functional approach to define
	// configuration for a handler.
	Option func(handler *handler)

	IPAnonymizationConfig struct {
		Enabled bool
		Method  IPAnonymizationMethod
	}
)

type IPAnonymizationMethod string

const (
	Hash   IPAnonymizationMethod = "hash"
	Redact IPAnonymizationMethod = "redact"
)

type handler struct {
	timeFormat            string
	utc                   bool
	skipPaths             []string
	ipAnonymizationConfig *IPAnonymizationConfig
	context               Fn
	handler               http.Handler
	logger                *zap.Logger
	fields                []zapcore.Field
}

func parseOptions(r *handler, opts ...Option) http.Handler {
	for _, option := range opts {
		option(r)
	}

	return r
}

func WithAnonymization(ipConfig *IPAnonymizationConfig) Option {
	return func(r *handler) {
		r.ipAnonymizationConfig = ipConfig
	}
}

func WithRequestFields(fn Fn) Option {
	return func(r *handler) {
		r.context = fn
	}
}

// WithSkipPaths disables access logs for the given paths, e.g. health probes.
func WithSkipPaths(paths ...string) Option {
	return func(r *handler) {
		r.skipPaths = append(r.skipPaths, paths...)
	}
}

func WithNoTimeField() Option {
	return func(r *handler) {
		r.timeFormat = ""
		r.utc = false
	}
}

func WithFields(fields ...zapcore.Field) Option {
	return func(r *handler) {
		r.fields = fields
	}
}

func WithDefaultOptions() Option {
	return func(r *handler) {
		r.timeFormat = time.RFC3339
		r.utc = true
		r.skipPaths = []string{}
		r.context = nil
	}
}

func New(logger *zap.Logger, opts ...Option) func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		r := &handler{handler: h, logger: logger}
		return parseOptions(r, opts...)
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if slices.Contains(h.skipPaths, r.URL.Path) {
		h.handler.ServeHTTP(w, r)
		return
	}

	start := time.Now()
	path := r.URL.Path

	// All fields are snake_case

	fields := []zapcore.Field{
		zap.String("method", r.Method),
		zap.String("path", path),
		zap.String("query", r.URL.RawQuery),
		// Has to be processed by a middleware before this one
		zap.String("ip", h.remoteAddr(r)),
		zap.String("user_agent", r.UserAgent()),
	}

	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		fields = append(fields, zap.String("request_id", reqID))
	}

	if len(h.fields) > 0 {
		fields = append(fields, h.fields...)
	}

	if h.context != nil {
		fields = append(fields, h.context(r)...)
	}

	if h.utc {
		start = start.UTC()
	}

	if h.timeFormat != "" {
		fields = append(fields, zap.String("time", start.Format(h.timeFormat)))
	}

	defer func() {
		if err := recover(); err != nil {
			fields = append(fields,
				// The recovery middleware sets the actual status
				zap.Int("status", http.StatusInternalServerError),
				zap.Duration("latency", time.Since(start)),
				zap.Any("error", err),
			)

			if e, ok := err.(error); ok && isBrokenConnection(e) {
				fields = append(fields, zap.Bool("broken_pipe", true))
				h.logger.WithOptions(zap.AddStacktrace(zapcore.DPanicLevel)).Error(path, fields...)
			} else {
				h.logger.WithOptions(zap.AddStacktrace(zapcore.DPanicLevel)).Error("[Recovery from panic]", fields...)
			}

			// rethrow the error so the recover middleware can handle it
			panic(err)
		}
	}()

	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	h.handler.ServeHTTP(ww, r)

	h.logger.Info(path, append(fields,
		zap.Duration("latency", time.Since(start)),
		zap.Int("status", ww.Status()),
		zap.Int("bytes_written", ww.BytesWritten()),
	)...)
}

func (h *handler) remoteAddr(r *http.Request) string {
	if h.ipAnonymizationConfig == nil || !h.ipAnonymizationConfig.Enabled {
		return r.RemoteAddr
	}

	switch h.ipAnonymizationConfig.Method {
	case Hash:
		sum := sha256.Sum256([]byte(r.RemoteAddr))
		return hex.EncodeToString(sum[:])
	case Redact:
		return "[REDACTED]"
	}

	return r.RemoteAddr
}

// isBrokenConnection reports whether err is a broken pipe or connection reset,
// conditions that do not warrant a panic stack trace.
func isBrokenConnection(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	if errors.Is(opErr, syscall.EPIPE) || errors.Is(opErr, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(opErr.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
