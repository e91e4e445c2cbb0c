package recoveryhandler

import (
	"net/http"

	"go.uber.org/zap"
)

const internalServerErrorBody = `{"errors":[{"message":"internal server error","extensions":{"code":"INTERNAL_SERVER_ERROR"}}]}`

// handler returns a http.Handler with a custom recovery handler
// that recovers from any panics and returns a 500 Internal Server Error.
type handler struct {
	handler http.Handler
	logger  *zap.Logger
}

// Option provides a functional approach to define
// configuration for a handler.
type Option func(handler *handler)

func WithLogger(logger *zap.Logger) Option {
	return func(r *handler) {
		r.logger = logger
	}
}

func parseOptions(r *handler, opts ...Option) http.Handler {
	for _, option := range opts {
		option(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

func New(opts ...Option) func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		r := &handler{handler: h}
		return parseOptions(r, opts...)
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {

			if err == http.ErrAbortHandler {
				// we don't recover http.ErrAbortHandler so the response
				// to the client is aborted, this should not be logged
				panic(err)
			}

			h.logger.Error("recovered from panic",
				zap.Any("error", err),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Stack("stack"),
			)

			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(internalServerErrorBody))
		}
	}()

	h.handler.ServeHTTP(w, r)
}
