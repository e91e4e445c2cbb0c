package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type httpServer struct {
	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

type httpServerOptions struct {
	addr    string
	logger  *zap.Logger
	handler http.Handler
}

func newHttpServer(opts *httpServerOptions) *httpServer {
	errorLog, err := zap.NewStdLogAt(opts.logger, zap.ErrorLevel)
	if err != nil {
		errorLog = zap.NewStdLog(opts.logger)
	}

	server := &http.Server{
		Addr: opts.addr,
		// https://ieftimov.com/posts/make-resilient-golang-net-http-servers-using-timeouts-deadlines-context-cancellation/
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		ReadHeaderTimeout: 20 * time.Second,
		ErrorLog:          errorLog,
		Handler:           opts.handler,
	}

	return &httpServer{
		httpServer: server,
		logger:     opts.logger,
	}
}

// listen binds the listener so the server accepts connections before it serves.
func (s *httpServer) listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	return ln.Addr(), nil
}

// serve blocks until the server is shut down.
func (s *httpServer) serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		return errors.New("server is not listening")
	}

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests until ctx is done.
func (s *httpServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// in-flight requests did not finish within the grace period
			return errors.Join(err, s.httpServer.Close())
		}
		return err
	}
	return nil
}
