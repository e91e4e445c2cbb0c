package httpclient

import (
	"context"
	"io"
	"net/http"
	"time"
)

// TimeoutTransport bounds every request with the timeout of the subgraph it
// targets. The subgraph is taken from the request context (see WithSubgraph).
// The deadline covers reading the response body.
type TimeoutTransport struct {
	base           http.RoundTripper
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
}

func NewTimeoutTransport(base http.RoundTripper, defaultTimeout time.Duration, timeouts map[string]time.Duration) *TimeoutTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &TimeoutTransport{
		base:           base,
		defaultTimeout: defaultTimeout,
		timeouts:       timeouts,
	}
}

func (tt *TimeoutTransport) timeout(subgraph string) time.Duration {
	if t, ok := tt.timeouts[subgraph]; ok && t > 0 {
		return t
	}
	return tt.defaultTimeout
}

func (tt *TimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	timeout := tt.timeout(SubgraphFromContext(req.Context()))
	if timeout <= 0 {
		return tt.base.RoundTrip(req)
	}

	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	resp, err := tt.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
