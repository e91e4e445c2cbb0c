package httpclient

import (
	"context"
	"net"
	"net/http"
	"time"
)

type subgraphContextKey struct{}

// WithSubgraph marks the context of an outgoing request with the subgraph it targets.
func WithSubgraph(ctx context.Context, subgraph string) context.Context {
	return context.WithValue(ctx, subgraphContextKey{}, subgraph)
}

func SubgraphFromContext(ctx context.Context) string {
	name, _ := ctx.Value(subgraphContextKey{}).(string)
	return name
}

// NewTransport returns the transport shared by all subgraph clients.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		// The default value 0 = unbounded.
		// A bound prevents exhausting ports when a subgraph slows down.
		MaxConnsPerHost: 100,
		MaxIdleConns:    1024,
		// The default of 2 opens and closes connections too often.
		MaxIdleConnsPerHost:   20,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 15 * time.Second,
	}
}
