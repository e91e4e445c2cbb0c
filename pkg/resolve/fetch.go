package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/giamma80/gymbro-platform-sub003/internal/httpclient"
)

// maxSubgraphResponseSize bounds how much of a subgraph response is read.
const maxSubgraphResponseSize = 64 << 20

type subgraphRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type subgraphError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type subgraphResponse struct {
	Data   map[string]any  `json:"data"`
	Errors []subgraphError `json:"errors"`
}

// TransportError is a failure to obtain a usable GraphQL response from a subgraph.
type TransportError struct {
	Subgraph string
	Code     string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("subgraph %s: %s", e.Subgraph, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Message is the client facing message. Transport details stay in the logs.
func (e *TransportError) Message() string {
	switch e.Code {
	case CodeSubgraphTimeout:
		return fmt.Sprintf("Subgraph '%s' did not respond in time.", e.Subgraph)
	case CodeSubgraphBadStatus:
		return fmt.Sprintf("Subgraph '%s' responded with an unexpected status.", e.Subgraph)
	case CodeSubgraphInvalidResponse:
		return fmt.Sprintf("Subgraph '%s' returned an invalid response.", e.Subgraph)
	default:
		return fmt.Sprintf("Failed to fetch from Subgraph '%s'.", e.Subgraph)
	}
}

func (e *Executor) fetch(ctx context.Context, subgraph, url string, body subgraphRequest) (*subgraphResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &TransportError{Subgraph: subgraph, Code: CodeSubgraphInvalidResponse, Err: err}
	}

	req, err := http.NewRequestWithContext(httpclient.WithSubgraph(ctx, subgraph), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Subgraph: subgraph, Code: CodeSubgraphUnreachable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &TransportError{Subgraph: subgraph, Code: transportCode(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{
			Subgraph: subgraph,
			Code:     CodeSubgraphBadStatus,
			Err:      fmt.Errorf("unexpected status code %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSubgraphResponseSize))
	if err != nil {
		return nil, &TransportError{Subgraph: subgraph, Code: transportCode(err), Err: err}
	}

	var out subgraphResponse
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &TransportError{Subgraph: subgraph, Code: CodeSubgraphInvalidResponse, Err: err}
	}
	if out.Data == nil && len(out.Errors) == 0 {
		return nil, &TransportError{
			Subgraph: subgraph,
			Code:     CodeSubgraphInvalidResponse,
			Err:      errors.New("response has neither data nor errors"),
		}
	}

	return &out, nil
}

func transportCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeSubgraphTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeSubgraphTimeout
	}
	return CodeSubgraphUnreachable
}
