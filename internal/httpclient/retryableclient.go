package httpclient

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// NewRetryableHTTPClient returns a client retrying connection errors and 5xx
// responses. After the last attempt the final response is handed to the caller
// so it can inspect the status code.
func NewRetryableHTTPClient(logger *zap.Logger, retries int, transport http.RoundTripper) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.RetryMax = retries
	retryClient.Backoff = retryablehttp.DefaultBackoff
	retryClient.Logger = nil
	retryClient.ErrorHandler = func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		if err != nil {
			logger.Debug("Request failed", zap.Error(err), zap.Int("num_tries", numTries))
		}
		return resp, err
	}
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, retry int) {
		if retry > 0 {
			logger.Debug("Retry request",
				zap.String("subgraph_name", SubgraphFromContext(req.Context())),
				zap.Int("retry", retry),
			)
		}
	}

	return retryClient.StandardClient()
}
