package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/giamma80/gymbro-platform-sub003/pkg/registry"
)

// maxProbeBodySize caps how much of a health response is inspected.
const maxProbeBodySize = 64 << 10

var healthyStatuses = map[string]struct{}{
	"ok":      {},
	"healthy": {},
	"up":      {},
	"pass":    {},
	"serving": {},
}

type probeResult struct {
	statuses  map[string]SubgraphStatus
	checkedAt time.Time
}

// probeAll probes every registered subgraph concurrently.
func (c *Checks) probeAll(ctx context.Context) *probeResult {
	descriptors := c.options.Registry.Subgraphs()
	statuses := make([]SubgraphStatus, len(descriptors))

	var g errgroup.Group
	for i, d := range descriptors {
		i, d := i, d
		g.Go(func() error {
			statuses[i] = c.probe(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	result := &probeResult{
		statuses:  make(map[string]SubgraphStatus, len(descriptors)),
		checkedAt: time.Now(),
	}
	for i, d := range descriptors {
		result.statuses[d.Name] = statuses[i]
	}
	return result
}

func (c *Checks) probe(ctx context.Context, d *registry.Descriptor) SubgraphStatus {
	ctx, cancel := context.WithTimeout(ctx, c.options.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := c.check(ctx, d.HealthURL)
	latency := time.Since(start)

	d.RecordProbe(err == nil, time.Now())
	c.options.Metrics.SetSubgraphUp(d.Name, err == nil)

	status := SubgraphStatus{
		Reachable: err == nil,
		LatencyMs: latency.Milliseconds(),
	}
	if err != nil {
		c.logger.Debug("Subgraph health probe failed",
			zap.String("subgraph", d.Name),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		msg := sanitizeErrorMessage(err.Error())
		status.LastError = &msg
	}
	return status
}

// check calls the health endpoint. A 2xx answer is healthy unless the body is
// JSON with a status field that does not report a healthy state.
func (c *Checks) check(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("health probe timed out after %s", c.options.ProbeTimeout)
		}
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodySize))
	if err != nil {
		return fmt.Errorf("reading health response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint answered with status %d", resp.StatusCode)
	}

	if !gjson.ValidBytes(body) {
		return nil
	}
	status := gjson.GetBytes(body, "status")
	if !status.Exists() {
		return nil
	}
	if _, ok := healthyStatuses[strings.ToLower(status.String())]; !ok {
		return fmt.Errorf("health endpoint reported status %q", status.String())
	}
	return nil
}
