package health

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/giamma80/gymbro-platform-sub003/pkg/composition"
	"github.com/giamma80/gymbro-platform-sub003/pkg/controlplane"
	"github.com/giamma80/gymbro-platform-sub003/pkg/metric"
	"github.com/giamma80/gymbro-platform-sub003/pkg/registry"
)

// Checker defines an interface that must be implemented by a health checker to
// determine if the gateway can currently accept traffic.
type Checker interface {
	// Liveness returns a handler that returns 200 OK if the server is alive (running).
	Liveness() http.HandlerFunc

	// Readiness returns a handler that returns 200 OK if the gateway is ready to accept traffic
	// and 503 Service Unavailable otherwise. Both carry the health snapshot.
	Readiness() http.HandlerFunc

	// Connectivity returns a handler answering 200 OK as long as the listener accepts connections.
	Connectivity() http.HandlerFunc

	// SetReady marks whether the gateway finished starting and is not shutting down.
	SetReady(isReady bool)
}

var _ Checker = (*Checks)(nil)

// SupergraphSource returns the active supergraph or nil before the first composition.
type SupergraphSource interface {
	Active() *composition.Supergraph
}

type SubgraphStatus struct {
	Reachable               bool    `json:"reachable"`
	LatencyMs               int64   `json:"latencyMs"`
	LastError               *string `json:"lastError"`
	InComposition           bool    `json:"inComposition"`
	ConsecutiveFailureCount int64   `json:"consecutiveFailureCount"`
}

// Snapshot is the aggregated health of the gateway. A snapshot is never
// modified after it was built.
type Snapshot struct {
	GatewayLive  bool                      `json:"gatewayLive"`
	GatewayReady bool                      `json:"gatewayReady"`
	Composed     bool                      `json:"composed"`
	ComposedAt   *time.Time                `json:"composedAt"`
	Reason       string                    `json:"reason,omitempty"`
	Subgraphs    map[string]SubgraphStatus `json:"subgraphs"`
	CheckedAt    time.Time                 `json:"checkedAt"`
}

type Options struct {
	Logger      *zap.Logger
	Registry    *registry.Registry
	Supergraphs SupergraphSource
	HTTPClient  *http.Client
	Metrics     metric.Store
	// ProbeTimeout bounds a single probe of a subgraph.
	ProbeTimeout time.Duration
	// ProbeInterval is how long probe results are reused and how often the
	// background loop refreshes them.
	ProbeInterval time.Duration
}

type Checks struct {
	options *Options
	logger  *zap.Logger
	isReady atomic.Bool

	probes atomic.Pointer[probeResult]
	group  singleflight.Group
	poller controlplane.Poller
}

func New(opts *Options) *Checks {
	o := *opts
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Metrics == nil {
		o.Metrics = metric.NoopMetrics{}
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 5 * time.Second
	}

	return &Checks{
		options: &o,
		logger:  o.Logger.With(zap.String("component", "health")),
	}
}

// Liveness returns a handler that returns 200 OK if the server is alive (running).
func (c *Checks) Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"UP"}`))
	}
}

// Connectivity returns a handler that returns 200 OK as soon as the server listens.
func (c *Checks) Connectivity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// Readiness returns a handler that returns 200 OK if the gateway is ready to accept traffic
// and 503 Service Unavailable if it is not. The snapshot is returned in both cases.
func (c *Checks) Readiness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := c.Snapshot(r.Context())

		body, err := json.Marshal(snapshot)
		if err != nil {
			c.logger.Error("Failed to marshal health snapshot", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		status := http.StatusOK
		if !snapshot.GatewayReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}

// SetReady sets the readiness state to the given value
func (c *Checks) SetReady(isReady bool) {
	c.isReady.Swap(isReady)
}

// Snapshot returns the current health. Probe results younger than the probe
// interval are reused; concurrent callers share one probe round.
func (c *Checks) Snapshot(ctx context.Context) *Snapshot {
	probes := c.probes.Load()
	if probes == nil || time.Since(probes.checkedAt) >= c.options.ProbeInterval {
		probes = c.refresh(ctx)
	}
	return c.assemble(probes)
}

func (c *Checks) refresh(ctx context.Context) *probeResult {
	ch := c.group.DoChan("probe", func() (interface{}, error) {
		// shared by all waiting callers, so not bound to the first caller's request
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.options.ProbeTimeout+time.Second)
		defer cancel()

		result := c.probeAll(probeCtx)
		c.probes.Store(result)
		return result, nil
	})

	select {
	case res := <-ch:
		return res.Val.(*probeResult)
	case <-ctx.Done():
		if probes := c.probes.Load(); probes != nil {
			return probes
		}
		return &probeResult{checkedAt: time.Now()}
	}
}

// Start refreshes the probe results in the background until ctx is done or
// Stop is called.
func (c *Checks) Start(ctx context.Context) {
	c.poller = controlplane.NewPoll(c.options.ProbeInterval, c.options.ProbeInterval/10)
	c.poller.Subscribe(ctx, func(ctx context.Context) {
		c.refresh(ctx)
	})
}

func (c *Checks) Stop() error {
	if c.poller == nil {
		return nil
	}
	return c.poller.Stop()
}

func (c *Checks) assemble(probes *probeResult) *Snapshot {
	snapshot := &Snapshot{
		GatewayLive: true,
		Subgraphs:   map[string]SubgraphStatus{},
		CheckedAt:   probes.checkedAt,
	}

	var sg *composition.Supergraph
	if c.options.Supergraphs != nil {
		sg = c.options.Supergraphs.Active()
	}
	if sg != nil {
		snapshot.Composed = true
		composedAt := sg.ComposedAt
		snapshot.ComposedAt = &composedAt
	}

	var unreachable []string
	for _, d := range c.options.Registry.Subgraphs() {
		status := probes.statuses[d.Name]
		status.InComposition = sg != nil && sg.Includes(d.Name)
		status.ConsecutiveFailureCount = d.ConsecutiveFailureCount()
		if _, probed := probes.statuses[d.Name]; !probed {
			msg := "not probed yet"
			status.LastError = &msg
		}
		snapshot.Subgraphs[d.Name] = status

		if status.InComposition && !status.Reachable {
			unreachable = append(unreachable, d.Name)
		}
	}
	sort.Strings(unreachable)

	switch {
	case !c.isReady.Load():
		snapshot.Reason = "gateway is starting or shutting down"
	case sg == nil:
		snapshot.Reason = "no supergraph has been composed yet"
	case len(unreachable) > 0:
		snapshot.Reason = "subgraphs unreachable: " + strings.Join(unreachable, ", ")
	default:
		snapshot.GatewayReady = true
	}

	return snapshot
}
