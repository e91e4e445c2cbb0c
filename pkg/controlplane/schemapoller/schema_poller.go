// Package schemapoller keeps the active supergraph up to date. It fetches all
// subgraph schemas on a jittered interval, recomposes and swaps the active
// supergraph atomically when the set of schema versions changed.
package schemapoller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/giamma80/gymbro-platform-sub003/pkg/composition"
	"github.com/giamma80/gymbro-platform-sub003/pkg/controlplane"
	"github.com/giamma80/gymbro-platform-sub003/pkg/metric"
	"github.com/giamma80/gymbro-platform-sub003/pkg/registry"
)

var ErrNoSchemas = errors.New("no subgraph schema available for composition")

// SchemaFetcher retrieves the schema of one subgraph and records the poll
// outcome on the descriptor.
type SchemaFetcher interface {
	FetchSchema(ctx context.Context, d *registry.Descriptor) (*composition.SchemaDocument, error)
}

type Option func(p *Poller)

type Poller struct {
	registry *registry.Registry
	fetcher  SchemaFetcher
	logger   *zap.Logger
	metrics  metric.Store

	pollInterval     time.Duration
	pollJitter       time.Duration
	failureThreshold int64

	active atomic.Pointer[composition.Supergraph]

	pollerMu sync.Mutex
	poller   controlplane.Poller

	// mu serializes refreshes and guards lastKnownGood
	mu            sync.Mutex
	lastKnownGood map[string]*composition.SchemaDocument

	excludedMu sync.RWMutex
	excluded   map[string]struct{}
}

func New(reg *registry.Registry, fetcher SchemaFetcher, opts ...Option) *Poller {
	p := &Poller{
		registry:         reg,
		fetcher:          fetcher,
		logger:           zap.NewNop(),
		metrics:          metric.NoopMetrics{},
		pollInterval:     10 * time.Second,
		pollJitter:       time.Second,
		failureThreshold: 3,
		lastKnownGood:    map[string]*composition.SchemaDocument{},
		excluded:         map[string]struct{}{},
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger = p.logger.With(zap.String("component", "schema_poller"))

	return p
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

func WithPollInterval(interval, maxJitter time.Duration) Option {
	return func(p *Poller) {
		p.pollInterval = interval
		p.pollJitter = maxJitter
	}
}

// WithFailureThreshold sets the number of consecutive failed polls after which
// a subgraph is excluded from composition.
func WithFailureThreshold(threshold int) Option {
	return func(p *Poller) {
		p.failureThreshold = int64(threshold)
	}
}

func WithMetrics(store metric.Store) Option {
	return func(p *Poller) {
		p.metrics = store
	}
}

// Active returns the supergraph used for new requests or nil before the first
// successful composition. A request holds on to the returned value for its
// whole lifetime.
func (p *Poller) Active() *composition.Supergraph {
	return p.active.Load()
}

func (p *Poller) Composed() bool {
	return p.active.Load() != nil
}

// Excluded reports whether the subgraph was left out of the latest composition attempt.
func (p *Poller) Excluded(subgraph string) bool {
	p.excludedMu.RLock()
	defer p.excludedMu.RUnlock()
	_, ok := p.excluded[subgraph]
	return ok
}

// Bootstrap performs the first composition synchronously.
func (p *Poller) Bootstrap(ctx context.Context) (*composition.Supergraph, error) {
	if _, err := p.Refresh(ctx); err != nil {
		return nil, err
	}
	return p.Active(), nil
}

// Subscribe starts the background refresh loop. Failed refreshes are logged
// and the previous supergraph stays active.
func (p *Poller) Subscribe(ctx context.Context) {
	p.pollerMu.Lock()
	defer p.pollerMu.Unlock()

	p.poller = controlplane.NewPoll(p.pollInterval, p.pollJitter)
	p.poller.Subscribe(ctx, func(ctx context.Context) {
		if _, err := p.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Failed to refresh supergraph, keeping the active one",
				zap.Bool("composed", p.Composed()),
				zap.Error(err),
			)
		}
	})
}

func (p *Poller) Stop() error {
	p.pollerMu.Lock()
	defer p.pollerMu.Unlock()

	if p.poller == nil {
		return nil
	}
	return p.poller.Stop()
}

// Refresh fetches every subgraph schema, recomposes and swaps the active
// supergraph. It reports whether a new supergraph was activated.
func (p *Poller) Refresh(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subgraphs := p.registry.Subgraphs()
	docs := make([]*composition.SchemaDocument, len(subgraphs))
	errs := make([]error, len(subgraphs))

	var g errgroup.Group
	for i, d := range subgraphs {
		i, d := i, d
		g.Go(func() error {
			docs[i], errs[i] = p.fetcher.FetchSchema(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	inputs := make([]composition.Subgraph, 0, len(subgraphs))
	versions := make(map[string]string, len(subgraphs))
	excluded := map[string]struct{}{}

	for i, d := range subgraphs {
		doc := docs[i]
		if errs[i] != nil {
			doc = nil
			failures := d.ConsecutiveFailureCount()
			if last, ok := p.lastKnownGood[d.Name]; ok && failures < p.failureThreshold {
				doc = last
				p.logger.Warn("Using last known schema of failing subgraph",
					zap.String("subgraph_name", d.Name),
					zap.Int64("consecutive_failures", failures),
					zap.Int64("failure_threshold", p.failureThreshold),
				)
			}
		} else {
			p.lastKnownGood[d.Name] = doc
		}

		if doc == nil {
			excluded[d.Name] = struct{}{}
			continue
		}

		inputs = append(inputs, composition.Subgraph{
			Name:       d.Name,
			RoutingURL: d.RoutingURL,
			Document:   doc,
		})
		versions[d.Name] = doc.Hash
	}

	p.setExcluded(excluded)

	if len(inputs) == 0 {
		p.metrics.MeasureComposition(metric.ResultError, time.Time{})
		return false, ErrNoSchemas
	}

	if current := p.active.Load(); current != nil && current.SameSources(versions) {
		p.logger.Debug("Subgraph schemas have not changed, skipping composition")
		return false, nil
	}

	// types owned by an excluded subgraph leave the supergraph with their extensions
	if len(excluded) > 0 {
		var dropped []string
		inputs, dropped = composition.PruneOrphans(inputs)
		if len(dropped) > 0 {
			p.logger.Warn("Dropping types without owner after exclusion",
				zap.Strings("types", dropped),
				zap.Strings("excluded_subgraphs", sortedNames(excluded)),
			)
		}
	}

	sg, err := composition.Compose(inputs)
	if err != nil {
		p.metrics.MeasureComposition(metric.ResultError, time.Time{})
		return false, err
	}

	p.active.Store(sg)
	p.metrics.MeasureComposition(metric.ResultSuccess, sg.ComposedAt)

	p.logger.Info("Activated new supergraph",
		zap.Strings("subgraphs", sortedNames(versions)),
		zap.Strings("excluded_subgraphs", sortedNames(excluded)),
	)

	return true, nil
}

func (p *Poller) setExcluded(excluded map[string]struct{}) {
	p.excludedMu.Lock()
	defer p.excludedMu.Unlock()

	for name := range excluded {
		if _, ok := p.excluded[name]; !ok {
			p.logger.Warn("Excluding subgraph from composition", zap.String("subgraph_name", name))
		}
	}
	p.excluded = excluded
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
