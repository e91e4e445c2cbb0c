// Package registry holds the set of backend subgraphs the gateway federates.
// The set is fixed at startup. Per-subgraph poll and probe state is mutated
// concurrently through atomics and never requires a registry-wide lock.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"go.uber.org/atomic"
)

var (
	ErrEmptyRegistry = errors.New("no subgraphs configured")
	ErrDuplicateName = errors.New("duplicate subgraph name")
	ErrInvalidURL    = errors.New("invalid subgraph url")
)

// Subgraph is the static part of a subgraph definition, usually taken from the config file.
type Subgraph struct {
	Name       string
	RoutingURL string
	// HealthURL defaults to <routing url origin>/health
	HealthURL string
	// Timeout bounds every call made to this subgraph. Zero means the caller default.
	Timeout time.Duration
}

// Descriptor describes one registered subgraph together with its poll state.
type Descriptor struct {
	Name       string
	RoutingURL string
	HealthURL  string
	Timeout    time.Duration

	lastKnownSchemaHash atomic.String
	lastPoll            atomic.Time
	consecutiveFailures atomic.Int64

	reachable atomic.Bool
	lastProbe atomic.Time
}

// LastKnownSchemaHash returns the hash of the last schema fetched successfully
// or an empty string if none was ever fetched.
func (d *Descriptor) LastKnownSchemaHash() string {
	return d.lastKnownSchemaHash.Load()
}

func (d *Descriptor) LastPollTimestamp() time.Time {
	return d.lastPoll.Load()
}

func (d *Descriptor) ConsecutiveFailureCount() int64 {
	return d.consecutiveFailures.Load()
}

// RecordPollSuccess resets the failure counter and remembers the schema hash.
func (d *Descriptor) RecordPollSuccess(schemaHash string, at time.Time) {
	d.lastPoll.Store(at)
	d.lastKnownSchemaHash.Store(schemaHash)
	d.consecutiveFailures.Store(0)
}

// RecordPollFailure increments the failure counter and returns the new value.
func (d *Descriptor) RecordPollFailure(at time.Time) int64 {
	d.lastPoll.Store(at)
	return d.consecutiveFailures.Inc()
}

// RecordProbe stores the outcome of the latest health probe. The consecutive
// failure count is left to schema polls, which alone decide exclusion.
func (d *Descriptor) RecordProbe(reachable bool, at time.Time) {
	d.reachable.Store(reachable)
	d.lastProbe.Store(at)
}

// Reachable reports the outcome of the latest health probe.
func (d *Descriptor) Reachable() bool {
	return d.reachable.Load()
}

func (d *Descriptor) LastProbeTimestamp() time.Time {
	return d.lastProbe.Load()
}

type Registry struct {
	subgraphs []*Descriptor
	byName    map[string]*Descriptor
}

// New validates the subgraph definitions and builds the registry.
// An empty list, duplicate names or non http(s) urls are rejected.
func New(subgraphs []Subgraph) (*Registry, error) {
	if len(subgraphs) == 0 {
		return nil, ErrEmptyRegistry
	}

	r := &Registry{
		subgraphs: make([]*Descriptor, 0, len(subgraphs)),
		byName:    make(map[string]*Descriptor, len(subgraphs)),
	}

	for _, sg := range subgraphs {
		if sg.Name == "" {
			return nil, fmt.Errorf("subgraph with routing url %q has no name", sg.RoutingURL)
		}
		if _, ok := r.byName[sg.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, sg.Name)
		}
		routingURL, err := parseHTTPURL(sg.RoutingURL)
		if err != nil {
			return nil, fmt.Errorf("%w: subgraph %s routing url: %w", ErrInvalidURL, sg.Name, err)
		}
		healthURL := sg.HealthURL
		if healthURL == "" {
			healthURL = DefaultHealthURL(routingURL)
		} else if _, err := parseHTTPURL(healthURL); err != nil {
			return nil, fmt.Errorf("%w: subgraph %s health url: %w", ErrInvalidURL, sg.Name, err)
		}
		if sg.Timeout < 0 {
			return nil, fmt.Errorf("subgraph %s: negative timeout", sg.Name)
		}

		d := &Descriptor{
			Name:       sg.Name,
			RoutingURL: sg.RoutingURL,
			HealthURL:  healthURL,
			Timeout:    sg.Timeout,
		}
		r.subgraphs = append(r.subgraphs, d)
		r.byName[sg.Name] = d
	}

	sort.SliceStable(r.subgraphs, func(i, j int) bool {
		return r.subgraphs[i].Name < r.subgraphs[j].Name
	})

	return r, nil
}

// Subgraphs returns all descriptors ordered by name.
func (r *Registry) Subgraphs() []*Descriptor {
	out := make([]*Descriptor, len(r.subgraphs))
	copy(out, r.subgraphs)
	return out
}

func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.subgraphs))
	for _, d := range r.subgraphs {
		names = append(names, d.Name)
	}
	return names
}

func (r *Registry) Len() int {
	return len(r.subgraphs)
}

// RoutingURLs maps subgraph names to their routing url.
func (r *Registry) RoutingURLs() map[string]string {
	out := make(map[string]string, len(r.subgraphs))
	for _, d := range r.subgraphs {
		out[d.Name] = d.RoutingURL
	}
	return out
}

// DefaultHealthURL derives the health endpoint from the origin of the routing url.
func DefaultHealthURL(routingURL *url.URL) string {
	u := url.URL{
		Scheme: routingURL.Scheme,
		Host:   routingURL.Host,
		Path:   "/health",
	}
	return u.String()
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}
