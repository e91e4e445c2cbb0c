package metric

import (
	"time"
)

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Store records the gateway metrics. Components receive a Store and never
// check whether metrics are enabled.
type Store interface {
	MeasureSchemaFetch(subgraph, result string)
	MeasureComposition(result string, composedAt time.Time)
	MeasureSubgraphRequest(subgraph, result string, latency time.Duration)
	SetSubgraphUp(subgraph string, up bool)
	MeasureOperation(operationType, result string)
}

// NoopMetrics is used when metrics are disabled.
type NoopMetrics struct{}

func (NoopMetrics) MeasureSchemaFetch(string, string) {}

func (NoopMetrics) MeasureComposition(string, time.Time) {}

func (NoopMetrics) MeasureSubgraphRequest(string, string, time.Duration) {}

func (NoopMetrics) SetSubgraphUp(string, bool) {}

func (NoopMetrics) MeasureOperation(string, string) {}
