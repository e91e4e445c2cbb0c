package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

type PromMetricStore struct {
	schemaFetches     *prometheus.CounterVec
	compositions      *prometheus.CounterVec
	composedTimestamp prometheus.Gauge
	subgraphLatency   *prometheus.HistogramVec
	subgraphUp        *prometheus.GaugeVec
	operations        *prometheus.CounterVec
}

// NewPromMetricStore creates the collectors and registers them with the registerer.
func NewPromMetricStore(registerer prometheus.Registerer) (*PromMetricStore, error) {
	s := &PromMetricStore{
		schemaFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subgraph",
			Name:      "schema_fetch_total",
			Help:      "Total number of subgraph schema fetches",
		}, []string{"subgraph", "result"}),
		compositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composition_total",
			Help:      "Total number of supergraph compositions",
		}, []string{"result"}),
		composedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supergraph_composed_timestamp_seconds",
			Help:      "Unix time of the last successful composition",
		}),
		subgraphLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subgraph",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests sent to subgraphs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subgraph", "result"}),
		subgraphUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subgraph",
			Name:      "up",
			Help:      "Whether the latest health probe of the subgraph succeeded",
		}, []string{"subgraph"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of client operations",
		}, []string{"type", "result"}),
	}

	for _, c := range []prometheus.Collector{
		s.schemaFetches,
		s.compositions,
		s.composedTimestamp,
		s.subgraphLatency,
		s.subgraphUp,
		s.operations,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *PromMetricStore) MeasureSchemaFetch(subgraph, result string) {
	s.schemaFetches.WithLabelValues(subgraph, result).Inc()
}

func (s *PromMetricStore) MeasureComposition(result string, composedAt time.Time) {
	s.compositions.WithLabelValues(result).Inc()
	if result == ResultSuccess {
		s.composedTimestamp.Set(float64(composedAt.Unix()))
	}
}

func (s *PromMetricStore) MeasureSubgraphRequest(subgraph, result string, latency time.Duration) {
	s.subgraphLatency.WithLabelValues(subgraph, result).Observe(latency.Seconds())
}

func (s *PromMetricStore) SetSubgraphUp(subgraph string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	s.subgraphUp.WithLabelValues(subgraph).Set(v)
}

func (s *PromMetricStore) MeasureOperation(operationType, result string) {
	s.operations.WithLabelValues(operationType, result).Inc()
}
