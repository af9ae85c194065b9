// Package metrics exposes Prometheus instrumentation for the graph store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation outcomes used for the status label.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Collector groups the graph store metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	// Operations counts graph store calls by operation and outcome.
	Operations *prometheus.CounterVec

	// Duration measures call latency. Buckets run from a cached in-memory
	// read to a large bulk ingest.
	Duration *prometheus.HistogramVec

	// EdgesIngested counts edges written by bulk ingests.
	EdgesIngested prometheus.Counter

	// AdjacencyWrites counts adjacency records written.
	AdjacencyWrites prometheus.Counter

	// Corruptions counts records that failed to decode.
	Corruptions prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphkv_operations_total",
				Help: "Total number of graph store operations",
			},
			[]string{"op", "status"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graphkv_operation_duration_seconds",
				Help:    "Duration of graph store operations in seconds",
				Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"op"},
		),
		EdgesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "graphkv_bulk_edges_ingested_total",
			Help: "Total number of edges written through bulk ingest",
		}),
		AdjacencyWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "graphkv_adjacency_writes_total",
			Help: "Total number of adjacency records written",
		}),
		Corruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "graphkv_corrupt_records_total",
			Help: "Total number of stored records that failed to decode",
		}),
	}
}

// Observe records one call of op that started at start.
func (c *Collector) Observe(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	c.Operations.WithLabelValues(op, status).Inc()
	c.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Collector) AddEdgesIngested(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.EdgesIngested.Add(float64(n))
}

func (c *Collector) AddAdjacencyWrites(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.AdjacencyWrites.Add(float64(n))
}

func (c *Collector) IncCorruption() {
	if c == nil {
		return
	}
	c.Corruptions.Inc()
}
