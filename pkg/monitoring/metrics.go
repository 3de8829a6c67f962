// Package monitoring holds the service's prometheus instrumentation.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the pipeline reports into. A fresh
// registry per instance keeps tests independent of global state.
type Metrics struct {
	Registry *prometheus.Registry

	DocumentsProcessed *prometheus.CounterVec
	ChunksIndexed      prometheus.Counter
	ChunksDropped      prometheus.Counter
	IngestionDuration  prometheus.Histogram
	QueueDepth         prometheus.Gauge

	QueriesTotal    *prometheus.CounterVec
	QueryDuration   prometheus.Histogram
	EmbeddingCalls  *prometheus.CounterVec
	GenerationCalls *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		DocumentsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semqa_documents_processed_total",
			Help: "Documents that finished ingestion, by terminal status.",
		}, []string{"status"}),
		ChunksIndexed: factory.NewCounter(prometheus.CounterOpts{
			Name: "semqa_chunks_indexed_total",
			Help: "Chunks written to the vector store.",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "semqa_chunks_dropped_total",
			Help: "Chunks dropped because their embedding failed.",
		}),
		IngestionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "semqa_ingestion_duration_seconds",
			Help:    "Wall time of one document's ingestion unit.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "semqa_ingestion_queue_depth",
			Help: "Documents waiting in the ingestion queue.",
		}),

		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semqa_queries_total",
			Help: "Query outcomes: success, no_results, error.",
		}, []string{"outcome"}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "semqa_query_duration_seconds",
			Help:    "End-to-end query latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		EmbeddingCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semqa_embedding_calls_total",
			Help: "Embedding provider call results.",
		}, []string{"result"}),
		GenerationCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semqa_generation_calls_total",
			Help: "Generative provider call results.",
		}, []string{"result"}),
	}
}
