// Package metrics exposes the pipeline's Prometheus collectors on a private registry.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ragindex/internal/domain"
)

const namespace = "ragindex"

// Metrics groups the collectors recorded by ingestion and search.
type Metrics struct {
	registry *prom.Registry

	Ingestions     *prom.CounterVec
	EmbedDuration  prom.Histogram
	EmbedFailures  *prom.CounterVec
	ChunksStored   prom.Counter
	SearchDuration prom.Histogram
	QueryCacheHits prom.Counter
	QueryCacheMiss prom.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prom.NewRegistry(),
		Ingestions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Ingestion attempts by terminal state.",
		}, []string{"state"}),
		EmbedDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "embed_call_duration_seconds",
			Help:      "Latency of single embedding calls.",
			Buckets:   prom.ExponentialBuckets(0.005, 2, 12),
		}),
		EmbedFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "embed_call_failures_total",
			Help:      "Failed embedding calls by error class.",
		}, []string{"class"}),
		ChunksStored: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_stored_total",
			Help:      "Chunks written to the store.",
		}),
		SearchDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "End-to-end latency of similarity searches.",
			Buckets:   prom.DefBuckets,
		}),
		QueryCacheHits: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_hits_total",
			Help:      "Query vectors served from the cache.",
		}),
		QueryCacheMiss: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_misses_total",
			Help:      "Query vectors that had to be embedded.",
		}),
	}
	m.registry.MustRegister(
		m.Ingestions, m.EmbedDuration, m.EmbedFailures, m.ChunksStored,
		m.SearchDuration, m.QueryCacheHits, m.QueryCacheMiss,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prom.Registry { return m.registry }

// ObserveEmbed records one embedding call. It matches the coordinator's Observe hook.
func (m *Metrics) ObserveEmbed(d time.Duration, err error) {
	m.EmbedDuration.Observe(d.Seconds())
	if err != nil {
		m.EmbedFailures.WithLabelValues(ErrorClass(err)).Inc()
	}
}

// ErrorClass maps err onto a low-cardinality label value.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, domain.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrCanceled):
		return "canceled"
	default:
		return "other"
	}
}

// WriteTextfile dumps the registry in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prom.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
