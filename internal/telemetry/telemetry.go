// Package telemetry exposes Prometheus instruments for collection runs and
// the read cache. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metrics_engine"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	metricFailures *prometheus.CounterVec
	snapshots      prometheus.Counter
	cacheRequests  *prometheus.CounterVec
}

// New creates and registers every instrument, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_runs_total",
			Help:      "Collection runs by final status and trigger.",
		}, []string{"status", "trigger"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_run_duration_seconds",
			Help:      "Wall time of a single-date collection run.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		metricFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_failures_total",
			Help:      "Metrics that could not be computed or written.",
		}, []string{"metric_type", "metric_category"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_written_total",
			Help:      "Daily snapshots upserted.",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Read cache lookups by operation and result (hit, miss, error).",
		}, []string{"operation", "result"}),
	}
	m.registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.metricFailures,
		m.snapshots,
		m.cacheRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun records a finalized collection run.
func (m *Metrics) ObserveRun(status, trigger string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status, trigger).Inc()
	m.runDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
}

// MetricFailed counts one metric that did not make it into the store.
func (m *Metrics) MetricFailed(metricType, metricCategory string) {
	if m == nil {
		return
	}
	m.metricFailures.WithLabelValues(metricType, metricCategory).Inc()
}

// SnapshotWritten counts one successful upsert.
func (m *Metrics) SnapshotWritten() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// CacheResult counts a cache lookup. result is "hit", "miss" or "error".
func (m *Metrics) CacheResult(operation, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(operation, result).Inc()
}
