// Package metrics defines the Prometheus metric collectors used across the
// server and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the server.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter

	UpdatesEnqueuedTotal  *prometheus.CounterVec
	UpdatesFinishedTotal  *prometheus.CounterVec
	UpdateDuration        *prometheus.HistogramVec
	UpdatesRecoveredTotal *prometheus.CounterVec
	QueueDepth            prometheus.Gauge
	SchedulerHalted       prometheus.Gauge
	SchedulerPaused       prometheus.Gauge
	DocsIndexedTotal      prometheus.Counter
	DocsDeletedTotal      prometheus.Counter
	Indexes               prometheus.Gauge

	SnapshotsTotal      *prometheus.CounterVec
	SnapshotDuration    prometheus.Histogram
	NotificationsTotal  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. A nil reg uses the
// default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		UpdatesEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "updates_enqueued_total",
				Help: "Total updates enqueued by type.",
			},
			[]string{"type"},
		),
		UpdatesFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "updates_finished_total",
				Help: "Total updates reaching a terminal status by type and status.",
			},
			[]string{"type", "status"},
		),
		UpdateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "update_duration_seconds",
				Help:    "Time spent processing one update.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"type"},
		),
		UpdatesRecoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "updates_recovered_total",
				Help: "Updates found processing at startup, by recovery decision.",
			},
			[]string{"decision"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "update_queue_depth",
				Help: "Number of enqueued updates waiting for the processor.",
			},
		),
		SchedulerHalted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_halted",
				Help: "1 when the update processor stopped on a storage error.",
			},
		),
		SchedulerPaused: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_paused",
				Help: "1 while a snapshot holds the processor.",
			},
		),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_indexed_total",
				Help: "Total documents indexed.",
			},
		),
		DocsDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_deleted_total",
				Help: "Total documents deleted.",
			},
		),
		Indexes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexes",
				Help: "Number of registered indexes.",
			},
		),
		SnapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshots_total",
				Help: "Snapshot operations by kind (create, restore) and status.",
			},
			[]string{"kind", "status"},
		),
		SnapshotDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "snapshot_duration_seconds",
				Help:    "Time spent creating a snapshot.",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "Update events delivered to sinks by sink and status.",
			},
			[]string{"sink", "status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.UpdatesEnqueuedTotal,
		m.UpdatesFinishedTotal,
		m.UpdateDuration,
		m.UpdatesRecoveredTotal,
		m.QueueDepth,
		m.SchedulerHalted,
		m.SchedulerPaused,
		m.DocsIndexedTotal,
		m.DocsDeletedTotal,
		m.Indexes,
		m.SnapshotsTotal,
		m.SnapshotDuration,
		m.NotificationsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// NewNop creates collectors registered with a private registry. Used by tests
// and by components running without a metrics endpoint.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
