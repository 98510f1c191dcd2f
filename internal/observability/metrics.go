package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the sync
// engine.
type Metrics struct {
	SyncRuns      *prometheus.CounterVec // labels: source={incident,weather,unitlegend}, outcome={success,skipped,error}
	FetchDuration *prometheus.HistogramVec
	FetchFailures *prometheus.CounterVec // labels: endpoint={primary,fallback}
	DecryptErrors prometheus.Counter

	IncidentsCreated prometheus.Counter
	IncidentsUpdated prometheus.Counter
	IncidentsSkipped prometheus.Counter
	IncidentsGrouped prometheus.Counter
	StaleClosed      prometheus.Counter

	ConflictRetries prometheus.Counter
	LockRejections  prometheus.Counter
	SyncRunning     prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch_sync",
			Name:      "runs_total",
			Help:      "Sync runs by source type and outcome.",
		}, []string{"source", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch_sync",
			Name:      "fetch_duration_seconds",
			Help:      "Upstream feed request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch_sync",
			Name:      "fetch_failures_total",
			Help:      "Feed fetch failures by endpoint.",
		}, []string{"endpoint"}),
		DecryptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_sync",
			Name:      "decrypt_errors_total",
			Help:      "Envelope decryption failures.",
		}),
		IncidentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_sync",
			Name:      "incidents_created_total",
			Help:      "Incidents created by reconciliation.",
		}),
		IncidentsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_sync",
			Name:      "incidents_updated_total",
			Help:      "Incidents updated by reconciliation.",
		}),
		IncidentsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_sync",
			Name:      "incidents_skipped_total",
			Help:      "Incidents skipped as unchanged.",
		}),
		IncidentsGrouped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_sync",
			Name:      "incidents_grouped_total",
			Help:      "Incidents attached to a group during reconciliation.",
		}),
		StaleClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_sync",
			Name:      "stale_closed_total",
			Help:      "Active incidents closed by the staleness sweep.",
		}),
		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_sync",
			Name:      "conflict_retries_total",
			Help:      "Write retries after optimistic-concurrency conflicts.",
		}),
		LockRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_sync",
			Name:      "lock_rejections_total",
			Help:      "Sync attempts rejected by the per-tenant lock or rate limit.",
		}),
		SyncRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch_sync",
			Name:      "running",
			Help:      "1 while a sync pass is active, 0 otherwise.",
		}),
	}
}

// NewMetrics creates and registers all sync metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.SyncRuns,
		m.FetchDuration,
		m.FetchFailures,
		m.DecryptErrors,
		m.IncidentsCreated,
		m.IncidentsUpdated,
		m.IncidentsSkipped,
		m.IncidentsGrouped,
		m.StaleClosed,
		m.ConflictRetries,
		m.LockRejections,
		m.SyncRunning,
	)
	return m
}

// NewMetricsForTesting creates Metrics with no registry registration to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
