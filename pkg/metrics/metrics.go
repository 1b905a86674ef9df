// Package metrics exposes Prometheus instrumentation for the transaction
// engine, CAS, resolver and conversion pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CAS metrics

	CASObjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conary_cas_objects_total",
			Help: "Total number of distinct objects in the content-addressed store",
		},
	)

	CASStoreTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conary_cas_store_total",
			Help: "Total number of CAS store operations by outcome",
		},
		[]string{"outcome"}, // "new", "deduped", "error"
	)

	CASLinkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conary_cas_link_total",
			Help: "Total number of CAS materializations by strategy",
		},
		[]string{"strategy"}, // "hardlink", "copy"
	)

	// Transaction engine metrics

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conary_transactions_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"}, // "applied", "aborted", "rolled_back"
	)

	TransactionPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conary_transaction_phase_duration_seconds",
			Help:    "Duration of a transaction phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	JournalsRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conary_journals_recovered_total",
			Help: "Total number of orphaned journals recovered on startup",
		},
	)

	// Resolver metrics

	ResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conary_resolve_duration_seconds",
			Help:    "Duration of resolver plan computation",
			Buckets: prometheus.DefBuckets,
		},
	)

	ResolveConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conary_resolve_conflicts_total",
			Help: "Total number of resolver conflicts by kind",
		},
		[]string{"kind"},
	)

	// Conversion pipeline metrics

	ConversionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conary_conversions_total",
			Help: "Total number of package conversions by source format and outcome",
		},
		[]string{"format", "outcome"}, // outcome: "converted", "deduped", "error"
	)

	ConversionFidelity = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conary_conversion_fidelity_total",
			Help: "Total number of conversions by resulting fidelity level",
		},
		[]string{"fidelity"},
	)

	ConversionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conary_conversion_duration_seconds",
			Help:    "Duration of a package conversion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"format"},
	)

	// Hook executor metrics

	HooksAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conary_hooks_applied_total",
			Help: "Total number of hooks applied by kind and phase",
		},
		[]string{"kind", "phase"},
	)

	HookFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conary_hook_failures_total",
			Help: "Total number of hook failures by kind and phase",
		},
		[]string{"kind", "phase"},
	)

	// Repository sync metrics

	RepoSyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conary_repo_sync_duration_seconds",
			Help:    "Duration of a repository sync",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"repository"},
	)

	RepoSyncPackagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conary_repo_sync_packages_total",
			Help: "Number of packages known from the last successful sync",
		},
		[]string{"repository"},
	)

	// Adoption metrics

	AdoptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conary_adopt_duration_seconds",
			Help:    "Duration of a full adoption scan",
			Buckets: prometheus.DefBuckets,
		},
	)

	AdoptedPackagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conary_adopted_packages_total",
			Help: "Total number of packages processed by adoption, by mode and outcome",
		},
		[]string{"mode", "outcome"}, // mode: "track"/"full"; outcome: "adopted"/"skipped"/"error"
	)
)

func init() {
	prometheus.MustRegister(
		CASObjectsTotal,
		CASStoreTotal,
		CASLinkTotal,
		TransactionsTotal,
		TransactionPhaseDuration,
		JournalsRecoveredTotal,
		ResolveDuration,
		ResolveConflictsTotal,
		ConversionsTotal,
		ConversionFidelity,
		ConversionDuration,
		HooksAppliedTotal,
		HookFailuresTotal,
		RepoSyncDuration,
		RepoSyncPackagesTotal,
		AdoptDuration,
		AdoptedPackagesTotal,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
