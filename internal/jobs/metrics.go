package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	backfill   *prometheus.CounterVec
	violations prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveBackfill adds the outcome counts of one backfill run.
func (m *Metrics) ObserveBackfill(class string, created, corrected, skipped, failed int) {
	if m == nil {
		return
	}
	add := func(outcome string, n int) {
		if n > 0 {
			m.backfill.WithLabelValues(class, outcome).Add(float64(n))
		}
	}
	add("created", created)
	add("corrected", corrected)
	add("skipped", skipped)
	add("failed", failed)
}

// AddIntegrityViolations counts accounts whose stored balances disagree with
// a recomputation.
func (m *Metrics) AddIntegrityViolations(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.violations.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	backfill := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_backfill_documents_total",
		Help: "Documents reconciled by backfill runs grouped by class and outcome.",
	}, []string{"class", "outcome"})
	violations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_integrity_violations_total",
		Help: "Accounts found with running balances that disagree with a recomputation.",
	})
	registerer.MustRegister(runs, failures, duration, backfill, violations)
	return &Metrics{runs: runs, failures: failures, duration: duration, backfill: backfill, violations: violations}
}
