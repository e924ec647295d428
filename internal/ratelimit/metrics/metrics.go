package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Check outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
	OutcomeError    = "error"
)

type Metrics struct {
	ChecksTotal            *prometheus.CounterVec
	CleanupRunsTotal       *prometheus.CounterVec
	CleanupRemovedTotal    prometheus.Counter
	CleanupDurationSeconds prometheus.Histogram
	ActiveKeys             prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_ratelimit_checks_total",
			Help: "Total number of rate limit checks by policy and outcome",
		}, []string{"policy", "outcome"}),
		CleanupRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_ratelimit_cleanup_runs_total",
			Help: "Total number of cleanup runs",
		}, []string{"status"}),
		CleanupRemovedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "studio_ratelimit_cleanup_removed_total",
			Help: "Total number of expired rate limit entries removed by the cleanup worker",
		}),
		CleanupDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name: "studio_ratelimit_cleanup_duration_seconds",
			Help: "Duration of cleanup runs in seconds",
		}),
		ActiveKeys: f.NewGauge(prometheus.GaugeOpts{
			Name: "studio_ratelimit_active_keys",
			Help: "Number of rate limit keys currently tracked in memory",
		}),
	}
}

func (m *Metrics) IncrementCheck(policy, outcome string) {
	m.ChecksTotal.WithLabelValues(policy, outcome).Inc()
}

func (m *Metrics) IncrementCleanupRuns(status string) {
	m.CleanupRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncrementCleanupRemoved(count int) {
	m.CleanupRemovedTotal.Add(float64(count))
}

func (m *Metrics) ObserveCleanupDuration(durationSeconds float64) {
	m.CleanupDurationSeconds.Observe(durationSeconds)
}

func (m *Metrics) SetActiveKeys(count int) {
	m.ActiveKeys.Set(float64(count))
}
