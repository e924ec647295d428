package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"studio/internal/jobs/models"
)

// Processing outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

type Metrics struct {
	Jobs                      *prometheus.GaugeVec
	EventsTotal               *prometheus.CounterVec
	ProcessingDurationSeconds *prometheus.HistogramVec
	StreamClients             prometheus.Gauge
	StreamDroppedTotal        prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Jobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "studio_jobs",
			Help: "Number of jobs currently held by the queue by status",
		}, []string{"status"}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_job_events_total",
			Help: "Total number of queue events emitted by type",
		}, []string{"type"}),
		ProcessingDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_job_processing_duration_seconds",
			Help:    "Time spent generating a job by job type and outcome",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"type", "outcome"}),
		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "studio_job_stream_clients",
			Help: "Number of connected job event stream clients",
		}),
		StreamDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "studio_job_stream_dropped_total",
			Help: "Total number of stream clients disconnected for falling behind",
		}),
	}
}

// StatsSource is the read side of the queue.
type StatsSource interface {
	Stats() map[models.Status]int
}

// Observe returns a listener that counts events and refreshes the per-status
// gauge from src. Register it for models.EventAll.
func (m *Metrics) Observe(src StatsSource) func(models.Event) {
	return func(ev models.Event) {
		m.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
		m.SetStatusCounts(src.Stats())
	}
}

func (m *Metrics) SetStatusCounts(stats map[models.Status]int) {
	for _, s := range models.Statuses {
		m.Jobs.WithLabelValues(string(s)).Set(float64(stats[s]))
	}
}

func (m *Metrics) ObserveProcessing(jobType models.Type, outcome string, d time.Duration) {
	m.ProcessingDurationSeconds.WithLabelValues(string(jobType), outcome).Observe(d.Seconds())
}
