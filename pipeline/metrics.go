package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aluiziolira/go-price-scout/models"
)

// Metrics bundles Prometheus collectors for the job runner.
type Metrics struct {
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	QueueWait   *prometheus.HistogramVec
	QueueDepth  *prometheus.GaugeVec
}

// NewMetrics constructs the runner metrics and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_jobs_total",
			Help: "Finished scrape jobs by priority and outcome.",
		}, []string{"priority", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runner_job_duration_seconds",
			Help:    "Time spent running a scrape job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"priority"}),
		QueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runner_queue_wait_seconds",
			Help:    "Time a job spent queued before a worker picked it up.",
			Buckets: prometheus.DefBuckets,
		}, []string{"priority"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runner_queue_depth",
			Help: "Jobs waiting in each priority lane.",
		}, []string{"priority"}),
	}
	if reg != nil {
		reg.MustRegister(m.JobsTotal, m.JobDuration, m.QueueWait, m.QueueDepth)
	}
	return m
}

func (m *Metrics) enqueued(p models.Priority) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(p.String()).Inc()
}

func (m *Metrics) dequeued(p models.Priority, waited time.Duration) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(p.String()).Dec()
	m.QueueWait.WithLabelValues(p.String()).Observe(waited.Seconds())
}

func (m *Metrics) finished(p models.Priority, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(p.String(), outcome).Inc()
	m.JobDuration.WithLabelValues(p.String()).Observe(d.Seconds())
}
