package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the extraction engine.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PageCacheTotal  *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
}

// NewMetrics constructs the engine metrics and registers them on reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the extraction engine.",
		},
		[]string{"store", "phase"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for extraction engine requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store", "phase"},
	)
	pageCache := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_initial_page_cache_total",
			Help: "Initial page cache lookups by outcome.",
		},
		[]string{"store", "outcome"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of transport retries.",
		},
		[]string{"store"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of extraction errors by type.",
		},
		[]string{"store", "error_type"},
	)

	if reg != nil {
		reg.MustRegister(requests, requestDuration, pageCache, retries, errorsTotal)
	}

	return &Metrics{
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		PageCacheTotal:  pageCache,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(store, phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(store, phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(store, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(store, phase).Observe(d.Seconds())
}

// IncPageCache counts an initial page cache hit or miss.
func (m *Metrics) IncPageCache(store string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.PageCacheTotal.WithLabelValues(store, outcome).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries(store string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(store).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(store, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(store, errorType).Inc()
}
