package service

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts item lookups by how they were served.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
}

// NewMetrics registers the service metrics on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "service_item_requests_total",
			Help: "Item lookups by outcome: hit, scraped, joined, rescrape, invalid or error.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal)
	}
	return m
}

func (m *Metrics) request(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}
