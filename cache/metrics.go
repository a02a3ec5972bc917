package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles Prometheus collectors for the coordination layer.
type Metrics struct {
	ReadsTotal          *prometheus.CounterVec
	LocksTotal          *prometheus.CounterVec
	WaitsTotal          *prometheus.CounterVec
	ActiveWaiters       prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
}

// NewMetrics constructs the coordinator metrics and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_store_reads_total",
			Help: "Store cache entry reads by outcome.",
		}, []string{"outcome"}),
		LocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_scrape_locks_total",
			Help: "Scrape lock acquisition attempts by result.",
		}, []string{"result"}),
		WaitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_waits_total",
			Help: "Completion waits by how they ended.",
		}, []string{"outcome"}),
		ActiveWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_active_waiters",
			Help: "Callers currently blocked in WaitForCompletion.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_active_subscriptions",
			Help: "Open per-item keyspace subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ReadsTotal, m.LocksTotal, m.WaitsTotal, m.ActiveWaiters, m.ActiveSubscriptions)
	}
	return m
}

func (m *Metrics) read(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ReadsTotal.WithLabelValues("hit").Inc()
		return
	}
	m.ReadsTotal.WithLabelValues("miss").Inc()
}

func (m *Metrics) lock(result string) {
	if m == nil {
		return
	}
	m.LocksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) wait(outcome string) {
	if m == nil {
		return
	}
	m.WaitsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) waiters(delta float64) {
	if m == nil {
		return
	}
	m.ActiveWaiters.Add(delta)
}

func (m *Metrics) subscriptions(delta float64) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Add(delta)
}
