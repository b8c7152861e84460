package router

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the router's Prometheus collectors, named per SPEC_FULL's
// domain-stack table (jervis_router_*).
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	ActiveRequests   *prometheus.GaugeVec
	BackendHealthy   *prometheus.GaugeVec
	ReservationActive prometheus.Gauge
}

// NewMetrics constructs and registers the router's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jervis_router_requests_total",
			Help: "Total inference requests routed, by backend, priority, and outcome.",
		}, []string{"backend", "priority", "outcome"}),
		ActiveRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jervis_router_active_requests",
			Help: "Currently in-flight requests per backend.",
		}, []string{"backend"}),
		BackendHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jervis_router_backend_healthy",
			Help: "1 if the backend is currently healthy, else 0.",
		}, []string{"backend"}),
		ReservationActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jervis_router_reservation_active",
			Help: "1 if an orchestrator GPU reservation is currently held.",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.ActiveRequests, m.BackendHealthy, m.ReservationActive)
	return m
}

// Observe updates the gauge collectors from current registry state. Called
// on a ticker or after each routing decision.
func (m *Metrics) Observe(registry *Registry) {
	for _, b := range registry.AllBackends() {
		m.ActiveRequests.WithLabelValues(b.Name).Set(float64(b.ActiveCount()))
		healthy := 0.0
		if b.Healthy {
			healthy = 1.0
		}
		m.BackendHealthy.WithLabelValues(b.Name).Set(healthy)
	}
	if registry.Reservation() != nil {
		m.ReservationActive.Set(1)
	} else {
		m.ReservationActive.Set(0)
	}
}

// RecordRequest increments the outcome counter for one routed request.
func (m *Metrics) RecordRequest(backend string, priority Priority, outcome string) {
	m.RequestsTotal.WithLabelValues(backend, string(priority), outcome).Inc()
}
