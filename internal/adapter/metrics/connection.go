package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConnectionMetrics tracks the connection lifecycle across both transports.
type ConnectionMetrics struct {
	Active      *prometheus.GaugeVec
	Connects    *prometheus.CounterVec
	Disconnects *prometheus.CounterVec
	Rejected    *prometheus.CounterVec
}

// NewConnectionMetrics creates and registers connection metrics on the given registry.
func NewConnectionMetrics(reg prometheus.Registerer) *ConnectionMetrics {
	m := &ConnectionMetrics{
		Active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of registered connections, by transport.",
		}, []string{"transport"}),
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "opened_total",
			Help:      "Total number of registered connections, by transport.",
		}, []string{"transport"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "closed_total",
			Help:      "Total number of removed connections, by reason.",
		}, []string{"reason"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "rejected_total",
			Help:      "Total number of connection attempts rejected before registration, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.Active, m.Connects, m.Disconnects, m.Rejected)
	return m
}
