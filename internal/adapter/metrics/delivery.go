package metrics

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons used as label values on DeliveryMetrics.Dropped.
const (
	DropRateLimited = "rate_limited"
	DropBufferFull  = "buffer_full"
	DropClosed      = "closed"
)

// DeliveryMetrics tracks fan-out from the bus to local connections.
type DeliveryMetrics struct {
	Routed       prometheus.Counter
	Delivered    prometheus.Counter
	Dropped      *prometheus.CounterVec
	Undecodable  prometheus.Counter
	CommandDepth prometheus.Gauge
}

// NewDeliveryMetrics creates and registers delivery metrics on the given registry.
func NewDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	m := &DeliveryMetrics{
		Routed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "routed_total",
			Help:      "Total number of bus events routed to local connections.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "delivered_total",
			Help:      "Total number of messages handed to a connection.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "dropped_total",
			Help:      "Total number of messages dropped for a single connection, by reason.",
		}, []string{"reason"}),
		Undecodable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "undecodable_total",
			Help:      "Total number of bus payloads that could not be decoded as events.",
		}),
		CommandDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "command_channel_depth",
			Help:      "Number of pending registry commands.",
		}),
	}

	reg.MustRegister(m.Routed, m.Delivered, m.Dropped, m.Undecodable, m.CommandDepth)
	return m
}
