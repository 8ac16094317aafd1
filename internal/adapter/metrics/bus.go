package metrics

import "github.com/prometheus/client_golang/prometheus"

// BusMetrics tracks the pub/sub bridge.
type BusMetrics struct {
	SubscribedChannels prometheus.Gauge
	MessagesReceived   prometheus.Counter
	Published          *prometheus.CounterVec
	Reconnects         prometheus.Counter
	TransitionErrors   prometheus.Counter
}

// NewBusMetrics creates and registers bus metrics on the given registry.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		SubscribedChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscribed_channels",
			Help:      "Number of bus channels this instance is subscribed to.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_received_total",
			Help:      "Total number of messages received from the bus.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Total number of publish attempts, by result.",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Total number of bus subscription reconnects.",
		}),
		TransitionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "transition_errors_total",
			Help:      "Total number of subscribe/unsubscribe calls the bus rejected; reconcile repairs them.",
		}),
	}

	reg.MustRegister(m.SubscribedChannels, m.MessagesReceived, m.Published, m.Reconnects, m.TransitionErrors)
	return m
}
