package router

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for message routing.
type Metrics struct {
	MessagesTotal   *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	Redeliveries    *prometheus.CounterVec
	DroppedTotal    *prometheus.CounterVec
	ReconnectsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns router metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_router_messages_total",
			Help: "Messages handled by agent, binding and outcome.",
		}, []string{"agent", "binding", "outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_router_handler_duration_seconds",
			Help:    "Duration of message handlers in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~82s
		}, []string{"agent", "binding"}),
		Redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_router_redeliveries_total",
			Help: "Messages received with a delivery count above one.",
		}, []string{"agent", "binding"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_router_dropped_total",
			Help: "Messages nakked on their final allowed delivery.",
		}, []string{"agent", "binding"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_router_connect_attempts_total",
			Help: "Bus connect attempts by agent and result.",
		}, []string{"agent", "result"}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.HandlerDuration,
		m.Redeliveries,
		m.DroppedTotal,
		m.ReconnectsTotal,
	)
	return m
}
