package agents

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the workers.
type Metrics struct {
	AlertsTotal         *prometheus.CounterVec
	AnalysesTotal       *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	RootCauseConfidence prometheus.Histogram
}

// NewMetrics registers and returns worker metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_alerts_total",
			Help: "Alerts handled by the orchestrator by outcome.",
		}, []string{"outcome"}),
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_agent_analyses_total",
			Help: "Analyses run by agent, kind and outcome.",
		}, []string{"agent", "kind", "outcome"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_notifications_total",
			Help: "Notifications by channel and outcome.",
		}, []string{"channel", "outcome"}),
		RootCauseConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_root_cause_confidence",
			Help:    "Confidence of synthesized root causes.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10), // 0.1 .. 1.0
		}),
	}

	reg.MustRegister(
		m.AlertsTotal,
		m.AnalysesTotal,
		m.NotificationsTotal,
		m.RootCauseConfidence,
	)
	return m
}

func (m *Metrics) alert(outcome string) {
	if m != nil {
		m.AlertsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) analysis(agent, kind string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.AnalysesTotal.WithLabelValues(agent, kind, outcome).Inc()
}

func (m *Metrics) notification(channel string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "error"
	}
	m.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) confidence(v float64) {
	if m != nil {
		m.RootCauseConfidence.Observe(v)
	}
}
