package status

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for status publishing.
type Metrics struct {
	PublishesTotal *prometheus.CounterVec
	AgentStatus    *prometheus.GaugeVec
	ErrorCount     *prometheus.GaugeVec
}

// NewMetrics registers and returns status metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_status_publishes_total",
			Help: "Total status record publishes by agent and result.",
		}, []string{"agent", "result"}),
		AgentStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_agent_status",
			Help: "Agent status classification; 1 for the current status, 0 otherwise.",
		}, []string{"agent", "status"}),
		ErrorCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_agent_error_count",
			Help: "Current agent error counter.",
		}, []string{"agent"}),
	}

	reg.MustRegister(m.PublishesTotal, m.AgentStatus, m.ErrorCount)
	return m
}

func (m *Metrics) observe(agent string, r Record, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.PublishesTotal.WithLabelValues(agent, result).Inc()
	for _, s := range []Status{Active, Degraded, Inactive} {
		v := 0.0
		if s == r.Status {
			v = 1
		}
		m.AgentStatus.WithLabelValues(agent, string(s)).Set(v)
	}
	m.ErrorCount.WithLabelValues(agent).Set(float64(r.ErrorCount))
}
