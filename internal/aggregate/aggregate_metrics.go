package aggregate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for result aggregation.
type Metrics struct {
	WindowsOpened    prometheus.Counter
	WindowsFinalized *prometheus.CounterVec
	LateResults      prometheus.Counter
	OpenWindows      prometheus.Gauge
	WindowDuration   prometheus.Histogram
	ForwardErrors    prometheus.Counter
	WindowsRestored  prometheus.Counter
}

// NewMetrics registers and returns aggregation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WindowsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_aggregate_windows_opened_total",
			Help: "Aggregation windows opened.",
		}),
		WindowsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_aggregate_windows_finalized_total",
			Help: "Aggregation windows finalized by result (complete or partial).",
		}, []string{"result"}),
		LateResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_aggregate_late_results_total",
			Help: "Results ignored because their window was already finalized.",
		}),
		OpenWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_aggregate_open_windows",
			Help: "Aggregation windows currently open.",
		}),
		WindowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_aggregate_window_duration_seconds",
			Help:    "Time from window open to finalization in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}),
		ForwardErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_aggregate_forward_errors_total",
			Help: "Composite forwards that failed and were retried.",
		}),
		WindowsRestored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_aggregate_windows_restored_total",
			Help: "Pending windows reopened from the journal at startup.",
		}),
	}

	reg.MustRegister(
		m.WindowsOpened,
		m.WindowsFinalized,
		m.LateResults,
		m.OpenWindows,
		m.WindowDuration,
		m.ForwardErrors,
		m.WindowsRestored,
	)
	return m
}
