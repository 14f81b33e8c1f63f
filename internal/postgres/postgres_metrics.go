package postgres

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records query durations.
type Metrics struct {
	QueryDuration *prometheus.HistogramVec
}

var _ QueryObserver = (*Metrics)(nil)

// NewMetrics registers and returns query metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_db_query_duration_seconds",
			Help:    "Duration of database queries by operation, calling function and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}, []string{"operation", "caller", "outcome"}),
	}
	reg.MustRegister(m.QueryDuration)
	return m
}

// ObserveQuery implements QueryObserver.
func (m *Metrics) ObserveQuery(_ context.Context, operation, caller, outcome string, dur time.Duration) {
	m.QueryDuration.WithLabelValues(operation, caller, outcome).Observe(dur.Seconds())
}
