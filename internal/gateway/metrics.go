package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the statement counters and the session retry counter fed
// to auth.Guardian.
type Metrics struct {
	Statements  *prometheus.CounterVec
	Duration    prometheus.Histogram
	AuthRetries prometheus.Counter
}

// NewMetrics registers the gateway metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Statements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmgate_statements_total",
			Help: "Statements handled by the gateway by kind and outcome",
		}, []string{"kind", "outcome"}),

		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crmgate_statement_duration_seconds",
			Help:    "Remote execution latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		AuthRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "crmgate_auth_retries_total",
			Help: "Privileged calls that answered 401 and triggered a session refresh",
		}),
	}
}

func (m *Metrics) observe(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Statements.WithLabelValues(kind, outcome).Inc()
	if d > 0 {
		m.Duration.Observe(d.Seconds())
	}
}
