package retention

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for retention sweeps.
type Metrics struct {
	Sweeps        *prometheus.CounterVec
	Deleted       *prometheus.CounterVec
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers retention metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kodo",
			Subsystem: "retention",
			Name:      "sweeps_total",
			Help:      "Total retention sweeps by outcome.",
		}, []string{"status"}),
		Deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kodo",
			Subsystem: "retention",
			Name:      "deleted_total",
			Help:      "Total records deleted by retention sweeps.",
		}, []string{"kind"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kodo",
			Subsystem: "retention",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each retention sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(m.Sweeps, m.Deleted, m.SweepDuration)
	return m
}

func (m *Metrics) swept(res Result, d time.Duration) {
	if m == nil {
		return
	}
	m.Sweeps.WithLabelValues("success").Inc()
	m.Deleted.WithLabelValues("checkpoint").Add(float64(res.Checkpoints))
	m.Deleted.WithLabelValues("run").Add(float64(res.Runs))
	m.SweepDuration.Observe(d.Seconds())
}

func (m *Metrics) failed() {
	if m != nil {
		m.Sweeps.WithLabelValues("error").Inc()
	}
}
