package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks run throughput and latency.
type Metrics struct {
	Submitted prometheus.Counter
	Finished  *prometheus.CounterVec
	Duration  prometheus.Histogram
	Active    prometheus.Gauge
}

// NewMetrics registers dispatcher metrics on reg. A nil reg disables them.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kodo",
			Name:      "runs_submitted_total",
			Help:      "Runs accepted by the dispatcher.",
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kodo",
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kodo",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of executed runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 90, 120, 180, 300},
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kodo",
			Name:      "runs_active",
			Help:      "Runs currently executing on this node.",
		}),
	}
	reg.MustRegister(m.Submitted, m.Finished, m.Duration, m.Active)
	return m
}

func (m *Metrics) submitted() {
	if m != nil {
		m.Submitted.Inc()
	}
}

func (m *Metrics) started() {
	if m != nil {
		m.Active.Inc()
	}
}

// interrupted releases the active slot of a run that goes back to the queue.
func (m *Metrics) interrupted() {
	if m != nil {
		m.Active.Dec()
	}
}

func (m *Metrics) finished(status Status, d time.Duration) {
	if m == nil {
		return
	}
	m.Active.Dec()
	m.Finished.WithLabelValues(string(status)).Inc()
	m.Duration.Observe(d.Seconds())
}
