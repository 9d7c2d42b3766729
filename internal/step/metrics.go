package step

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for durable steps.
type Metrics struct {
	StepsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers step metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kodo",
			Subsystem: "step",
			Name:      "total",
			Help:      "Total durable steps by kind and outcome (executed, replayed).",
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(m.StepsTotal)
	return m
}

func (m *Metrics) observe(key Key, replayed bool) {
	if m == nil {
		return
	}
	outcome := "executed"
	if replayed {
		outcome = "replayed"
	}
	m.StepsTotal.WithLabelValues(stepKind(key.Name), outcome).Inc()
}

// stepKind reduces a step name to a low-cardinality label:
// "iter/3/terminal/0" -> "terminal", "get-sandbox-id" -> "get-sandbox-id".
func stepKind(name string) string {
	parts := strings.Split(name, "/")
	if len(parts) >= 3 && parts[0] == "iter" {
		return parts[2]
	}
	return name
}
