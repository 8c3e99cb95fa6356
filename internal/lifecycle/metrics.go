package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks lifecycle transitions. All methods are nil-safe so tests
// can run the engine without touching the global Prometheus registry.
type Metrics struct {
	TransitionsTotal *prometheus.CounterVec
	SweepsTotal      prometheus.Counter
	SweepProcessed   prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clawtask_task_transitions_total",
			Help: "Task state transitions by operation",
		}, []string{"operation"}),
		SweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clawtask_expiry_sweeps_total",
			Help: "Expiry sweeper passes",
		}),
		SweepProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clawtask_expiry_transitions_total",
			Help: "Tasks transitioned by the expiry sweeper",
		}),
	}
}

func (m *Metrics) RecordTransition(operation string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordSweep(processed int) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.SweepProcessed.Add(float64(processed))
}
