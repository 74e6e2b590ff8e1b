// Package metrics holds the Prometheus collectors for executions and pauses.
//
// Collectors are created per Metrics value and registered on a caller-supplied
// registerer so concurrent test servers do not collide on the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the execution collectors
type Metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	pauses     *prometheus.CounterVec
	inflight   prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codetrace_executions_total",
			Help: "Total executions by kind and outcome",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codetrace_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 0.1ms to ~26s
		}, []string{"kind"}),
		pauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codetrace_pauses_total",
			Help: "Total debug pauses by reason and resulting action",
		}, []string{"reason", "action"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codetrace_executions_inflight",
			Help: "Executions currently running",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.executions, m.duration, m.pauses, m.inflight)
	}
	return m
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	return New(nil)
}

// ExecutionStarted marks an execution as in flight
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// ExecutionFinished records the outcome and duration of an execution
func (m *Metrics) ExecutionFinished(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.executions.WithLabelValues(kind, outcome).Inc()
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Paused records a pause decision
func (m *Metrics) Paused(reason, action string) {
	if m == nil {
		return
	}
	m.pauses.WithLabelValues(reason, action).Inc()
}

// Executions exposes the execution counter for tests and exporters
func (m *Metrics) Executions() *prometheus.CounterVec {
	return m.executions
}

// Pauses exposes the pause counter for tests and exporters
func (m *Metrics) Pauses() *prometheus.CounterVec {
	return m.pauses
}
