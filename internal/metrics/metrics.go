// Package metrics holds the Prometheus collectors for workflow execution
// and the execution pool.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clipforge"

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	agentDuration    *prometheus.HistogramVec
	agentFailures    *prometheus.CounterVec
	agentRetries     *prometheus.CounterVec
	workflowsActive  prometheus.Gauge
	workflowOutcomes *prometheus.CounterVec
	poolSlots        *prometheus.GaugeVec
	poolScaling      *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers the collectors with reg, reusing collectors that are
// already registered under the same name. Other registration errors panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		agentDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "execution_duration_seconds",
				Help:      "Duration of agent executions, including retries.",
				Buckets:   []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"agent", "outcome"},
		)),
		agentFailures: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "failures_total",
				Help:      "Agent tasks that ended failed, by reason class.",
			},
			[]string{"agent", "reason"},
		)),
		agentRetries: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "retries_total",
				Help:      "Agent execution attempts beyond the first.",
			},
			[]string{"agent"},
		)),
		workflowsActive: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "active",
				Help:      "Workflow runs currently executing.",
			},
		)),
		workflowOutcomes: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "finished_total",
				Help:      "Workflow runs that reached a terminal status.",
			},
			[]string{"mode", "status"},
		)),
		poolSlots: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "slots",
				Help:      "Execution pool slots by agent type and state.",
			},
			[]string{"agent", "state"},
		)),
		poolScaling: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "scaling_events_total",
				Help:      "Slots provisioned or decommissioned by the autoscaler.",
			},
			[]string{"agent", "direction"},
		)),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveAgent(agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.agentDuration.WithLabelValues(agent, outcome).Observe(d.Seconds())
}

func (m *Metrics) IncAgentFailure(agent, reason string) {
	if m == nil {
		return
	}
	m.agentFailures.WithLabelValues(agent, reason).Inc()
}

func (m *Metrics) IncAgentRetry(agent string) {
	if m == nil {
		return
	}
	m.agentRetries.WithLabelValues(agent).Inc()
}

func (m *Metrics) WorkflowStarted() {
	if m == nil {
		return
	}
	m.workflowsActive.Inc()
}

func (m *Metrics) WorkflowFinished(mode, status string) {
	if m == nil {
		return
	}
	m.workflowsActive.Dec()
	m.workflowOutcomes.WithLabelValues(mode, status).Inc()
}

// SetPoolSlots publishes the slot counts of one agent type.
func (m *Metrics) SetPoolSlots(agent string, healthy, unhealthy, busy int) {
	if m == nil {
		return
	}
	m.poolSlots.WithLabelValues(agent, "healthy").Set(float64(healthy))
	m.poolSlots.WithLabelValues(agent, "unhealthy").Set(float64(unhealthy))
	m.poolSlots.WithLabelValues(agent, "busy").Set(float64(busy))
}

func (m *Metrics) IncPoolScaling(agent, direction string) {
	if m == nil {
		return
	}
	m.poolScaling.WithLabelValues(agent, direction).Inc()
}
