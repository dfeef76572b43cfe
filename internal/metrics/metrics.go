// Package metrics exposes the control plane's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the control plane updates. All collectors
// register against a private registry so tests can run side by side.
type Metrics struct {
	registry *prometheus.Registry

	PoolActiveMachines prometheus.Gauge
	PoolMaxMachines    prometheus.Gauge
	PoolQueuedReserves prometheus.Gauge

	WorkerRPCFailures     *prometheus.CounterVec
	AgentStateTransitions *prometheus.CounterVec
	PromptsPumped         prometheus.Counter
	AutomationsFired      prometheus.Counter

	WorkerRPCDuration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		PoolActiveMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ariana_pool_active_machines",
			Help: "Machines currently handed out by the pool.",
		}),
		PoolMaxMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ariana_pool_max_machines",
			Help: "Configured machine pool capacity.",
		}),
		PoolQueuedReserves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ariana_pool_queued_reservations",
			Help: "Reservations waiting for a machine.",
		}),
		WorkerRPCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ariana_worker_rpc_failures_total",
			Help: "Worker RPC calls that returned an error.",
		}, []string{"method"}),
		AgentStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ariana_agent_state_transitions_total",
			Help: "Agent state transitions by destination state.",
		}, []string{"to"}),
		PromptsPumped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ariana_prompts_pumped_total",
			Help: "Prompts handed to workers by the pump.",
		}),
		AutomationsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ariana_automations_fired_total",
			Help: "Automation executions observed starting on workers.",
		}),
		WorkerRPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ariana_worker_rpc_duration_seconds",
			Help:    "Latency of worker daemon RPC calls.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method"}),
	}

	registry.MustRegister(
		m.PoolActiveMachines,
		m.PoolMaxMachines,
		m.PoolQueuedReserves,
		m.WorkerRPCFailures,
		m.AgentStateTransitions,
		m.PromptsPumped,
		m.AutomationsFired,
		m.WorkerRPCDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveWorkerRPC records the outcome of one worker RPC call.
func (m *Metrics) ObserveWorkerRPC(method string, d time.Duration, err error) {
	m.WorkerRPCDuration.WithLabelValues(method).Observe(d.Seconds())
	if err != nil {
		m.WorkerRPCFailures.WithLabelValues(method).Inc()
	}
}
