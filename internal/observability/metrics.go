// Package observability exposes Prometheus metrics for provisioning sagas,
// guest agent calls, reconciliation loops and worker pools.
//
// Metrics implements saga.Observer, agent.Observer and reconcile.Observer so
// it can be handed straight to the components that report through them.
//
// Import Path: conductor.io/conductor/internal/observability
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor.io/conductor/internal/agent"
	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/reconcile"
	"conductor.io/conductor/internal/saga"
)

const namespace = "conductor"

// Metrics holds every collector registered by the service.
type Metrics struct {
	registry *prometheus.Registry

	SagaStepDuration *prometheus.HistogramVec
	SagaStepFailures *prometheus.CounterVec
	SagaRollbacks    prometheus.Counter
	SagaUndoFailures prometheus.Counter

	AgentCalls        *prometheus.CounterVec
	AgentCallDuration *prometheus.HistogramVec

	ReconcileActions *prometheus.CounterVec

	InstanceEvents *prometheus.CounterVec
}

var (
	_ saga.Observer      = (*Metrics)(nil)
	_ agent.Observer     = (*Metrics)(nil)
	_ reconcile.Observer = (*Metrics)(nil)
)

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SagaStepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_step_duration_seconds",
			Help:      "Duration of completed provisioning saga steps",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		}, []string{"step"}),
		SagaStepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_step_failures_total",
			Help:      "Provisioning saga steps that returned an error",
		}, []string{"step"}),
		SagaRollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_rollbacks_total",
			Help:      "Provisioning sagas rolled back",
		}),
		SagaUndoFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_undo_failures_total",
			Help:      "Compensating actions that failed during rollback",
		}),

		AgentCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Guest agent calls by method and return code",
		}, []string{"method", "returncode"}),
		AgentCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_duration_seconds",
			Help:      "Guest agent call latency",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		}, []string{"method"}),

		ReconcileActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_actions_total",
			Help:      "Actions taken by reconciliation loops",
		}, []string{"loop", "action", "result"}),

		InstanceEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_events_total",
			Help:      "Instance lifecycle events by type and workflow",
		}, []string{"event", "workflow"}),
	}
}

// StepCompleted implements saga.Observer.
func (m *Metrics) StepCompleted(step string, elapsed time.Duration) {
	m.SagaStepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

// StepFailed implements saga.Observer.
func (m *Metrics) StepFailed(step string) {
	m.SagaStepFailures.WithLabelValues(step).Inc()
}

// RolledBack implements saga.Observer.
func (m *Metrics) RolledBack(_, failures int) {
	m.SagaRollbacks.Inc()
	m.SagaUndoFailures.Add(float64(failures))
}

// AgentCall implements agent.Observer.
func (m *Metrics) AgentCall(method, returnCode string, elapsed time.Duration) {
	m.AgentCalls.WithLabelValues(method, returnCode).Inc()
	m.AgentCallDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Acted implements reconcile.Observer.
func (m *Metrics) Acted(loop, action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReconcileActions.WithLabelValues(loop, action, result).Inc()
}

// lifecycleEvents are the event types counted by Subscribe.
var lifecycleEvents = []domain.EventType{
	domain.EventInstanceSpawned,
	domain.EventInstanceDestroyed,
	domain.EventInstanceRescued,
	domain.EventInstanceUnrescued,
	domain.EventMigrationSent,
	domain.EventMigrationFinished,
	domain.EventMigrationReverted,
	domain.EventMigrationConfirmed,
	domain.EventWorkflowRolledBack,
}

// Subscribe counts every lifecycle event published on d.
func (m *Metrics) Subscribe(d *domain.EventDispatcher) {
	for _, t := range lifecycleEvents {
		d.Register(t, m.HandleEvent)
	}
}

// HandleEvent is a domain.EventHandler.
func (m *Metrics) HandleEvent(_ context.Context, e *domain.InstanceEvent) error {
	m.InstanceEvents.WithLabelValues(string(e.EventType), e.Workflow).Inc()
	return nil
}

// PoolStats reports pool occupancy keyed by pool name, then by
// running/free/cap. worker.Pools.Metrics has this shape.
type PoolStats func() map[string]map[string]int

// RegisterPools exports worker pool occupancy as gauges read at scrape time.
func (m *Metrics) RegisterPools(stats PoolStats) {
	m.registry.MustRegister(&poolCollector{
		stats: stats,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "worker_pool", "workers"),
			"Worker pool occupancy",
			[]string{"pool", "state"}, nil,
		),
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

type poolCollector struct {
	stats PoolStats
	desc  *prometheus.Desc
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for pool, states := range c.stats() {
		for state, v := range states {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(v), pool, state)
		}
	}
}
