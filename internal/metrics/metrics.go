// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolMetrics captures executor pool activity.
type PoolMetrics interface {
	SetActiveTasks(n int)
	IncAcquireWaits(provider string)
	IncInvocations(provider, model, status string)
	AddCost(provider, model string, usd float64)
	ObserveInvokeDuration(provider string, durationSeconds float64)
}

// RunMetrics captures workflow run lifecycle.
type RunMetrics interface {
	IncRunStarted(workflow string)
	IncRunFinished(workflow, status string)
	IncStepExecuted(workflow, stepType string)
}

// DecisionMetrics captures decision and escalation outcomes.
type DecisionMetrics interface {
	IncDecision(provenance string)
	IncEscalation()
}

// Metrics is the full set recorded by one process.
type Metrics interface {
	PoolMetrics
	RunMetrics
	DecisionMetrics
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) SetActiveTasks(int)                      {}
func (Noop) IncAcquireWaits(string)                  {}
func (Noop) IncInvocations(string, string, string)   {}
func (Noop) AddCost(string, string, float64)         {}
func (Noop) ObserveInvokeDuration(string, float64)   {}
func (Noop) IncRunStarted(string)                    {}
func (Noop) IncRunFinished(string, string)           {}
func (Noop) IncStepExecuted(string, string)          {}
func (Noop) IncDecision(string)                      {}
func (Noop) IncEscalation()                          {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	activeTasks    prometheus.Gauge
	acquireWaits   *prometheus.CounterVec
	invocations    *prometheus.CounterVec
	cost           *prometheus.CounterVec
	invokeDuration *prometheus.HistogramVec
	runsStarted    *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	steps          *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	escalations    prometheus.Counter
	once           sync.Once
}

// NewProm builds collectors under namespace and registers them with reg.
// A nil reg uses the default Prometheus registerer.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	p := &Prom{
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_active_tasks",
			Help:      "Tasks currently holding an executor slot",
		}),
		acquireWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquire_waits_total",
			Help:      "Acquire calls that had to wait for a slot, by provider",
		}, []string{"provider"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_invocations_total",
			Help:      "Task invocations by provider, model and status",
		}, []string{"provider", "model", "status"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_cost_usd_total",
			Help:      "Estimated spend in USD by provider and model",
		}, []string{"provider", "model"}),
		invokeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_invoke_duration_seconds",
			Help:      "Task invocation latency by provider",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Workflow runs started by workflow name",
		}, []string{"workflow"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Workflow runs that stopped, by workflow name and final status",
		}, []string{"workflow", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Steps executed by workflow name and step type",
		}, []string{"workflow", "type"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions recorded by provenance",
		}, []string{"provenance"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Decisions escalated to a human",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p.once.Do(func() {
		reg.MustRegister(p.activeTasks, p.acquireWaits, p.invocations, p.cost, p.invokeDuration,
			p.runsStarted, p.runsFinished, p.steps, p.decisions, p.escalations)
	})
	return p
}

func (p *Prom) SetActiveTasks(n int) {
	p.activeTasks.Set(float64(n))
}

func (p *Prom) IncAcquireWaits(provider string) {
	p.acquireWaits.WithLabelValues(provider).Inc()
}

func (p *Prom) IncInvocations(provider, model, status string) {
	p.invocations.WithLabelValues(provider, model, status).Inc()
}

func (p *Prom) AddCost(provider, model string, usd float64) {
	if usd <= 0 {
		return
	}
	p.cost.WithLabelValues(provider, model).Add(usd)
}

func (p *Prom) ObserveInvokeDuration(provider string, durationSeconds float64) {
	p.invokeDuration.WithLabelValues(provider).Observe(durationSeconds)
}

func (p *Prom) IncRunStarted(workflow string) {
	p.runsStarted.WithLabelValues(workflow).Inc()
}

func (p *Prom) IncRunFinished(workflow, status string) {
	p.runsFinished.WithLabelValues(workflow, status).Inc()
}

func (p *Prom) IncStepExecuted(workflow, stepType string) {
	p.steps.WithLabelValues(workflow, stepType).Inc()
}

func (p *Prom) IncDecision(provenance string) {
	p.decisions.WithLabelValues(provenance).Inc()
}

func (p *Prom) IncEscalation() {
	p.escalations.Inc()
}

// Handler returns an HTTP handler for /metrics backed by gatherer.
// A nil gatherer uses the default Prometheus registry.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ Metrics = Noop{}
	_ Metrics = (*Prom)(nil)
)
