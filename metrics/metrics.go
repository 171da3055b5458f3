// Package metrics exposes Prometheus collectors for executions, steps,
// waits, events, routing and LLM calls. A nil *Metrics is valid and
// records nothing, so components can take one unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowmesh"

// Metrics holds the collectors registered with one registry.
type Metrics struct {
	registry *prometheus.Registry

	executions      *prometheus.CounterVec
	steps           *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	waitsOpen       prometheus.Gauge
	waitResolutions *prometheus.CounterVec
	llmCalls        *prometheus.CounterVec
	llmLatency      *prometheus.HistogramVec
	llmCost         *prometheus.CounterVec
	events          prometheus.Counter
	routerMatches   *prometheus.CounterVec
}

// New creates collectors and registers them with reg. A nil reg gets a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions that reached a status, by status.",
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by kind and outcome.",
		}, []string{"kind", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution time by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		waitsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waits_open",
			Help:      "Currently open waits.",
		}),
		waitResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_resolutions_total",
			Help:      "Closed waits by kind and resolution.",
		}, []string{"kind", "resolution"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Model calls by model and outcome.",
		}, []string{"model", "outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Model call latency by model.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"model"}),
		llmCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_total",
			Help:      "Accumulated model cost by model.",
		}, []string{"model"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Published events.",
		}),
		routerMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_matches_total",
			Help:      "Session bots selected by the router, by trigger kind.",
		}, []string{"trigger"}),
	}
	reg.MustRegister(
		m.executions, m.steps, m.stepDuration, m.waitsOpen, m.waitResolutions,
		m.llmCalls, m.llmLatency, m.llmCost, m.events, m.routerMatches,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExecutionStatus counts an execution reaching status.
func (m *Metrics) ExecutionStatus(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

// Step records one executed step.
func (m *Metrics) Step(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(kind, outcome(err)).Inc()
	m.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// WaitOpened increments the open wait gauge.
func (m *Metrics) WaitOpened() {
	if m == nil {
		return
	}
	m.waitsOpen.Inc()
}

// WaitResolved decrements the open wait gauge and counts the resolution.
func (m *Metrics) WaitResolved(kind, resolution string) {
	if m == nil {
		return
	}
	m.waitsOpen.Dec()
	m.waitResolutions.WithLabelValues(kind, resolution).Inc()
}

// SetWaitsOpen sets the open wait gauge, e.g. after a restore.
func (m *Metrics) SetWaitsOpen(n int) {
	if m == nil {
		return
	}
	m.waitsOpen.Set(float64(n))
}

// LLMCall records one model attempt.
func (m *Metrics) LLMCall(model string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model, outcome(err)).Inc()
	m.llmLatency.WithLabelValues(model).Observe(latency.Seconds())
}

// LLMCost adds the cost of a successful call.
func (m *Metrics) LLMCost(model string, cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.llmCost.WithLabelValues(model).Add(cost)
}

// EventPublished counts one published event.
func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.events.Inc()
}

// RouterMatch counts one bot selected through trigger kind.
func (m *Metrics) RouterMatch(trigger string) {
	if m == nil {
		return
	}
	m.routerMatches.WithLabelValues(trigger).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
