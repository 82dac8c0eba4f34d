// Package observability exposes the runtime's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for the agent runtime. Register once at
// startup; all methods are safe for concurrent use.
type Metrics struct {
	RunsStarted    prometheus.Counter
	RunsFinished   *prometheus.CounterVec
	ActiveRuns     prometheus.Gauge
	Iterations     prometheus.Counter
	ToolExecutions *prometheus.CounterVec
	LLMDuration    *prometheus.HistogramVec
	LLMTokens      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_runs_started_total",
			Help: "Agent runs claimed by this instance.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_runs_finished_total",
			Help: "Agent runs reaching a terminal status.",
		}, []string{"status"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_active_runs",
			Help: "Runs currently executing on this instance.",
		}),
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_iterations_total",
			Help: "Agent loop iterations executed.",
		}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_llm_request_seconds",
			Help:    "Wall time of LLM completions by provider and model.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider", "model"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_llm_tokens_total",
			Help: "Tokens consumed by direction (prompt or completion).",
		}, []string{"provider", "model", "direction"}),
	}
	reg.MustRegister(
		m.RunsStarted,
		m.RunsFinished,
		m.ActiveRuns,
		m.Iterations,
		m.ToolExecutions,
		m.LLMDuration,
		m.LLMTokens,
	)
	return m
}

// ObserveRunFinished records a terminal run status.
func (m *Metrics) ObserveRunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(status).Inc()
	m.ActiveRuns.Dec()
}

// ObserveRunStarted records a claimed run.
func (m *Metrics) ObserveRunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
	m.ActiveRuns.Inc()
}

// ObserveIteration counts one loop iteration.
func (m *Metrics) ObserveIteration() {
	if m == nil {
		return
	}
	m.Iterations.Inc()
}

// ObserveTool counts one tool invocation.
func (m *Metrics) ObserveTool(tool string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
}

// ObserveLLM records one completion's latency and token usage.
func (m *Metrics) ObserveLLM(provider, model string, seconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMDuration.WithLabelValues(provider, model).Observe(seconds)
	m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}
