// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the agent runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors. A nil *Metrics is
// valid everywhere and records nothing, so instrumentation call sites never
// need guards.
type Metrics struct {
	agentRuns         *prometheus.CounterVec
	agentIterations   prometheus.Histogram
	llmRequests       *prometheus.CounterVec
	llmDuration       *prometheus.HistogramVec
	toolExecutions    *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	compactions       *prometheus.CounterVec
	sandboxProvisions *prometheus.CounterVec
	sandboxReadyCache prometheus.Gauge
}

// NewMetrics registers the runtime's collectors on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		agentRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_runs_total",
			Help: "Agent runs by termination reason",
		}, []string{"reason"}),
		agentIterations: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentd_run_iterations",
			Help:    "Loop iterations per agent run",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
		}),
		llmRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_llm_requests_total",
			Help: "LLM requests by model family and status",
		}, []string{"family", "status"}),
		llmDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentd_llm_request_seconds",
			Help:    "LLM request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"family"}),
		toolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_tool_executions_total",
			Help: "Tool executions by tool and status",
		}, []string{"tool", "status"}),
		toolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentd_tool_execution_seconds",
			Help:    "Tool execution duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		compactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_compactions_total",
			Help: "Context compactions by outcome",
		}, []string{"outcome"}),
		sandboxProvisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_sandbox_provisions_total",
			Help: "Sandbox provisioning attempts by source",
		}, []string{"source", "status"}),
		sandboxReadyCache: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_sandbox_ready_cache_size",
			Help: "Sandboxes currently in the ready cache",
		}),
	}
}

// RunFinished records an agent run's termination.
func (m *Metrics) RunFinished(reason string, iterations int) {
	if m == nil {
		return
	}
	m.agentRuns.WithLabelValues(reason).Inc()
	m.agentIterations.Observe(float64(iterations))
}

// LLMRequest records one model request.
func (m *Metrics) LLMRequest(family, status string, seconds float64) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(family, status).Inc()
	m.llmDuration.WithLabelValues(family).Observe(seconds)
}

// ToolExecution records one tool run.
func (m *Metrics) ToolExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(seconds)
}

// Compaction records a compaction attempt's outcome.
func (m *Metrics) Compaction(outcome string) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(outcome).Inc()
}

// SandboxProvision records a provisioning attempt.
func (m *Metrics) SandboxProvision(source, status string) {
	if m == nil {
		return
	}
	m.sandboxProvisions.WithLabelValues(source, status).Inc()
}

// SetReadyCacheSize reports the ready-cache population.
func (m *Metrics) SetReadyCacheSize(n int) {
	if m == nil {
		return
	}
	m.sandboxReadyCache.Set(float64(n))
}
