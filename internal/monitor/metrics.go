// Package monitor provides structured logging, metrics, alert evaluation,
// health checks, and trace export. All services here are constructed at
// startup and passed by reference; there are no package-level singletons so
// tests stay deterministic.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the central metric surface. Counters are monotonic per
// (name, labels); histograms carry a fixed bucket set per metric name.
type Metrics struct {
	registry *prometheus.Registry

	// MessageCounter tracks chat messages by role and outcome.
	// Labels: role (user|assistant|tool), status (ok|rejected|error)
	MessageCounter *prometheus.CounterVec

	// LLMRequestCounter counts LLM calls.
	// Labels: provider, model, status (success|error|fallback)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and code.
	ErrorCounter *prometheus.CounterVec

	// RateLimitedCounter counts rejected requests by limit kind.
	RateLimitedCounter *prometheus.CounterVec

	// ActiveSessions gauges sessions currently held by a live actor.
	ActiveSessions prometheus.Gauge

	// ArchivedSessions counts archive operations by outcome.
	ArchivedSessions *prometheus.CounterVec

	// SummaryCounter counts summarization runs by trigger (threshold|trim|forced).
	SummaryCounter *prometheus.CounterVec

	// WorkflowStepCounter counts step completions by workflow, step, status.
	WorkflowStepCounter *prometheus.CounterVec

	// WorkflowRollbacks counts executions that reached rolled-back.
	WorkflowRollbacks prometheus.Counter

	// HTTPRequestDuration measures HTTP API latency in seconds.
	// Labels: method, path, code
	HTTPRequestDuration *prometheus.HistogramVec

	// PipelineDuration measures end-to-end message handling latency.
	PipelineDuration prometheus.Histogram
}

// NewMetrics creates all metric series on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessageCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_messages_total",
			Help: "Chat messages processed, by role and outcome.",
		}, []string{"role", "status"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_llm_requests_total",
			Help: "LLM requests by provider, model, and status.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskwire_llm_request_seconds",
			Help:    "LLM request latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_llm_tokens_total",
			Help: "LLM token consumption by type.",
		}, []string{"provider", "model", "type"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_tool_executions_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskwire_tool_execution_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),

		ErrorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_errors_total",
			Help: "Errors by component and code.",
		}, []string{"component", "code"}),

		RateLimitedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by kind.",
		}, []string{"kind"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deskwire_active_sessions",
			Help: "Sessions with a live memory actor.",
		}),

		ArchivedSessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_session_archives_total",
			Help: "Session archive operations by outcome.",
		}, []string{"status"}),

		SummaryCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_summaries_total",
			Help: "Summarization runs by trigger.",
		}, []string{"trigger"}),

		WorkflowStepCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_workflow_steps_total",
			Help: "Workflow step terminations by workflow, step, and status.",
		}, []string{"workflow", "step", "status"}),

		WorkflowRollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "deskwire_workflow_rollbacks_total",
			Help: "Workflow executions that completed compensation.",
		}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskwire_http_request_seconds",
			Help:    "HTTP API request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "code"}),

		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskwire_pipeline_seconds",
			Help:    "End-to-end chat message handling latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
}

// Gatherer exposes the registry for the alert engine and tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Handler returns the text-export HTTP handler for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
