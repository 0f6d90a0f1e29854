package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the orchestration engine.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RecordModelCall("openai", "gpt-4o", "success", 1.2, 900, 120)
//
// A nil *Metrics is valid and records nothing, so components can treat
// metrics as optional.
type Metrics struct {
	registry prometheus.Gatherer

	// RunCounter counts runs by outcome.
	// Labels: outcome (completed|stopped|error|max_iterations)
	RunCounter *prometheus.CounterVec

	// RunIterations observes loop iterations per run.
	RunIterations prometheus.Histogram

	// ModelRequestDuration measures model calls in seconds.
	// Labels: provider, model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model calls.
	// Labels: provider, model, status (success|error|stale)
	ModelRequestCounter *prometheus.CounterVec

	// ModelTokens tracks token usage reported by providers.
	// Labels: provider, model, type (prompt|completion)
	ModelTokens *prometheus.CounterVec

	// ToolExecutionCounter counts dispatched tool calls.
	// Labels: tool_name, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool runtime in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval decisions.
	// Labels: channel, decision (approved|denied)
	ApprovalCounter *prometheus.CounterVec

	// CompactionCounter counts ledger compactions.
	// Labels: strategy, fallback (true|false)
	CompactionCounter *prometheus.CounterVec

	// SelectionCounter counts tool selections.
	// Labels: source (model|heuristic|fallback)
	SelectionCounter *prometheus.CounterVec

	// ContextUsage is the last observed ledger usage percentage.
	ContextUsage prometheus.Gauge

	// HotMessages counts messages injected while a run was working.
	HotMessages prometheus.Counter

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|tool|approval|session|remote), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg uses the Prometheus default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	f := promauto.With(registerer)
	return &Metrics{
		registry: gatherer,

		RunCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_runs_total",
				Help: "Total number of agent runs by outcome",
			},
			[]string{"outcome"},
		),

		RunIterations: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "partner_run_iterations",
				Help:    "Loop iterations per agent run",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 30},
			},
		),

		ModelRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partner_model_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ModelRequestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_model_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ModelTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_model_tokens_total",
				Help: "Total number of tokens reported by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partner_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
			},
			[]string{"tool_name"},
		),

		ApprovalCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_approvals_total",
				Help: "Total number of approval decisions by channel and decision",
			},
			[]string{"channel", "decision"},
		),

		CompactionCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_compactions_total",
				Help: "Total number of ledger compactions by strategy",
			},
			[]string{"strategy", "fallback"},
		),

		SelectionCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_tool_selections_total",
				Help: "Total number of tool selections by source",
			},
			[]string{"source"},
		),

		ContextUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "partner_context_usage_percent",
				Help: "Estimated context window usage of the last run",
			},
		),

		HotMessages: f.NewCounter(
			prometheus.CounterOpts{
				Name: "partner_hot_messages_total",
				Help: "Total number of messages injected into a working run",
			},
		),

		ErrorCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// Handler serves the registered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun records the outcome of a run.
func (m *Metrics) RecordRun(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(outcome).Inc()
	m.RunIterations.Observe(float64(iterations))
}

// RecordModelCall records a model request.
//
//	start := time.Now()
//	// ... call the provider ...
//	metrics.RecordModelCall("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordModelCall(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.ModelRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records a dispatched tool call.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordApproval records an approval decision.
func (m *Metrics) RecordApproval(channel, decision string) {
	if m == nil {
		return
	}
	m.ApprovalCounter.WithLabelValues(channel, decision).Inc()
}

// RecordCompaction records a ledger compaction.
func (m *Metrics) RecordCompaction(strategy string, fallback bool) {
	if m == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.CompactionCounter.WithLabelValues(strategy, fb).Inc()
}

// RecordSelection records where a tool selection came from.
func (m *Metrics) RecordSelection(source string) {
	if m == nil {
		return
	}
	m.SelectionCounter.WithLabelValues(source).Inc()
}

// SetContextUsage records the ledger usage percentage.
func (m *Metrics) SetContextUsage(percent float64) {
	if m == nil {
		return
	}
	m.ContextUsage.Set(percent)
}

// HotMessageQueued counts an injected message.
func (m *Metrics) HotMessageQueued() {
	if m == nil {
		return
	}
	m.HotMessages.Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
