package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting loop metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Agent run and iteration throughput
//   - LLM inference performance and token consumption
//   - Tool execution patterns and latencies
//   - Reliability signals: breaker trips, fallbacks, nudges, compressions
//   - Error rates categorized by code and component
//
// All recording methods are no-ops on a nil receiver, so a nil *Metrics
// disables collection without call-site checks.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RunStarted()
//	defer metrics.InferenceDuration.WithLabelValues("anthropic", "claude-sonnet-4").Observe(time.Since(start).Seconds())
type Metrics struct {
	// IterationCounter counts loop iterations.
	// Labels: outcome (text|tool_use|steered|error)
	IterationCounter *prometheus.CounterVec

	// InferenceDuration measures LLM inference latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	InferenceDuration *prometheus.HistogramVec

	// InferenceCounter counts LLM inferences by provider, model, and status.
	// Labels: provider, model, status (success|error)
	InferenceCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|blocked)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolBatchSize observes parallel batch sizes.
	ToolBatchSize prometheus.Histogram

	// BreakerTrips counts circuit-breaker trips.
	BreakerTrips prometheus.Counter

	// NudgeCounter counts injected corrective nudges.
	// Labels: kind (read_only|strike|duplicate|exploring|truncation|escalate)
	NudgeCounter *prometheus.CounterVec

	// FallbackCounter counts capability-based model fallbacks.
	// Labels: capability, outcome (switched|stripped|key_required)
	FallbackCounter *prometheus.CounterVec

	// CompressionCounter counts history compressions.
	// Labels: kind (threshold|proactive|overflow)
	CompressionCounter *prometheus.CounterVec

	// TokensSaved tracks tokens reclaimed by compression.
	TokensSaved prometheus.Counter

	// ErrorCounter tracks errors by component and code.
	// Labels: component (loop|scheduler|executor|provider), code
	ErrorCounter *prometheus.CounterVec

	// ActiveRuns is a gauge tracking currently executing runs.
	ActiveRuns prometheus.Gauge

	// RunDuration measures run wall time in seconds.
	// Buckets: 1s, 5s, 15s, 60s, 300s, 900s, 3600s
	RunDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are registered with Prometheus's default registry and are
// available at the /metrics endpoint when using the prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		IterationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_iterations_total",
				Help: "Total number of loop iterations by outcome",
			},
			[]string{"outcome"},
		),

		InferenceDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_inference_duration_seconds",
				Help:    "Duration of LLM inferences in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		InferenceCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_inferences_total",
				Help: "Total number of LLM inferences by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ToolBatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_batch_size",
				Help:    "Size of parallel tool batches",
				Buckets: []float64{1, 2, 3, 4},
			},
		),

		BreakerTrips: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_breaker_trips_total",
				Help: "Total number of circuit-breaker trips",
			},
		),

		NudgeCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_nudges_total",
				Help: "Total number of corrective nudges injected by kind",
			},
			[]string{"kind"},
		),

		FallbackCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_model_fallbacks_total",
				Help: "Total number of capability-based model fallbacks by outcome",
			},
			[]string{"capability", "outcome"},
		),

		CompressionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_compressions_total",
				Help: "Total number of history compressions by kind",
			},
			[]string{"kind"},
		),

		TokensSaved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_tokens_saved_total",
				Help: "Total tokens reclaimed by history compression",
			},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_errors_total",
				Help: "Total number of errors by component and code",
			},
			[]string{"component", "code"},
		),

		ActiveRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_runs",
				Help: "Current number of executing agent runs",
			},
		),

		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_run_duration_seconds",
				Help:    "Wall time of agent runs in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		),
	}
}

// RecordInference records metrics for one LLM inference.
//
// Example:
//
//	start := time.Now()
//	// ... run inference ...
//	metrics.RecordInference("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 1200, 300)
func (m *Metrics) RecordInference(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.InferenceCounter.WithLabelValues(provider, model, status).Inc()
	m.InferenceDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordIteration increments the iteration counter for an outcome.
func (m *Metrics) RecordIteration(outcome string) {
	if m == nil {
		return
	}
	m.IterationCounter.WithLabelValues(outcome).Inc()
}

// RecordNudge increments the nudge counter for a kind.
func (m *Metrics) RecordNudge(kind string) {
	if m == nil {
		return
	}
	m.NudgeCounter.WithLabelValues(kind).Inc()
}

// RecordFallback increments the fallback counter.
func (m *Metrics) RecordFallback(capability, outcome string) {
	if m == nil {
		return
	}
	m.FallbackCounter.WithLabelValues(capability, outcome).Inc()
}

// RecordCompression records one compression pass.
func (m *Metrics) RecordCompression(kind string, tokensSaved int) {
	if m == nil {
		return
	}
	m.CompressionCounter.WithLabelValues(kind).Inc()
	if tokensSaved > 0 {
		m.TokensSaved.Add(float64(tokensSaved))
	}
}

// RecordToolBatch observes the size of one parallel tool batch.
func (m *Metrics) RecordToolBatch(size int) {
	if m == nil {
		return
	}
	m.ToolBatchSize.Observe(float64(size))
}

// RecordBreakerTrip increments the circuit-breaker trip counter.
func (m *Metrics) RecordBreakerTrip() {
	if m == nil {
		return
	}
	m.BreakerTrips.Inc()
}

// RecordError increments the error counter for a component and code.
//
// Example:
//
//	metrics.RecordError("loop", "CONTEXT_LENGTH_EXCEEDED")
func (m *Metrics) RecordError(component, code string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, code).Inc()
}

// RunStarted increments the active runs gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active runs gauge and records run duration.
func (m *Metrics) RunEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunDuration.Observe(durationSeconds)
}
