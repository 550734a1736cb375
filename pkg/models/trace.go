package models

import (
	"time"
)

// RunStats is an aggregated summary of an agent run, derived from the event
// stream for observability.
type RunStats struct {
	RunID string `json:"run_id,omitempty"`

	// Timing
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`

	// Counts
	Turns      int `json:"turns,omitempty"`
	Iterations int `json:"iterations,omitempty"`

	// Tool metrics
	ToolCalls    int           `json:"tool_calls,omitempty"`
	ToolWallTime time.Duration `json:"tool_wall_time,omitempty"`
	ToolFailures int           `json:"tool_failures,omitempty"`

	// Model metrics
	ModelWallTime time.Duration `json:"model_wall_time,omitempty"`
	InputTokens   int           `json:"input_tokens,omitempty"`
	OutputTokens  int           `json:"output_tokens,omitempty"`

	// Context management metrics
	Compressions int `json:"compressions,omitempty"`
	TokensSaved  int `json:"tokens_saved,omitempty"`

	// Reliability signals
	Cancelled   bool `json:"cancelled,omitempty"`
	Interrupted bool `json:"interrupted,omitempty"`
	BreakerTrip bool `json:"breaker_trip,omitempty"`

	Errors int `json:"errors,omitempty"`
}

// ToolCallWithResult pairs a dispatched call with its observation.
type ToolCallWithResult struct {
	Call   ToolCall   `json:"call"`
	Result ToolResult `json:"result"`
}

// ModelCallRecord captures one inference for the execution trace.
type ModelCallRecord struct {
	Model        string        `json:"model"`
	Provider     string        `json:"provider,omitempty"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`

	// SystemPromptHash is a telemetry hash of the final system prompt.
	SystemPromptHash string `json:"system_prompt_hash,omitempty"`
}

// TokenUsage accumulates token consumption across a run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns combined input and output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ExecutionTrace is the observational record of a run, accumulated per turn
// and handed to post-run learning collaborators.
type ExecutionTrace struct {
	TurnID     string `json:"turn_id"`
	Iteration  int    `json:"iteration"`

	ToolCallsWithResults []ToolCallWithResult `json:"tool_calls_with_results,omitempty"`
	TokenUsage           TokenUsage           `json:"token_usage"`
	ModelCalls           []ModelCallRecord    `json:"model_calls,omitempty"`
}
