package models

import (
	"time"
)

// AgentEvent is the unified event model streamed to the outer shell.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a run for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// RunID identifies the agent run.
	RunID string `json:"run_id,omitempty"`

	// TurnID identifies the turn the event belongs to.
	TurnID string `json:"turn_id,omitempty"`

	// Iteration is the 0-based loop iteration.
	Iteration int `json:"iteration,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Message  *Message               `json:"message,omitempty"`
	Stream   *StreamEventPayload    `json:"stream,omitempty"`
	Tool     *ToolEventPayload      `json:"tool,omitempty"`
	Progress *ProgressEventPayload  `json:"progress,omitempty"`
	Fallback *FallbackEventPayload  `json:"fallback,omitempty"`
	Context  *ContextEventPayload   `json:"context,omitempty"`
	Diff     *DiffEventPayload      `json:"diff,omitempty"`
	Error    *ErrorEventPayload     `json:"error,omitempty"`
	Notice   *NoticeEventPayload    `json:"notice,omitempty"`
	Stats    *StatsEventPayload     `json:"stats,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Turn lifecycle
	EventTurnStart AgentEventType = "turn_start"
	EventTurnEnd   AgentEventType = "turn_end"

	// Conversation
	EventMessage AgentEventType = "message"

	// Model streaming
	EventStreamChunk         AgentEventType = "stream_chunk"
	EventStreamReasoning     AgentEventType = "stream_reasoning"
	EventStreamToolCallStart AgentEventType = "stream_tool_call_start"
	EventStreamToolCallDelta AgentEventType = "stream_tool_call_delta"

	// Tool execution
	EventToolCallStart AgentEventType = "tool_call_start"
	EventToolCallEnd   AgentEventType = "tool_call_end"

	// Task lifecycle
	EventTaskProgress AgentEventType = "task_progress"
	EventTaskComplete AgentEventType = "task_complete"

	// Notifications and routing
	EventNotification   AgentEventType = "notification"
	EventModelFallback  AgentEventType = "model_fallback"
	EventAPIKeyRequired AgentEventType = "api_key_required"

	// Budget
	EventBudgetWarning  AgentEventType = "budget_warning"
	EventBudgetExceeded AgentEventType = "budget_exceeded"

	// Context management
	EventContextCompressed AgentEventType = "context_compressed"
	EventMemoryLearned     AgentEventType = "memory_learned"

	// Observations
	EventDiffComputed     AgentEventType = "diff_computed"
	EventCitationsUpdated AgentEventType = "citations_updated"

	// Control
	EventInterruptAcknowledged AgentEventType = "interrupt_acknowledged"
	EventError                 AgentEventType = "error"
	EventAgentComplete         AgentEventType = "agent_complete"
)

// TaskPhase is the coarse progress state reported to the shell.
type TaskPhase string

const (
	PhaseThinking    TaskPhase = "thinking"
	PhaseGenerating  TaskPhase = "generating"
	PhaseToolPending TaskPhase = "tool_pending"
	PhaseToolRunning TaskPhase = "tool_running"
	PhaseCompleted   TaskPhase = "completed"
	PhaseFailed      TaskPhase = "failed"
)

// StreamEventPayload carries model streaming deltas and completion metadata.
type StreamEventPayload struct {
	// Delta is the incremental text or reasoning chunk.
	Delta string `json:"delta,omitempty"`

	// ToolCallIndex/ToolCallID/ToolName are set on tool-call stream events.
	ToolCallIndex int    `json:"tool_call_index,omitempty"`
	ToolCallID    string `json:"tool_call_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`

	// ArgumentsDelta is the incremental tool-argument JSON.
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// ToolEventPayload describes a tool call start or end.
type ToolEventPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`

	// For tool_call_end:
	Success  bool          `json:"success,omitempty"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Blocked  bool          `json:"blocked,omitempty"`
}

// ProgressEventPayload reports the current task phase.
type ProgressEventPayload struct {
	Phase TaskPhase `json:"phase"`
}

// FallbackEventPayload describes a model fallback decision.
type FallbackEventPayload struct {
	Reason string `json:"reason"`
	From   string `json:"from"`
	To     string `json:"to,omitempty"`

	// Capability is the capability that forced the switch (e.g. "vision").
	Capability string `json:"capability,omitempty"`
}

// ContextEventPayload contains compression diagnostics.
type ContextEventPayload struct {
	MessagesBefore    int `json:"messages_before"`
	MessagesAfter     int `json:"messages_after"`
	MessagesCompacted int `json:"messages_compacted"`
	TokensSaved       int `json:"tokens_saved"`
}

// DiffEventPayload reports a file modification observed after a tool call.
type DiffEventPayload struct {
	Path     string `json:"path"`
	Added    int    `json:"added,omitempty"`
	Removed  int    `json:"removed,omitempty"`
	Created  bool   `json:"created,omitempty"`
}

// ErrorEventPayload standardizes errors for the shell.
type ErrorEventPayload struct {
	// Code is a short machine-readable code (e.g. MAX_ITERATIONS).
	Code string `json:"code,omitempty"`

	// Message is the human-readable description (required).
	Message string `json:"message"`

	// Retriable indicates if the operation can be retried.
	Retriable bool `json:"retriable,omitempty"`

	// Err preserves the original error for errors.Is/errors.As (not serialized).
	Err error `json:"-"`
}

// NoticeEventPayload carries human-readable notices (notification,
// api_key_required, budget events).
type NoticeEventPayload struct {
	Text string `json:"text"`

	// Capability is set on api_key_required events.
	Capability string `json:"capability,omitempty"`

	// Provider is the provider whose credential is missing.
	Provider string `json:"provider,omitempty"`
}

// StatsEventPayload carries run statistics as an event.
type StatsEventPayload struct {
	Run *RunStats `json:"run,omitempty"`
}
