package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conductor/pkg/models"
)

// LLMClient defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of communicating with different LLM
// APIs while presenting a unified streaming interface to the loop.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Infer() simultaneously for different requests.
type LLMClient interface {
	// Infer sends a request and returns a streaming response. The channel
	// carries incremental chunks for re-emission; the terminal chunk has
	// Final set with the assembled response. The channel is closed when the
	// stream completes or the context is cancelled.
	Infer(ctx context.Context, req *InferenceRequest) (<-chan *StreamChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models and their capabilities.
	Models() []ModelInfo

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// InferenceRequest contains all parameters for one model call.
type InferenceRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt. Handled separately from messages in most
	// LLM APIs.
	System string `json:"system,omitempty"`

	// Messages contains the synthesized conversation in chronological order.
	Messages []PromptMessage `json:"messages"`

	// Tools defines tools the model may request. If empty, no tool calling
	// is available.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens limits the generated response length.
	// If 0 or negative, the provider's default is used.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// PromptMessage is a single model-facing message, produced from history by
// the context package's synthesis.
type PromptMessage = models.PromptMessage

// ToolDefinition describes a tool in the wire format providers expect.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChunkKind tags a streaming chunk variant.
type ChunkKind string

const (
	ChunkText          ChunkKind = "text"
	ChunkReasoning     ChunkKind = "reasoning"
	ChunkToolCallStart ChunkKind = "tool_call_start"
	ChunkToolCallDelta ChunkKind = "tool_call_delta"
	ChunkDone          ChunkKind = "done"
)

// StreamChunk is one element of a streaming model response.
type StreamChunk struct {
	Kind ChunkKind `json:"kind"`

	// Content is the incremental text or reasoning.
	Content string `json:"content,omitempty"`

	// Tool-call streaming fields (for tool_call_start / tool_call_delta).
	ToolCallIndex  int    `json:"tool_call_index,omitempty"`
	ToolCallID     string `json:"tool_call_id,omitempty"`
	ToolName       string `json:"tool_name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`

	// Final is the assembled response, set only on the terminal done chunk.
	Final *ModelResponse `json:"final,omitempty"`

	// Err terminates the stream when set.
	Err error `json:"-"`
}

// ResponseType distinguishes the two model response shapes.
type ResponseType string

const (
	ResponseText    ResponseType = "text"
	ResponseToolUse ResponseType = "tool_use"
)

// ModelResponse is the assembled result of one inference.
type ModelResponse struct {
	Type ResponseType `json:"type"`

	// Content is the response text (for text responses, and any preamble
	// text accompanying tool calls).
	Content string `json:"content,omitempty"`

	// Thinking holds reasoning text when extended thinking is enabled.
	Thinking string `json:"thinking,omitempty"`

	// ToolCalls holds requested tool executions for tool_use responses.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// Truncated is set when the model stopped at its output-token limit.
	Truncated bool `json:"truncated,omitempty"`

	// FinishReason is the provider-reported stop reason.
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage carries provider-supplied token counts when available.
	Usage *Usage `json:"usage,omitempty"`
}

// Usage carries provider-supplied token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelInfo describes an available model and its capabilities.
type ModelInfo struct {
	// ID is the API identifier for the model.
	ID string `json:"id"`

	// Name is the human-readable model name.
	Name string `json:"name"`

	// ContextWindow is the maximum token context window.
	ContextWindow int `json:"context_window"`

	// MaxOutputTokens caps the response length for this model.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// SupportsVision indicates if the model can process images.
	SupportsVision bool `json:"supports_vision"`

	// SupportsTools indicates if the model can call tools.
	SupportsTools bool `json:"supports_tools"`
}

// ToolOutput contains the result of a tool execution. Errors are
// communicated via Success=false and Error, never as Go errors, so the
// model can see and react to them.
type ToolOutput struct {
	// Success indicates whether the tool completed normally.
	Success bool `json:"success"`

	// Output is the tool's observation text.
	Output string `json:"output,omitempty"`

	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`

	// Metadata carries tool-specific extras. Recognized keys:
	// requiresUserConfirmation, isSkillActivation, skillResult.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool defines the interface for executable agent tools.
//
// The core never inspects tool internals; it only consumes the returned
// ToolOutput and the recognized metadata keys.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// ParallelSafe reports whether the tool only reads external state and
	// may run concurrently with other parallel-safe tools.
	ParallelSafe() bool

	// Execute runs the tool with parsed arguments.
	Execute(ctx context.Context, args map[string]any) (*ToolOutput, error)
}

// ToolContext carries per-call execution context to tools. It is stored in
// the context.Context handed to Tool.Execute.
type ToolContext struct {
	// GenerationID identifies the model generation tier in effect.
	GenerationID string

	// SessionID identifies the session.
	SessionID string

	// WorkingDir is the directory tools operate in.
	WorkingDir string

	// Model is the effective model for this turn.
	Model string

	// ToolCallID is the ID of the current call.
	ToolCallID string

	// PreApprovedTools lists tool names exempt from confirmation.
	PreApprovedTools []string

	// Attachments are the current user attachments, if any.
	Attachments []models.Attachment

	// PlanMode exposes plan-mode state to tools that toggle it.
	PlanMode *PlanModeState

	// Events lets tools emit notifications mid-execution.
	Events *Emitter
}

// PlanModeState holds the plan-mode toggle shared between the loop and tools.
type PlanModeState struct {
	enabled bool
}

// Enabled reports whether plan mode is active.
func (p *PlanModeState) Enabled() bool {
	if p == nil {
		return false
	}
	return p.enabled
}

// Set toggles plan mode.
func (p *PlanModeState) Set(enabled bool) {
	if p != nil {
		p.enabled = enabled
	}
}

type toolContextKey struct{}

// WithToolContext stores a ToolContext in the context.
func WithToolContext(ctx context.Context, tc *ToolContext) context.Context {
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFrom retrieves the ToolContext from context.
func ToolContextFrom(ctx context.Context) *ToolContext {
	tc, ok := ctx.Value(toolContextKey{}).(*ToolContext)
	if !ok {
		return nil
	}
	return tc
}
