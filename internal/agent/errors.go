package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrMaxIterations indicates the loop exceeded its iteration cap
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrBudgetExceeded indicates the token budget is depleted
	ErrBudgetExceeded = errors.New("token budget exceeded")

	// ErrBreakerTripped indicates the circuit breaker stopped the loop
	ErrBreakerTripped = errors.New("circuit breaker tripped")

	// ErrNoClient indicates no LLM client is configured
	ErrNoClient = errors.New("no LLM client configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrRunCancelled indicates the run was cancelled
	ErrRunCancelled = errors.New("run cancelled")

	// ErrRunInterrupted indicates the run was interrupted by the user
	ErrRunInterrupted = errors.New("run interrupted")
)

// Error codes surfaced to the shell on error events.
const (
	CodeContextLengthExceeded = "CONTEXT_LENGTH_EXCEEDED"
	CodeBudgetExceeded        = "BUDGET_EXCEEDED"
	CodeBreakerTripped        = "CIRCUIT_BREAKER_TRIPPED"
	CodeMaxIterations         = "MAX_ITERATIONS"
	CodeToolBlockedByHook     = "TOOL_BLOCKED_BY_HOOK"
	CodeArgumentsParseError   = "TOOL_ARGUMENTS_PARSE_ERROR"
)

// ContextLengthExceededError is raised by the LLM client when the request
// overflows the model's context window. The loop attempts compaction and a
// reduced output budget before surfacing it.
type ContextLengthExceededError struct {
	RequestedTokens int
	MaxTokens       int
	Provider        string
}

// Error implements the error interface.
func (e *ContextLengthExceededError) Error() string {
	return fmt.Sprintf("context length exceeded: requested %d tokens, max %d (provider %s)",
		e.RequestedTokens, e.MaxTokens, e.Provider)
}

// IsContextLengthExceeded extracts a ContextLengthExceededError from a chain.
func IsContextLengthExceeded(err error) (*ContextLengthExceededError, bool) {
	var cle *ContextLengthExceededError
	if errors.As(err, &cle) {
		return cle, true
	}
	return nil, false
}

// IsTransientNetworkError reports whether an inference error looks like a
// transient transport failure eligible for the single loop-level retry.
func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, pat := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"tls",
		"etimedout",
		"i/o timeout",
		"unexpected eof",
		"econnreset",
	} {
		if strings.Contains(s, pat) {
			return true
		}
	}
	return false
}

// ToolErrorType categorizes tool execution errors for retry logic.
type ToolErrorType string

const (
	// ToolErrorNotFound indicates the tool doesn't exist
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates invalid parameters were passed
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorTimeout indicates the tool timed out
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorNetwork indicates a network error
	ToolErrorNetwork ToolErrorType = "network"

	// ToolErrorExecution indicates a runtime error during execution
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the tool panicked
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorBlocked indicates a pre-tool hook rejected the call
	ToolErrorBlocked ToolErrorType = "blocked"

	// ToolErrorUnknown indicates an unclassified error
	ToolErrorUnknown ToolErrorType = "unknown"
)

// IsRetryable returns true if this error type suggests retrying may succeed.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork:
		return true
	default:
		return false
	}
}

// ToolError represents a structured error from tool execution with
// categorization for retry logic.
type ToolError struct {
	// Type categorizes the error for retry logic
	Type ToolErrorType

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error

	// Retryable indicates if this error should be retried
	Retryable bool
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a new ToolError with automatic classification.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
		err.Retryable = err.Type.IsRetryable()
	}
	return err
}

// WithType sets the error type and updates retryable status accordingly.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	e.Retryable = t.IsRetryable()
	return e
}

// WithToolCallID sets the tool call ID for correlation.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// classifyToolError determines the error type from the error content.
func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}
	if errors.Is(err, ErrToolNotFound) {
		return ToolErrorNotFound
	}
	if errors.Is(err, ErrToolTimeout) {
		return ToolErrorTimeout
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "context deadline"):
		return ToolErrorTimeout
	case strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "network"),
		strings.Contains(errStr, "dns"),
		strings.Contains(errStr, "refused"),
		strings.Contains(errStr, "unreachable"):
		return ToolErrorNetwork
	case strings.Contains(errStr, "invalid"),
		strings.Contains(errStr, "validation"),
		strings.Contains(errStr, "required"),
		strings.Contains(errStr, "missing"):
		return ToolErrorInvalidInput
	}
	return ToolErrorExecution
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// IsToolRetryable checks if a tool error should be retried based on its type.
func IsToolRetryable(err error) bool {
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Retryable
	}
	return classifyToolError(err).IsRetryable()
}

// LoopError represents an error that occurred during loop execution with
// context about which phase and iteration it occurred in.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the loop iteration where the error occurred
	Iteration int

	// Code is the short machine-readable code surfaced on error events
	Code string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase represents a distinct phase in the loop lifecycle.
type LoopPhase string

const (
	// PhaseInit is the initialization phase
	PhaseInit LoopPhase = "init"

	// PhaseInference is the LLM streaming phase
	PhaseInference LoopPhase = "inference"

	// PhaseScheduleTools is the tool scheduling/execution phase
	PhaseScheduleTools LoopPhase = "schedule_tools"

	// PhaseContinue is the continuation phase after tool results
	PhaseContinue LoopPhase = "continue"

	// PhaseComplete is the completion phase
	PhaseComplete LoopPhase = "complete"
)
