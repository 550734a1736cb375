package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ExecutorConfig configures per-call tool execution behavior.
type ExecutorConfig struct {
	// DefaultTimeout is the default timeout for tool execution.
	// Zero means no core-imposed timeout; the outer orchestrator may still
	// supply per-tool timeouts.
	DefaultTimeout time.Duration

	// DefaultRetries is the default number of retries for retryable errors
	// Default: 1
	DefaultRetries int

	// RetryBackoff is the initial backoff duration between retries
	// Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff
	// Default: 5s
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		DefaultRetries:  1,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ToolTimeouts supplies per-tool timeouts from the outer orchestrator.
type ToolTimeouts map[string]time.Duration

// Executor runs individual tool calls with timeout, retry, and panic
// recovery. Concurrency is owned by the Scheduler; the executor only
// handles a single call slot.
type Executor struct {
	registry *ToolRegistry
	config   *ExecutorConfig

	mu       sync.RWMutex
	timeouts ToolTimeouts

	metrics *ExecutorMetrics
}

// ExecutorMetrics tracks executor performance counters.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// NewExecutor creates a tool executor over the given registry.
// If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	return &Executor{
		registry: registry,
		config:   config,
		timeouts: make(ToolTimeouts),
		metrics:  &ExecutorMetrics{},
	}
}

// SetToolTimeout sets an orchestrator-supplied timeout for one tool.
func (e *Executor) SetToolTimeout(name string, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeouts[name] = timeout
}

func (e *Executor) timeoutFor(name string) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.timeouts[name]; ok {
		return t
	}
	return e.config.DefaultTimeout
}

// ExecutionResult holds the outcome of a single tool execution slot.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Output     *ToolOutput
	Err        error
	Duration   time.Duration
	Attempts   int
}

// ToResult converts an execution outcome into the history-facing ToolResult.
func (r *ExecutionResult) ToResult() models.ToolResult {
	result := models.ToolResult{
		ToolCallID: r.ToolCallID,
		DurationMs: r.Duration.Milliseconds(),
	}
	switch {
	case r.Err != nil:
		result.Error = r.Err.Error()
	case r.Output == nil:
		result.Error = "tool execution produced no output"
	default:
		result.Success = r.Output.Success
		result.Output = r.Output.Output
		result.Error = r.Output.Error
		result.Metadata = r.Output.Metadata
	}
	return result
}

// Execute runs one tool call with retry and timeout handling.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	// Parse errors reach execution as observations, never as dispatches.
	if raw, failed := call.ParseError(); failed {
		result.Output = &ToolOutput{
			Success: false,
			Error:   fmt.Sprintf("arguments could not be parsed as JSON; raw value: %s", truncateForError(raw)),
		}
		result.Duration = time.Since(start)
		return result
	}

	timeout := e.timeoutFor(call.Name)
	maxRetries := e.config.DefaultRetries
	backoff := e.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1

		output, execErr := e.executeOnce(ctx, call, timeout)
		if execErr == nil {
			result.Output = output
			result.Duration = time.Since(start)

			e.metrics.mu.Lock()
			e.metrics.TotalExecutions++
			if attempt > 0 {
				e.metrics.TotalRetries += int64(attempt)
			}
			e.metrics.mu.Unlock()
			return result
		}

		lastErr = execErr
		if !IsToolRetryable(execErr) || ctx.Err() != nil || attempt >= maxRetries {
			break
		}

		sleep := backoff * time.Duration(1<<uint(attempt))
		if sleep > e.config.MaxRetryBackoff {
			sleep = e.config.MaxRetryBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			lastErr = NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID)
		}
	}

	result.Err = lastErr
	result.Duration = time.Since(start)

	e.metrics.mu.Lock()
	e.metrics.TotalExecutions++
	e.metrics.TotalFailures++
	if toolErr, ok := GetToolError(lastErr); ok {
		if toolErr.Type == ToolErrorTimeout {
			e.metrics.TotalTimeouts++
		} else if toolErr.Type == ToolErrorPanic {
			e.metrics.TotalPanics++
		}
	}
	e.metrics.mu.Unlock()

	return result
}

// executeOnce runs a tool call with an optional timeout and panic recovery.
func (e *Executor) executeOnce(ctx context.Context, call models.ToolCall, timeout time.Duration) (*ToolOutput, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type execResult struct {
		output *ToolOutput
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Name, fmt.Errorf("panic: %v\n%s", r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				resultCh <- execResult{err: err}
			}
		}()

		output, err := e.registry.Execute(execCtx, call.Name, call.Arguments)
		if err != nil {
			resultCh <- execResult{err: NewToolError(call.Name, err).WithToolCallID(call.ID)}
			return
		}
		resultCh <- execResult{output: output}
	}()

	select {
	case res := <-resultCh:
		return res.output, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

// Metrics returns a copy-safe snapshot of the executor counters.
func (e *Executor) Metrics() *ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return &ExecutorMetricsSnapshot{
		TotalExecutions: e.metrics.TotalExecutions,
		TotalRetries:    e.metrics.TotalRetries,
		TotalFailures:   e.metrics.TotalFailures,
		TotalTimeouts:   e.metrics.TotalTimeouts,
		TotalPanics:     e.metrics.TotalPanics,
	}
}

// ExecutorMetricsSnapshot is a point-in-time copy of executor counters.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

func truncateForError(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
