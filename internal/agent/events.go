package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// eventBufferSize is the outbound channel depth before emitters block.
const eventBufferSize = 256

// Emitter generates and dispatches AgentEvents with monotonic sequencing.
// It is the single bridge between the loop and the outer shell.
type Emitter struct {
	runID    string
	sequence uint64 // atomic counter for monotonic sequencing

	mu        sync.Mutex
	turnID    string
	iteration int
	closed    bool

	// observer sees every event before it is sent, for stats accumulation.
	observer func(models.AgentEvent)

	ch chan models.AgentEvent
}

// NewEmitter creates an event emitter for an agent run.
func NewEmitter(runID string) *Emitter {
	return &Emitter{
		runID: runID,
		ch:    make(chan models.AgentEvent, eventBufferSize),
	}
}

// Events returns the outbound event channel consumed by the shell.
func (e *Emitter) Events() <-chan models.AgentEvent {
	return e.ch
}

// Close closes the outbound channel. Emits after Close are dropped.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// SetTurn updates the current turn context stamped onto events.
func (e *Emitter) SetTurn(turnID string, iteration int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turnID = turnID
	e.iteration = iteration
}

func (e *Emitter) nextSeq() uint64 {
	return atomic.AddUint64(&e.sequence, 1)
}

func (e *Emitter) base(eventType models.AgentEventType) models.AgentEvent {
	e.mu.Lock()
	turnID, iteration := e.turnID, e.iteration
	e.mu.Unlock()
	return models.AgentEvent{
		Version:   1,
		Type:      eventType,
		Time:      time.Now(),
		Sequence:  e.nextSeq(),
		RunID:     e.runID,
		TurnID:    turnID,
		Iteration: iteration,
	}
}

// SetObserver installs a synchronous event observer. Must be called before
// the loop starts.
func (e *Emitter) SetObserver(fn func(models.AgentEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

func (e *Emitter) emit(event models.AgentEvent) {
	e.mu.Lock()
	closed := e.closed
	observer := e.observer
	e.mu.Unlock()
	if closed {
		return
	}
	if observer != nil {
		observer(event)
	}
	e.ch <- event
}

// TurnStart emits a turn_start event.
func (e *Emitter) TurnStart() {
	e.emit(e.base(models.EventTurnStart))
}

// TurnEnd emits a turn_end event.
func (e *Emitter) TurnEnd() {
	e.emit(e.base(models.EventTurnEnd))
}

// Message emits a message event carrying a full history entry.
func (e *Emitter) Message(msg *models.Message) {
	event := e.base(models.EventMessage)
	event.Message = msg
	e.emit(event)
}

// StreamChunk emits an incremental model text delta.
func (e *Emitter) StreamChunk(delta string) {
	event := e.base(models.EventStreamChunk)
	event.Stream = &models.StreamEventPayload{Delta: delta}
	e.emit(event)
}

// StreamReasoning emits an incremental reasoning delta.
func (e *Emitter) StreamReasoning(delta string) {
	event := e.base(models.EventStreamReasoning)
	event.Stream = &models.StreamEventPayload{Delta: delta}
	e.emit(event)
}

// StreamToolCallStart emits the start of a streamed tool call.
func (e *Emitter) StreamToolCallStart(index int, id, name string) {
	event := e.base(models.EventStreamToolCallStart)
	event.Stream = &models.StreamEventPayload{
		ToolCallIndex: index,
		ToolCallID:    id,
		ToolName:      name,
	}
	e.emit(event)
}

// StreamToolCallDelta emits an incremental tool-argument delta.
func (e *Emitter) StreamToolCallDelta(index int, name, argsDelta string) {
	event := e.base(models.EventStreamToolCallDelta)
	event.Stream = &models.StreamEventPayload{
		ToolCallIndex:  index,
		ToolName:       name,
		ArgumentsDelta: argsDelta,
	}
	e.emit(event)
}

// ToolCallStart emits a tool_call_start event.
func (e *Emitter) ToolCallStart(call models.ToolCall) {
	event := e.base(models.EventToolCallStart)
	event.Tool = &models.ToolEventPayload{
		ToolCallID: call.ID,
		Name:       call.Name,
		Arguments:  call.Arguments,
	}
	e.emit(event)
}

// ToolCallEnd emits a tool_call_end event.
func (e *Emitter) ToolCallEnd(call models.ToolCall, result models.ToolResult, blocked bool) {
	event := e.base(models.EventToolCallEnd)
	event.Tool = &models.ToolEventPayload{
		ToolCallID: call.ID,
		Name:       call.Name,
		Success:    result.Success,
		Output:     result.Output,
		Error:      result.Error,
		Elapsed:    time.Duration(result.DurationMs) * time.Millisecond,
		Blocked:    blocked,
	}
	e.emit(event)
}

// TaskProgress emits a task_progress event with the given phase.
func (e *Emitter) TaskProgress(phase models.TaskPhase) {
	event := e.base(models.EventTaskProgress)
	event.Progress = &models.ProgressEventPayload{Phase: phase}
	e.emit(event)
}

// TaskComplete emits a task_complete event.
func (e *Emitter) TaskComplete() {
	e.emit(e.base(models.EventTaskComplete))
}

// Notification emits a human-readable notice.
func (e *Emitter) Notification(text string) {
	event := e.base(models.EventNotification)
	event.Notice = &models.NoticeEventPayload{Text: text}
	e.emit(event)
}

// ModelFallback emits a model_fallback event.
func (e *Emitter) ModelFallback(reason, capability, from, to string) {
	event := e.base(models.EventModelFallback)
	event.Fallback = &models.FallbackEventPayload{
		Reason:     reason,
		Capability: capability,
		From:       from,
		To:         to,
	}
	e.emit(event)
}

// APIKeyRequired emits an api_key_required event.
func (e *Emitter) APIKeyRequired(capability, provider string) {
	event := e.base(models.EventAPIKeyRequired)
	event.Notice = &models.NoticeEventPayload{
		Text:       "credential required for capability: " + capability,
		Capability: capability,
		Provider:   provider,
	}
	e.emit(event)
}

// BudgetWarning emits a budget_warning event.
func (e *Emitter) BudgetWarning(text string) {
	event := e.base(models.EventBudgetWarning)
	event.Notice = &models.NoticeEventPayload{Text: text}
	e.emit(event)
}

// BudgetExceeded emits a budget_exceeded event.
func (e *Emitter) BudgetExceeded(text string) {
	event := e.base(models.EventBudgetExceeded)
	event.Notice = &models.NoticeEventPayload{Text: text}
	e.emit(event)
}

// ContextCompressed emits a context_compressed event with diagnostics.
func (e *Emitter) ContextCompressed(before, after, compacted, tokensSaved int) {
	event := e.base(models.EventContextCompressed)
	event.Context = &models.ContextEventPayload{
		MessagesBefore:    before,
		MessagesAfter:     after,
		MessagesCompacted: compacted,
		TokensSaved:       tokensSaved,
	}
	e.emit(event)
}

// MemoryLearned emits a memory_learned event.
func (e *Emitter) MemoryLearned(text string) {
	event := e.base(models.EventMemoryLearned)
	event.Notice = &models.NoticeEventPayload{Text: text}
	e.emit(event)
}

// DiffComputed emits a diff_computed event for a modified file.
func (e *Emitter) DiffComputed(path string, added, removed int, created bool) {
	event := e.base(models.EventDiffComputed)
	event.Diff = &models.DiffEventPayload{
		Path:    path,
		Added:   added,
		Removed: removed,
		Created: created,
	}
	e.emit(event)
}

// CitationsUpdated emits a citations_updated event.
func (e *Emitter) CitationsUpdated(text string) {
	event := e.base(models.EventCitationsUpdated)
	event.Notice = &models.NoticeEventPayload{Text: text}
	e.emit(event)
}

// InterruptAcknowledged emits an interrupt_acknowledged event.
func (e *Emitter) InterruptAcknowledged() {
	e.emit(e.base(models.EventInterruptAcknowledged))
}

// Error emits an error event with a short code and message.
func (e *Emitter) Error(code, message string, cause error, retriable bool) {
	event := e.base(models.EventError)
	event.Error = &models.ErrorEventPayload{
		Code:      code,
		Message:   message,
		Retriable: retriable,
		Err:       cause,
	}
	e.emit(event)
}

// AgentComplete emits the unconditional terminal event with run stats.
func (e *Emitter) AgentComplete(stats *models.RunStats) {
	event := e.base(models.EventAgentComplete)
	if stats != nil {
		event.Stats = &models.StatsEventPayload{Run: stats}
	}
	e.emit(event)
}

// StatsCollector accumulates run statistics from the event stream.
type StatsCollector struct {
	mu         sync.Mutex
	stats      models.RunStats
	toolStarts map[string]time.Time
	turns      map[string]bool
}

// NewStatsCollector creates a stats collector for a run.
func NewStatsCollector(runID string) *StatsCollector {
	return &StatsCollector{
		stats: models.RunStats{
			RunID:     runID,
			StartedAt: time.Now(),
		},
		toolStarts: make(map[string]time.Time),
		turns:      make(map[string]bool),
	}
}

// OnEvent processes an event and updates stats.
func (c *StatsCollector) OnEvent(e models.AgentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case models.EventTurnStart:
		if !c.turns[e.TurnID] {
			c.turns[e.TurnID] = true
			c.stats.Turns++
		}
		c.stats.Iterations++

	case models.EventToolCallStart:
		c.stats.ToolCalls++
		if e.Tool != nil {
			c.toolStarts[e.Tool.ToolCallID] = e.Time
		}

	case models.EventToolCallEnd:
		if e.Tool != nil {
			if start, ok := c.toolStarts[e.Tool.ToolCallID]; ok {
				c.stats.ToolWallTime += e.Time.Sub(start)
				delete(c.toolStarts, e.Tool.ToolCallID)
			}
			if !e.Tool.Success {
				c.stats.ToolFailures++
			}
		}

	case models.EventContextCompressed:
		c.stats.Compressions++
		if e.Context != nil {
			c.stats.TokensSaved += e.Context.TokensSaved
		}

	case models.EventError:
		c.stats.Errors++
		if e.Error != nil && e.Error.Code == CodeBreakerTripped {
			c.stats.BreakerTrip = true
		}

	case models.EventAgentComplete:
		c.stats.FinishedAt = e.Time
		c.stats.WallTime = e.Time.Sub(c.stats.StartedAt)
	}
}

// AddTokens records token usage from an inference.
func (c *StatsCollector) AddTokens(input, output int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.InputTokens += input
	c.stats.OutputTokens += output
}

// Stats returns a copy of the accumulated statistics.
func (c *StatsCollector) Stats() *models.RunStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = time.Now()
		stats.WallTime = stats.FinishedAt.Sub(stats.StartedAt)
	}
	return &stats
}
