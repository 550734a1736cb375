package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// scriptedClient replays a fixed sequence of model responses, one per
// Infer call, streaming the content as text chunks first.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*ModelResponse
	next      int
	requests  []*InferenceRequest
}

func (c *scriptedClient) Infer(ctx context.Context, req *InferenceRequest) (<-chan *StreamChunk, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.next >= len(c.responses) {
		c.mu.Unlock()
		return nil, fmt.Errorf("scripted client exhausted after %d responses", len(c.responses))
	}
	resp := c.responses[c.next]
	c.next++
	c.mu.Unlock()

	ch := make(chan *StreamChunk, 4)
	if resp.Content != "" {
		ch <- &StreamChunk{Kind: ChunkText, Content: resp.Content}
	}
	ch <- &StreamChunk{Kind: ChunkDone, Final: resp}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Models() []ModelInfo {
	return []ModelInfo{{
		ID:              "test-model",
		Name:            "Test Model",
		ContextWindow:   64000,
		MaxOutputTokens: 8192,
		SupportsVision:  true,
		SupportsTools:   true,
	}}
}

func (c *scriptedClient) SupportsTools() bool { return true }

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textResponse(content string) *ModelResponse {
	return &ModelResponse{Type: ResponseText, Content: content}
}

func toolResponse(calls ...models.ToolCall) *ModelResponse {
	return &ModelResponse{Type: ResponseToolUse, ToolCalls: calls}
}

func successTool(name string, parallel bool) Tool {
	return &FuncTool{
		ToolName: name,
		Parallel: parallel,
		Fn: func(ctx context.Context, args map[string]any) (*ToolOutput, error) {
			return &ToolOutput{Success: true, Output: "ok"}, nil
		},
	}
}

func failingTool(name, errMsg string) Tool {
	return &FuncTool{
		ToolName: name,
		Fn: func(ctx context.Context, args map[string]any) (*ToolOutput, error) {
			return &ToolOutput{Success: false, Error: errMsg}, nil
		},
	}
}

// collectEvents drains the event channel until it closes.
func collectEvents(t *testing.T, events <-chan models.AgentEvent) []models.AgentEvent {
	t.Helper()
	var out []models.AgentEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-timeout:
			t.Fatalf("event channel did not close; %d events so far", len(out))
		}
	}
}

func eventsOfType(events []models.AgentEvent, typ models.AgentEventType) []models.AgentEvent {
	var out []models.AgentEvent
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func runLoop(t *testing.T, client *scriptedClient, registry *ToolRegistry, config *LoopConfig, prompt string) (*Loop, []models.AgentEvent) {
	t.Helper()
	loop := NewLoop(config, &LoopDeps{
		Client:   client,
		Registry: registry,
		Logger:   testLogger(),
	})
	events, err := loop.Run(context.Background(), &models.Message{
		Role:    models.RoleUser,
		Content: prompt,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return loop, collectEvents(t, events)
}

func TestLoopPlainTextRun(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{textResponse("Hello there.")}}
	_, events := runLoop(t, client, NewToolRegistry(), nil, "Say hello")

	if n := len(eventsOfType(events, models.EventTaskComplete)); n != 1 {
		t.Errorf("task_complete events = %d, want 1", n)
	}
	if n := len(eventsOfType(events, models.EventAgentComplete)); n != 1 {
		t.Errorf("agent_complete events = %d, want 1", n)
	}
	if events[len(events)-1].Type != models.EventAgentComplete {
		t.Errorf("last event = %s, want agent_complete", events[len(events)-1].Type)
	}

	// Every turn_start pairs with a turn_end.
	starts := len(eventsOfType(events, models.EventTurnStart))
	ends := len(eventsOfType(events, models.EventTurnEnd))
	if starts != 1 || ends != 1 {
		t.Errorf("turn_start=%d turn_end=%d, want 1/1", starts, ends)
	}

	var streamed string
	for _, e := range eventsOfType(events, models.EventStreamChunk) {
		streamed += e.Stream.Delta
	}
	if streamed != "Hello there." {
		t.Errorf("streamed text = %q", streamed)
	}
}

func TestLoopEventSequenceMonotonic(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{textResponse("done")}}
	_, events := runLoop(t, client, NewToolRegistry(), nil, "Say hello")

	var last uint64
	for _, e := range events {
		if e.Sequence <= last {
			t.Fatalf("sequence not monotonic: %d after %d", e.Sequence, last)
		}
		last = e.Sequence
	}
}

func TestLoopToolThenText(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(successTool("write_file", false))

	client := &scriptedClient{responses: []*ModelResponse{
		toolResponse(models.ToolCall{
			ID:        "c1",
			Name:      "write_file",
			Arguments: map[string]any{"path": "main.go", "content": "package main"},
		}),
		textResponse("Wrote the file."),
		textResponse("All done."),
	}}

	loop, events := runLoop(t, client, registry, nil, "Say hello")

	toolStarts := eventsOfType(events, models.EventToolCallStart)
	toolEnds := eventsOfType(events, models.EventToolCallEnd)
	if len(toolStarts) != 1 || len(toolEnds) != 1 {
		t.Fatalf("tool events start=%d end=%d, want 1/1", len(toolStarts), len(toolEnds))
	}
	if !toolEnds[0].Tool.Success {
		t.Errorf("tool call failed: %s", toolEnds[0].Tool.Error)
	}

	if n := len(eventsOfType(events, models.EventDiffComputed)); n != 1 {
		t.Errorf("diff_computed events = %d, want 1", n)
	}

	// The assistant tool-call message must be followed by a tool message
	// covering the same call ID.
	history := loop.History()
	for i, msg := range history {
		if msg.Role != models.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		if i+1 >= len(history) || history[i+1].Role != models.RoleTool {
			t.Fatalf("assistant tool-call message at %d not followed by a tool message", i)
		}
		covered := map[string]bool{}
		for _, r := range history[i+1].ToolResults {
			covered[r.ToolCallID] = true
		}
		for _, call := range msg.ToolCalls {
			if !covered[call.ID] {
				t.Errorf("tool call %s has no result in the following tool message", call.ID)
			}
		}
	}
}

func TestLoopParallelReadsStartBeforeEnds(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(successTool("read_file", true))

	client := &scriptedClient{responses: []*ModelResponse{
		toolResponse(
			models.ToolCall{ID: "r1", Name: "read_file", Arguments: map[string]any{"path": "a.go"}},
			models.ToolCall{ID: "r2", Name: "read_file", Arguments: map[string]any{"path": "b.go"}},
			models.ToolCall{ID: "r3", Name: "read_file", Arguments: map[string]any{"path": "c.go"}},
		),
		textResponse("All three files are loaded."),
	}}

	_, events := runLoop(t, client, registry, nil, "Say hello")

	// All starts of the batch are emitted before any end.
	firstEnd := -1
	lastStart := -1
	for i, e := range events {
		switch e.Type {
		case models.EventToolCallStart:
			lastStart = i
		case models.EventToolCallEnd:
			if firstEnd == -1 {
				firstEnd = i
			}
		}
	}
	if lastStart == -1 || firstEnd == -1 {
		t.Fatal("missing tool events")
	}
	if lastStart > firstEnd {
		t.Errorf("a tool_call_start (index %d) came after the first tool_call_end (index %d)", lastStart, firstEnd)
	}

	// Results come back in original call order.
	ends := eventsOfType(events, models.EventToolCallEnd)
	wantOrder := []string{"r1", "r2", "r3"}
	for i, e := range ends {
		if e.Tool.ToolCallID != wantOrder[i] {
			t.Errorf("end[%d] = %s, want %s", i, e.Tool.ToolCallID, wantOrder[i])
		}
	}
}

func TestLoopCircuitBreakerStopsRun(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(failingTool("bash", "command not found"))

	var responses []*ModelResponse
	for i := 0; i < 6; i++ {
		responses = append(responses, toolResponse(models.ToolCall{
			ID:        fmt.Sprintf("c%d", i),
			Name:      "bash",
			Arguments: map[string]any{"command": fmt.Sprintf("step-%d", i)},
		}))
	}

	client := &scriptedClient{responses: responses}
	loop, events := runLoop(t, client, registry, nil, "Say hello")

	var breakerErr bool
	for _, e := range eventsOfType(events, models.EventError) {
		if e.Error.Code == CodeBreakerTripped {
			breakerErr = true
		}
	}
	if !breakerErr {
		t.Error("expected a circuit-breaker error event")
	}
	if client.calls() != 5 {
		t.Errorf("inference calls = %d, want 5 (breaker trips on the fifth failure)", client.calls())
	}

	// The synthetic stop explanation lands in history.
	var explained bool
	for _, msg := range loop.History() {
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) == 0 && msg.Content != "" {
			explained = true
		}
	}
	if !explained {
		t.Error("expected a synthetic assistant message explaining the stop")
	}
}

func TestLoopForcesNarratedToolCall(t *testing.T) {
	registry := NewToolRegistry()
	var gotCommand string
	var mu sync.Mutex
	registry.Register(&FuncTool{
		ToolName: "bash",
		Fn: func(ctx context.Context, args map[string]any) (*ToolOutput, error) {
			mu.Lock()
			gotCommand, _ = args["command"].(string)
			mu.Unlock()
			return &ToolOutput{Success: true, Output: "main.go"}, nil
		},
	})

	client := &scriptedClient{responses: []*ModelResponse{
		textResponse("Ran: ls"),
		textResponse("There is one file."),
	}}

	_, events := runLoop(t, client, registry, nil, "what files are here")

	starts := eventsOfType(events, models.EventToolCallStart)
	if len(starts) != 1 || starts[0].Tool.Name != "bash" {
		t.Fatalf("expected one forced bash call, got %d events", len(starts))
	}
	mu.Lock()
	defer mu.Unlock()
	if gotCommand != "ls" {
		t.Errorf("forced command = %q, want ls", gotCommand)
	}
}

func TestLoopMaxIterations(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(successTool("read_file", true))

	var responses []*ModelResponse
	for i := 0; i < 3; i++ {
		responses = append(responses, toolResponse(models.ToolCall{
			ID:        fmt.Sprintf("c%d", i),
			Name:      "read_file",
			Arguments: map[string]any{"path": fmt.Sprintf("f%d.go", i)},
		}))
	}
	client := &scriptedClient{responses: responses}

	config := DefaultLoopConfig()
	config.MaxIterations = 2
	_, events := runLoop(t, client, registry, config, "Say hello")

	var capped bool
	for _, e := range eventsOfType(events, models.EventError) {
		if e.Error.Code == CodeMaxIterations {
			capped = true
		}
	}
	if !capped {
		t.Error("expected a max-iterations error event")
	}
	if client.calls() != 2 {
		t.Errorf("inference calls = %d, want 2", client.calls())
	}
}

func TestLoopFollowUpKeepsRunAlive(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{
		textResponse("First task done."),
		textResponse("Second task done."),
	}}

	loop := NewLoop(nil, &LoopDeps{
		Client:   client,
		Registry: NewToolRegistry(),
		Logger:   testLogger(),
	})
	loop.Controls().QueueFollowUp("now do the second thing")

	events, err := loop.Run(context.Background(), &models.Message{
		Role:    models.RoleUser,
		Content: "do the first thing",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collected := collectEvents(t, events)

	if n := len(eventsOfType(collected, models.EventTaskComplete)); n != 2 {
		t.Errorf("task_complete events = %d, want 2 (one per task)", n)
	}
	if client.calls() != 2 {
		t.Errorf("inference calls = %d, want 2", client.calls())
	}
	if loop.Controls().PendingFollowUps() != 0 {
		t.Error("follow-up queue should be drained")
	}
}

func TestLoopSteerBetweenStreamsCostsNoExtraInference(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{
		textResponse("Adjusted per your note."),
	}}
	loop := NewLoop(nil, &LoopDeps{
		Client:   client,
		Registry: NewToolRegistry(),
		Logger:   testLogger(),
	})

	// A steer with no stream bound must be folded into the next inference,
	// not abort it.
	loop.Controls().Steer("also check the tests")

	events, err := loop.Run(context.Background(), &models.Message{
		Role:    models.RoleUser,
		Content: "do the thing",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collectEvents(t, events)

	if client.calls() != 1 {
		t.Errorf("inference calls = %d, want 1", client.calls())
	}
	var steered bool
	for _, msg := range loop.History() {
		if msg.Role == models.RoleUser && msg.Content == "also check the tests" {
			steered = true
		}
	}
	if !steered {
		t.Error("steering message missing from history")
	}
}

func TestLoopCancelBeforeRun(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{textResponse("never sent")}}
	loop := NewLoop(nil, &LoopDeps{Client: client, Logger: testLogger()})
	loop.Controls().Cancel()

	events, err := loop.Run(context.Background(), &models.Message{Role: models.RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collected := collectEvents(t, events)

	if client.calls() != 0 {
		t.Errorf("inference calls = %d, want 0 after pre-cancel", client.calls())
	}
	final := collected[len(collected)-1]
	if final.Type != models.EventAgentComplete {
		t.Fatalf("last event = %s, want agent_complete", final.Type)
	}
	if final.Stats == nil || final.Stats.Run == nil || !final.Stats.Run.Cancelled {
		t.Error("run stats should record cancellation")
	}
}

func TestLoopRunRequiresClient(t *testing.T) {
	loop := NewLoop(nil, &LoopDeps{Logger: testLogger()})
	if _, err := loop.Run(context.Background(), &models.Message{Content: "hi"}); err != ErrNoClient {
		t.Errorf("err = %v, want ErrNoClient", err)
	}
}

func TestLoopPolicyUpdateAppliesNextIteration(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(failingTool("bash", "boom"))

	client := &scriptedClient{responses: []*ModelResponse{
		toolResponse(models.ToolCall{ID: "c1", Name: "bash", Arguments: map[string]any{"command": "x"}}),
	}}
	loop := NewLoop(nil, &LoopDeps{
		Client:   client,
		Registry: registry,
		Logger:   testLogger(),
	})

	// Staged before Run, so the first iteration already sees the tighter
	// breaker threshold.
	loop.UpdatePolicy(&RuntimePolicy{
		Breaker: &BreakerConfig{MaxConsecutiveFailures: 1},
	})

	events, err := loop.Run(context.Background(), &models.Message{
		Role:    models.RoleUser,
		Content: "run the build",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collected := collectEvents(t, events)

	var tripped bool
	for _, e := range eventsOfType(collected, models.EventError) {
		if e.Error.Code == CodeBreakerTripped {
			tripped = true
		}
	}
	if !tripped {
		t.Error("expected the reloaded one-failure threshold to trip the breaker")
	}
	if client.calls() != 1 {
		t.Errorf("inference calls = %d, want 1", client.calls())
	}
}

func TestLoopRecordsMetrics(t *testing.T) {
	// NewMetrics registers on the default Prometheus registry, so this is
	// the one test in the binary that constructs it.
	metrics := observability.NewMetrics()

	registry := NewToolRegistry()
	registry.Register(successTool("write_file", false))

	client := &scriptedClient{responses: []*ModelResponse{
		toolResponse(models.ToolCall{
			ID:        "c1",
			Name:      "write_file",
			Arguments: map[string]any{"path": "main.go"},
		}),
		textResponse("done"),
		textResponse("verified, done"),
	}}

	loop := NewLoop(nil, &LoopDeps{
		Client:   client,
		Registry: registry,
		Logger:   testLogger(),
		Metrics:  metrics,
	})
	events, err := loop.Run(context.Background(), &models.Message{
		Role:    models.RoleUser,
		Content: "Say hello",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collectEvents(t, events)

	if got := testutil.ToFloat64(metrics.IterationCounter.WithLabelValues("tool_use")); got != 1 {
		t.Errorf("tool_use iterations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.IterationCounter.WithLabelValues("text")); got != 2 {
		t.Errorf("text iterations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.InferenceCounter.WithLabelValues("", "", "success")); got != 3 {
		t.Errorf("successful inferences = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.ToolExecutionCounter.WithLabelValues("write_file", "success")); got != 1 {
		t.Errorf("write_file executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ActiveRuns); got != 0 {
		t.Errorf("active runs after completion = %v, want 0", got)
	}
}

func TestLoopGoalNudgeAfterWrite(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(successTool("write_file", false))

	client := &scriptedClient{responses: []*ModelResponse{
		toolResponse(models.ToolCall{
			ID:        "c1",
			Name:      "write_file",
			Arguments: map[string]any{"path": "out.txt"},
		}),
		textResponse("done"),
		textResponse("verified, done"),
	}}

	loop, _ := runLoop(t, client, registry, nil, "Say hello")

	// The first completion attempt is held back by the verify-your-work
	// nudge, so three inferences run.
	if client.calls() != 3 {
		t.Errorf("inference calls = %d, want 3", client.calls())
	}
	var nudged bool
	for _, msg := range loop.History() {
		if msg.Role == models.RoleSystem && msg.IsMeta {
			nudged = true
		}
	}
	if !nudged {
		t.Error("expected an injected system nudge in history")
	}
}
