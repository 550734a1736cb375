package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/hooks"
	"github.com/haasonsaas/conductor/pkg/models"
)

func newTestScheduler(t *testing.T, registry *ToolRegistry) (*Scheduler, *Emitter) {
	t.Helper()
	emitter := NewEmitter("run-test")
	scheduler := NewScheduler(registry, NewExecutor(registry, nil), emitter,
		NewDetector(nil), NewCircuitBreaker(nil), nil, nil, nil, nil, testLogger())
	return scheduler, emitter
}

func drainEmitter(emitter *Emitter) []models.AgentEvent {
	emitter.Close()
	var out []models.AgentEvent
	for e := range emitter.Events() {
		out = append(out, e)
	}
	return out
}

func readCalls(n int) []models.ToolCall {
	calls := make([]models.ToolCall, n)
	for i := range calls {
		calls[i] = models.ToolCall{
			ID:        fmt.Sprintf("r%d", i),
			Name:      "read_file",
			Arguments: map[string]any{"path": fmt.Sprintf("f%d.go", i)},
		}
	}
	return calls
}

func TestDispatchResultsInOriginalOrder(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&FuncTool{
		ToolName: "read_file",
		Parallel: true,
		Fn: func(ctx context.Context, args map[string]any) (*ToolOutput, error) {
			path, _ := args["path"].(string)
			return &ToolOutput{Success: true, Output: path}, nil
		},
	})
	scheduler, _ := newTestScheduler(t, registry)

	calls := readCalls(4)
	results, _ := scheduler.Dispatch(context.Background(), calls)
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	for i, r := range results {
		if r.ToolCallID != calls[i].ID {
			t.Errorf("result[%d].ToolCallID = %s, want %s", i, r.ToolCallID, calls[i].ID)
		}
		if r.Output != fmt.Sprintf("f%d.go", i) {
			t.Errorf("result[%d].Output = %q", i, r.Output)
		}
	}
}

func TestDispatchBoundsParallelism(t *testing.T) {
	var running, peak int64
	registry := NewToolRegistry()
	registry.Register(&FuncTool{
		ToolName: "read_file",
		Parallel: true,
		Fn: func(ctx context.Context, args map[string]any) (*ToolOutput, error) {
			now := atomic.AddInt64(&running, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			return &ToolOutput{Success: true}, nil
		},
	})
	scheduler, _ := newTestScheduler(t, registry)

	results, _ := scheduler.Dispatch(context.Background(), readCalls(7))
	if len(results) != 7 {
		t.Fatalf("results = %d, want 7", len(results))
	}
	if p := atomic.LoadInt64(&peak); p > MaxParallelTools {
		t.Errorf("peak concurrency = %d, want <= %d", p, MaxParallelTools)
	}
}

func TestDispatchReadThenWriteLayers(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	registry := NewToolRegistry()
	registry.Register(&FuncTool{
		ToolName: "read_file", Parallel: true,
		Fn: func(ctx context.Context, args map[string]any) (*ToolOutput, error) {
			time.Sleep(5 * time.Millisecond)
			record("read")
			return &ToolOutput{Success: true}, nil
		},
	})
	registry.Register(&FuncTool{
		ToolName: "write_file",
		Fn: func(ctx context.Context, args map[string]any) (*ToolOutput, error) {
			record("write")
			return &ToolOutput{Success: true}, nil
		},
	})
	scheduler, _ := newTestScheduler(t, registry)

	// The write to a.go must wait for the read of a.go (write-after-read).
	calls := []models.ToolCall{
		{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "a.go"}},
		{ID: "c2", Name: "write_file", Arguments: map[string]any{"path": "a.go"}},
	}
	results, report := scheduler.Dispatch(context.Background(), calls)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "read" || order[1] != "write" {
		t.Errorf("execution order = %v, want [read write]", order)
	}
	if !results[0].Success || !results[1].Success {
		t.Error("both calls should succeed")
	}
	if len(report.ModifiedFiles) != 1 || report.ModifiedFiles[0] != "a.go" {
		t.Errorf("ModifiedFiles = %v", report.ModifiedFiles)
	}
}

func TestDispatchSerializesWritesToSamePath(t *testing.T) {
	var order []string
	var mu sync.Mutex
	registry := NewToolRegistry()
	registry.Register(&FuncTool{
		ToolName: "write_file",
		Fn: func(ctx context.Context, args map[string]any) (*ToolOutput, error) {
			content, _ := args["content"].(string)
			mu.Lock()
			order = append(order, content)
			mu.Unlock()
			return &ToolOutput{Success: true}, nil
		},
	})
	scheduler, _ := newTestScheduler(t, registry)

	calls := []models.ToolCall{
		{ID: "w1", Name: "write_file", Arguments: map[string]any{"path": "a.go", "content": "first"}},
		{ID: "w2", Name: "write_file", Arguments: map[string]any{"path": "a.go", "content": "second"}},
	}
	scheduler.Dispatch(context.Background(), calls)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("write order = %v, want [first second]", order)
	}
}

func TestDispatchBatchStartsBeforeEnds(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(successTool("read_file", true))
	scheduler, emitter := newTestScheduler(t, registry)

	scheduler.Dispatch(context.Background(), readCalls(3))
	events := drainEmitter(emitter)

	lastStart, firstEnd := -1, -1
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
	if lastStart > firstEnd {
		t.Errorf("start at %d after first end at %d", lastStart, firstEnd)
	}
}

func TestDispatchHookBlocksCall(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(successTool("write_file", false))

	dispatcher := hooks.NewDispatcher(testLogger())
	dispatcher.Register("guard", 0, func(ctx context.Context, point hooks.Point, event *hooks.Event) (hooks.Decision, error) {
		if event.ToolName == "write_file" {
			return hooks.Block("writes are not allowed here"), nil
		}
		return hooks.Proceed(), nil
	}, hooks.PreTool)

	emitter := NewEmitter("run-test")
	scheduler := NewScheduler(registry, NewExecutor(registry, nil), emitter,
		NewDetector(nil), NewCircuitBreaker(nil), dispatcher, nil, nil, nil, testLogger())

	calls := []models.ToolCall{{ID: "w1", Name: "write_file", Arguments: map[string]any{"path": "a.go"}}}
	results, report := scheduler.Dispatch(context.Background(), calls)

	if results[0].Success {
		t.Error("blocked call should fail")
	}
	if results[0].Metadata["code"] != CodeToolBlockedByHook {
		t.Errorf("Metadata code = %v", results[0].Metadata["code"])
	}
	if len(report.Nudges) == 0 {
		t.Error("expected a nudge explaining the block")
	}

	// Blocked calls still produce a start/end pair.
	events := drainEmitter(emitter)
	starts := eventsOfType(events, models.EventToolCallStart)
	ends := eventsOfType(events, models.EventToolCallEnd)
	if len(starts) != 1 || len(ends) != 1 {
		t.Errorf("blocked call events start=%d end=%d, want 1/1", len(starts), len(ends))
	}
	if !ends[0].Tool.Blocked {
		t.Error("end event should be marked blocked")
	}
}

func TestDispatchBreakerCountsFailures(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(failingTool("bash", "boom"))

	emitter := NewEmitter("run-test")
	breaker := NewCircuitBreaker(&BreakerConfig{MaxConsecutiveFailures: 2})
	scheduler := NewScheduler(registry, NewExecutor(registry, nil), emitter,
		NewDetector(nil), breaker, nil, nil, nil, nil, testLogger())

	calls := []models.ToolCall{
		{ID: "b1", Name: "bash", Arguments: map[string]any{"command": "x"}},
		{ID: "b2", Name: "bash", Arguments: map[string]any{"command": "y"}},
	}
	_, report := scheduler.Dispatch(context.Background(), calls)
	if !report.BreakerTripped {
		t.Error("two consecutive failures should trip a threshold-2 breaker")
	}
	if !breaker.Tripped() {
		t.Error("breaker should be open")
	}
}

func TestFileAccessBashRedirect(t *testing.T) {
	call := models.ToolCall{
		Name:      "bash",
		Arguments: map[string]any{"command": "go test ./... > out.log 2>&1"},
	}
	_, writes := fileAccess(call)
	if len(writes) != 1 || writes[0] != "out.log" {
		t.Errorf("writes = %v, want [out.log]", writes)
	}
}

func TestExtractCitations(t *testing.T) {
	output := "see https://example.com/a and (https://example.com/b) plus https://example.com/a again"
	cites := extractCitations(output)
	if len(cites) != 2 {
		t.Fatalf("citations = %v, want 2 unique", cites)
	}
	if cites[0] != "https://example.com/a" || cites[1] != "https://example.com/b" {
		t.Errorf("citations = %v", cites)
	}
}
