package agent

import (
	"testing"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestEmitterSequenceMonotonic(t *testing.T) {
	emitter := NewEmitter("run-1")
	emitter.TurnStart()
	emitter.Notification("one")
	emitter.TaskComplete()
	events := drainEmitter(emitter)

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Errorf("sequence not increasing at %d: %d then %d", i, events[i-1].Sequence, events[i].Sequence)
		}
	}
	for _, e := range events {
		if e.RunID != "run-1" || e.Version != 1 {
			t.Errorf("event missing run metadata: %+v", e)
		}
	}
}

func TestEmitterStampsTurnContext(t *testing.T) {
	emitter := NewEmitter("run-1")
	emitter.SetTurn("turn-7", 3)
	emitter.Notification("inside the turn")
	events := drainEmitter(emitter)

	if events[0].TurnID != "turn-7" || events[0].Iteration != 3 {
		t.Errorf("turn context = %s/%d", events[0].TurnID, events[0].Iteration)
	}
}

func TestEmitterDropsAfterClose(t *testing.T) {
	emitter := NewEmitter("run-1")
	emitter.Notification("before")
	emitter.Close()
	emitter.Notification("after")
	emitter.Close()

	count := 0
	for range emitter.Events() {
		count++
	}
	if count != 1 {
		t.Errorf("received %d events, want 1", count)
	}
}

func TestStatsCollectorAccumulates(t *testing.T) {
	c := NewStatsCollector("run-1")
	now := time.Now()

	c.OnEvent(models.AgentEvent{Type: models.EventTurnStart, TurnID: "t1", Time: now})
	c.OnEvent(models.AgentEvent{Type: models.EventTurnStart, TurnID: "t1", Time: now})
	c.OnEvent(models.AgentEvent{Type: models.EventTurnStart, TurnID: "t2", Time: now})

	c.OnEvent(models.AgentEvent{
		Type: models.EventToolCallStart, Time: now,
		Tool: &models.ToolEventPayload{ToolCallID: "c1", Name: "bash"},
	})
	c.OnEvent(models.AgentEvent{
		Type: models.EventToolCallEnd, Time: now.Add(40 * time.Millisecond),
		Tool: &models.ToolEventPayload{ToolCallID: "c1", Name: "bash", Success: false},
	})

	c.OnEvent(models.AgentEvent{
		Type:    models.EventContextCompressed,
		Context: &models.ContextEventPayload{TokensSaved: 1200},
	})
	c.OnEvent(models.AgentEvent{
		Type:  models.EventError,
		Error: &models.ErrorEventPayload{Code: CodeBreakerTripped},
	})
	c.AddTokens(100, 40)

	stats := c.Stats()
	if stats.Turns != 2 {
		t.Errorf("Turns = %d, want 2 (repeat turn IDs count once)", stats.Turns)
	}
	if stats.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", stats.Iterations)
	}
	if stats.ToolCalls != 1 || stats.ToolFailures != 1 {
		t.Errorf("tool counters = %d/%d", stats.ToolCalls, stats.ToolFailures)
	}
	if stats.ToolWallTime != 40*time.Millisecond {
		t.Errorf("ToolWallTime = %s", stats.ToolWallTime)
	}
	if stats.Compressions != 1 || stats.TokensSaved != 1200 {
		t.Errorf("compression counters = %d/%d", stats.Compressions, stats.TokensSaved)
	}
	if stats.Errors != 1 || !stats.BreakerTrip {
		t.Errorf("error counters = %d trip=%v", stats.Errors, stats.BreakerTrip)
	}
	if stats.InputTokens != 100 || stats.OutputTokens != 40 {
		t.Errorf("token counters = %d/%d", stats.InputTokens, stats.OutputTokens)
	}
}

func TestEmitterObserverSeesEveryEvent(t *testing.T) {
	emitter := NewEmitter("run-1")
	var seen []models.AgentEventType
	emitter.SetObserver(func(e models.AgentEvent) {
		seen = append(seen, e.Type)
	})
	emitter.TurnStart()
	emitter.TurnEnd()
	drainEmitter(emitter)

	if len(seen) != 2 || seen[0] != models.EventTurnStart || seen[1] != models.EventTurnEnd {
		t.Errorf("observer saw %v", seen)
	}
}
