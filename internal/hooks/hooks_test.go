package hooks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recorder(log *[]string, name string, decision Decision) HandlerFunc {
	return func(ctx context.Context, point Point, event *Event) (Decision, error) {
		*log = append(*log, name)
		return decision, nil
	}
}

func TestFireRunsInPriorityOrder(t *testing.T) {
	d := NewDispatcher(quietLogger())
	var order []string
	d.Register("late", 10, recorder(&order, "late", Proceed()), PreTool)
	d.Register("early", 1, recorder(&order, "early", Proceed()), PreTool)
	d.Register("middle", 5, recorder(&order, "middle", Proceed()), PreTool)

	decision := d.Fire(context.Background(), PreTool, &Event{ToolName: "bash"})
	if !decision.ShouldProceed {
		t.Error("all-proceed chain should proceed")
	}
	if len(order) != 3 || order[0] != "early" || order[1] != "middle" || order[2] != "late" {
		t.Errorf("order = %v", order)
	}
}

func TestFireEqualPriorityKeepsRegistrationOrder(t *testing.T) {
	d := NewDispatcher(quietLogger())
	var order []string
	d.Register("first", 0, recorder(&order, "first", Proceed()), Stop)
	d.Register("second", 0, recorder(&order, "second", Proceed()), Stop)

	d.Fire(context.Background(), Stop, &Event{})
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}

func TestFireShortCircuitsOnBlock(t *testing.T) {
	d := NewDispatcher(quietLogger())
	var order []string
	d.Register("guard", 0, recorder(&order, "guard", Block("not allowed")), PreTool)
	d.Register("never", 1, recorder(&order, "never", Proceed()), PreTool)

	decision := d.Fire(context.Background(), PreTool, &Event{ToolName: "bash"})
	if decision.ShouldProceed {
		t.Error("blocked chain should not proceed")
	}
	if decision.Message != "not allowed" {
		t.Errorf("Message = %q", decision.Message)
	}
	if len(order) != 1 {
		t.Errorf("handlers after the block ran: %v", order)
	}
}

func TestFireHandlerErrorCountsAsProceed(t *testing.T) {
	d := NewDispatcher(quietLogger())
	var order []string
	d.Register("broken", 0, func(ctx context.Context, point Point, event *Event) (Decision, error) {
		order = append(order, "broken")
		return Decision{}, errors.New("handler exploded")
	}, PostTool)
	d.Register("after", 1, recorder(&order, "after", Proceed()), PostTool)

	decision := d.Fire(context.Background(), PostTool, &Event{})
	if !decision.ShouldProceed {
		t.Error("a failing handler must not block the chain")
	}
	if len(order) != 2 {
		t.Errorf("order = %v, want the chain to continue past the error", order)
	}
}

func TestFireNoHandlersProceeds(t *testing.T) {
	d := NewDispatcher(quietLogger())
	if decision := d.Fire(context.Background(), SessionEnd, &Event{}); !decision.ShouldProceed {
		t.Error("empty chain should proceed")
	}
}

func TestHasHandlers(t *testing.T) {
	d := NewDispatcher(quietLogger())
	if d.HasHandlers(PreTool) {
		t.Error("fresh dispatcher has no handlers")
	}
	d.Register("h", 0, recorder(new([]string), "h", Proceed()), PreTool, PostTool)
	if !d.HasHandlers(PreTool) || !d.HasHandlers(PostTool) {
		t.Error("both registered points should report handlers")
	}
	if d.HasHandlers(Stop) {
		t.Error("unregistered point should report none")
	}
}

func TestRegisterMultiplePointsSharesHandler(t *testing.T) {
	d := NewDispatcher(quietLogger())
	count := 0
	d.Register("counter", 0, func(ctx context.Context, point Point, event *Event) (Decision, error) {
		count++
		return Proceed(), nil
	}, SessionStart, SessionEnd)

	d.Fire(context.Background(), SessionStart, &Event{SessionID: "s1"})
	d.Fire(context.Background(), SessionEnd, &Event{SessionID: "s1"})
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}
