// Package hooks provides lifecycle hook dispatch for agent runs.
//
// A Dispatcher holds an ordered list of handlers per hook point. Firing a
// point runs the handlers in priority order; the first handler that returns
// ShouldProceed=false short-circuits the chain and its decision is returned.
// Handler errors are logged and never propagated; a failing handler counts
// as "proceed".
package hooks

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Point identifies a lifecycle hook point.
type Point string

const (
	// SessionStart fires when a session is created or resumed.
	SessionStart Point = "session-start"

	// UserPrompt fires when a user prompt is accepted, before inference.
	UserPrompt Point = "user-prompt"

	// PreTool fires before a tool call executes and may block it.
	PreTool Point = "pre-tool"

	// PostTool fires after a tool call completes.
	PostTool Point = "post-tool"

	// Stop fires when the model produced a final response and the loop is
	// about to complete. A non-proceed decision forces continuation.
	Stop Point = "stop"

	// SessionEnd fires when a session is closed.
	SessionEnd Point = "session-end"
)

// Event carries the data relevant to a hook point. Fields are populated
// according to the point being fired.
type Event struct {
	// SessionID identifies the session, when known.
	SessionID string

	// Prompt is the user prompt (UserPrompt).
	Prompt string

	// ToolName is the tool being invoked (PreTool, PostTool).
	ToolName string

	// ToolArgs are the parsed tool arguments (PreTool, PostTool).
	ToolArgs map[string]any

	// ToolOutput is the tool's output (PostTool).
	ToolOutput string

	// ToolFailed reports tool failure (PostTool).
	ToolFailed bool

	// FinalResponse is the model's final text (Stop).
	FinalResponse string
}

// Decision is a handler's verdict.
type Decision struct {
	// ShouldProceed is false when the chain must short-circuit: the tool
	// call is blocked, or the stop is rejected and the loop continues.
	ShouldProceed bool

	// Message explains a block, or carries the continuation instruction a
	// rejected stop injects into history.
	Message string
}

// Proceed is the default decision.
func Proceed() Decision {
	return Decision{ShouldProceed: true}
}

// Block produces a non-proceed decision with an explanation.
func Block(message string) Decision {
	return Decision{ShouldProceed: false, Message: message}
}

// HandlerFunc processes one hook event.
type HandlerFunc func(ctx context.Context, point Point, event *Event) (Decision, error)

type registration struct {
	name     string
	priority int
	order    int
	fn       HandlerFunc
}

// Dispatcher routes hook events to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Point][]registration
	counter  int
	log      *slog.Logger
}

// NewDispatcher creates an empty hook dispatcher.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[Point][]registration),
		log:      log,
	}
}

// Register adds a handler for the given points. Lower priority runs first;
// equal priorities keep registration order.
func (d *Dispatcher) Register(name string, priority int, fn HandlerFunc, points ...Point) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range points {
		d.counter++
		regs := append(d.handlers[p], registration{
			name:     name,
			priority: priority,
			order:    d.counter,
			fn:       fn,
		})
		sort.SliceStable(regs, func(i, j int) bool {
			if regs[i].priority != regs[j].priority {
				return regs[i].priority < regs[j].priority
			}
			return regs[i].order < regs[j].order
		})
		d.handlers[p] = regs
	}
}

// Fire runs the chain for a point. The zero-handler case proceeds.
func (d *Dispatcher) Fire(ctx context.Context, point Point, event *Event) Decision {
	d.mu.RLock()
	regs := d.handlers[point]
	d.mu.RUnlock()

	for _, reg := range regs {
		decision, err := reg.fn(ctx, point, event)
		if err != nil {
			d.log.Warn("hook handler failed",
				slog.String("hook", reg.name),
				slog.String("point", string(point)),
				slog.String("error", err.Error()))
			continue
		}
		if !decision.ShouldProceed {
			d.log.Debug("hook chain short-circuited",
				slog.String("hook", reg.name),
				slog.String("point", string(point)))
			return decision
		}
	}
	return Proceed()
}

// HasHandlers reports whether any handler is registered for a point.
func (d *Dispatcher) HasHandlers(point Point) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[point]) > 0
}
