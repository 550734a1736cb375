package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// renderer turns the agent event stream into terminal output. In JSON mode
// every event is written as one NDJSON line; in text mode a readable
// progress view is produced.
type renderer struct {
	w         io.Writer
	jsonMode  bool
	enc       *json.Encoder
	streaming bool
}

func newRenderer(w io.Writer, jsonMode bool) *renderer {
	r := &renderer{w: w, jsonMode: jsonMode}
	if jsonMode {
		r.enc = json.NewEncoder(w)
	}
	return r
}

func (r *renderer) Render(event models.AgentEvent) {
	if r.jsonMode {
		_ = r.enc.Encode(event)
		return
	}

	switch event.Type {
	case models.EventStreamChunk:
		if event.Stream != nil && event.Stream.Delta != "" {
			fmt.Fprint(r.w, event.Stream.Delta)
			r.streaming = true
		}

	case models.EventToolCallStart:
		r.breakLine()
		if event.Tool != nil {
			fmt.Fprintf(r.w, "→ %s%s\n", event.Tool.Name, summarizeArgs(event.Tool.Arguments))
		}

	case models.EventToolCallEnd:
		if event.Tool == nil {
			return
		}
		if event.Tool.Blocked {
			fmt.Fprintf(r.w, "  blocked: %s\n", event.Tool.Error)
		} else if event.Tool.Success {
			fmt.Fprintf(r.w, "  ok (%s)\n", event.Tool.Elapsed.Round(1e6))
		} else {
			fmt.Fprintf(r.w, "  failed: %s\n", firstLine(event.Tool.Error))
		}

	case models.EventModelFallback:
		r.breakLine()
		if event.Fallback != nil {
			fmt.Fprintf(r.w, "! switching model %s -> %s (%s)\n",
				event.Fallback.From, event.Fallback.To, event.Fallback.Reason)
		}

	case models.EventAPIKeyRequired:
		r.breakLine()
		if event.Notice != nil {
			fmt.Fprintf(r.w, "! %s\n", event.Notice.Text)
		}

	case models.EventNotification, models.EventBudgetWarning, models.EventBudgetExceeded:
		r.breakLine()
		if event.Notice != nil {
			fmt.Fprintf(r.w, "! %s\n", event.Notice.Text)
		}

	case models.EventContextCompressed:
		r.breakLine()
		if event.Context != nil {
			fmt.Fprintf(r.w, "~ compressed %d messages (saved ~%d tokens)\n",
				event.Context.MessagesCompacted, event.Context.TokensSaved)
		}

	case models.EventInterruptAcknowledged:
		r.breakLine()
		fmt.Fprintln(r.w, "! interrupt acknowledged")

	case models.EventError:
		r.breakLine()
		if event.Error != nil {
			fmt.Fprintf(r.w, "error [%s]: %s\n", event.Error.Code, event.Error.Message)
		}

	case models.EventTaskComplete:
		r.breakLine()

	case models.EventAgentComplete:
		r.breakLine()
		if event.Stats != nil && event.Stats.Run != nil {
			s := event.Stats.Run
			fmt.Fprintf(r.w, "\ndone: %d iterations, %d tool calls (%d failed), %d in / %d out tokens, %s\n",
				s.Iterations, s.ToolCalls, s.ToolFailures, s.InputTokens, s.OutputTokens,
				s.WallTime.Round(1e7))
		}
	}
}

// breakLine terminates an in-progress streamed line before block output.
func (r *renderer) breakLine() {
	if r.streaming {
		fmt.Fprintln(r.w)
		r.streaming = false
	}
}

// summarizeArgs renders a short single-line view of tool arguments.
func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	for _, key := range []string{"command", "path", "file_path", "pattern", "query", "url"} {
		if v, ok := args[key].(string); ok && v != "" {
			if len(v) > 80 {
				v = v[:77] + "..."
			}
			return fmt.Sprintf(" %s", v)
		}
	}
	return fmt.Sprintf(" (%d args)", len(args))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
