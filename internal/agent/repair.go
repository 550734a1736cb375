package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// RepairTranscript restores the tool-call pairing invariant: every
// assistant message carrying tool calls must be followed by exactly one
// tool message whose results cover the same call IDs. Orphaned calls
// (typically from a cancelled or crashed iteration) get synthetic error
// results so the next inference sees a coherent transcript.
//
// Returns the repaired history and the number of synthetic results added.
func RepairTranscript(history []*models.Message) ([]*models.Message, int) {
	fixed := 0
	out := make([]*models.Message, 0, len(history))

	for i := 0; i < len(history); i++ {
		msg := history[i]
		out = append(out, msg)
		if msg.Role != models.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}

		covered := map[string]bool{}
		if i+1 < len(history) && history[i+1].Role == models.RoleTool {
			for _, r := range history[i+1].ToolResults {
				covered[r.ToolCallID] = true
			}
		}

		var missing []models.ToolResult
		for _, call := range msg.ToolCalls {
			if !covered[call.ID] {
				missing = append(missing, models.ToolResult{
					ToolCallID: call.ID,
					Success:    false,
					Error:      "tool execution did not complete; the run was interrupted before a result was recorded",
				})
			}
		}
		if len(missing) == 0 {
			continue
		}
		fixed += len(missing)

		if i+1 < len(history) && history[i+1].Role == models.RoleTool {
			// Extend the existing tool message with the missing results.
			next := history[i+1]
			next.ToolResults = append(next.ToolResults, missing...)
			continue
		}
		out = append(out, &models.Message{
			ID:          uuid.NewString(),
			Role:        models.RoleTool,
			ToolResults: missing,
			Timestamp:   time.Now(),
			IsMeta:      true,
		})
	}
	return out, fixed
}
