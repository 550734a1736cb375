package agent

import (
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// TruncationAction tells the controller how to recover from a truncated
// model response.
type TruncationAction int

const (
	// TruncationNone means no recovery applies; proceed normally.
	TruncationNone TruncationAction = iota

	// TruncationBoostAndDirect means execute the calls, inject the directive
	// afterwards, and raise the output budget for the next inference.
	TruncationBoostAndDirect

	// TruncationAbortBatch means do not execute any call in the batch;
	// synthesize failed results, inject the directive, and continue.
	TruncationAbortBatch

	// TruncationRetryInference means discard the text response, raise the
	// output budget, and re-run inference.
	TruncationRetryInference
)

// TruncationPlan is the recovery decision for one truncated response.
type TruncationPlan struct {
	Action TruncationAction

	// Directive is the system message to inject, when non-empty.
	Directive string

	// MaxTokens is the output budget for the next inference.
	MaxTokens int
}

const (
	writeTruncationDirective = "Your previous response was cut off mid-way through a file write. " +
		"Write a minimal skeleton of the file first, then fill it in with a series of smaller incremental edits instead of one large write."

	heredocTruncationDirective = "Your previous response was cut off inside a shell heredoc, so none of its tool calls were executed. " +
		"Regenerate the command with a shorter body, or write the content to a temporary file first and reference it from the command."

	genericTruncationDirective = "Your previous response was cut off before the tool call completed. " +
		"Continue the previous action, keeping the output short enough to finish."
)

// PlanTruncationRecovery decides the recovery for a truncated response.
// maxTokens is the current output budget, modelMax the model's ceiling.
// textRetryUsed guards the once-per-run text retry.
func PlanTruncationRecovery(resp *ModelResponse, maxTokens, modelMax int, textRetryUsed bool) *TruncationPlan {
	if resp == nil || !resp.Truncated {
		return &TruncationPlan{Action: TruncationNone, MaxTokens: maxTokens}
	}

	boosted := boostTokens(maxTokens, modelMax)

	if len(resp.ToolCalls) > 0 {
		if batchHasHeredoc(resp.ToolCalls) {
			return &TruncationPlan{
				Action:    TruncationAbortBatch,
				Directive: heredocTruncationDirective,
				MaxTokens: boosted,
			}
		}
		if batchHasWriteFile(resp.ToolCalls) {
			return &TruncationPlan{
				Action:    TruncationBoostAndDirect,
				Directive: writeTruncationDirective,
				MaxTokens: boosted,
			}
		}
		return &TruncationPlan{
			Action:    TruncationBoostAndDirect,
			Directive: genericTruncationDirective,
			MaxTokens: boosted,
		}
	}

	if textRetryUsed {
		return &TruncationPlan{Action: TruncationNone, MaxTokens: maxTokens}
	}
	return &TruncationPlan{
		Action:    TruncationRetryInference,
		MaxTokens: boosted,
	}
}

func boostTokens(maxTokens, modelMax int) int {
	boosted := maxTokens * 2
	if modelMax > 0 && boosted > modelMax {
		boosted = modelMax
	}
	if boosted <= maxTokens {
		boosted = maxTokens
	}
	return boosted
}

func batchHasWriteFile(calls []models.ToolCall) bool {
	for _, c := range calls {
		if IsWriteTool(c.Name) {
			return true
		}
	}
	return false
}

func batchHasHeredoc(calls []models.ToolCall) bool {
	for _, c := range calls {
		if c.Name != "bash" {
			continue
		}
		if cmd, ok := c.Arguments["command"].(string); ok && strings.Contains(cmd, "<<") {
			return true
		}
		// A call whose arguments failed to parse mid-heredoc surfaces the
		// raw text through the parse-error sentinel.
		if raw, failed := c.ParseError(); failed && strings.Contains(raw, "<<") {
			return true
		}
	}
	return false
}
