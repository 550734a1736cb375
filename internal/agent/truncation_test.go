package agent

import (
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestTruncationNoneForCompleteResponse(t *testing.T) {
	plan := PlanTruncationRecovery(&ModelResponse{Content: "done"}, 4096, 8192, false)
	if plan.Action != TruncationNone {
		t.Errorf("Action = %d, want none", plan.Action)
	}
	if plan.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want unchanged", plan.MaxTokens)
	}
}

func TestTruncationWriteFileBoosts(t *testing.T) {
	resp := &ModelResponse{
		Truncated: true,
		ToolCalls: []models.ToolCall{{Name: "write_file", Arguments: map[string]any{"path": "a.go"}}},
	}
	plan := PlanTruncationRecovery(resp, 4096, 16384, false)
	if plan.Action != TruncationBoostAndDirect {
		t.Fatalf("Action = %d, want boost-and-direct", plan.Action)
	}
	if plan.MaxTokens != 8192 {
		t.Errorf("MaxTokens = %d, want doubled", plan.MaxTokens)
	}
	if plan.Directive == "" {
		t.Error("write truncation should carry a directive")
	}
}

func TestTruncationHeredocAbortsBatch(t *testing.T) {
	resp := &ModelResponse{
		Truncated: true,
		ToolCalls: []models.ToolCall{{
			Name:      "bash",
			Arguments: map[string]any{"command": "cat > out.txt <<EOF\npartial"},
		}},
	}
	plan := PlanTruncationRecovery(resp, 4096, 16384, false)
	if plan.Action != TruncationAbortBatch {
		t.Errorf("Action = %d, want abort-batch", plan.Action)
	}
}

func TestTruncationHeredocDetectedInParseError(t *testing.T) {
	resp := &ModelResponse{
		Truncated: true,
		ToolCalls: []models.ToolCall{{
			Name: "bash",
			Arguments: map[string]any{
				models.ArgumentsParseErrorKey: `{"command": "cat <<EOF\nunterminated`,
			},
		}},
	}
	plan := PlanTruncationRecovery(resp, 4096, 16384, false)
	if plan.Action != TruncationAbortBatch {
		t.Errorf("Action = %d, want abort-batch for mid-heredoc parse failure", plan.Action)
	}
}

func TestTruncationTextRetryOnce(t *testing.T) {
	resp := &ModelResponse{Truncated: true, Content: "partial text"}

	plan := PlanTruncationRecovery(resp, 4096, 16384, false)
	if plan.Action != TruncationRetryInference {
		t.Fatalf("first text truncation: Action = %d, want retry", plan.Action)
	}
	if plan.MaxTokens != 8192 {
		t.Errorf("MaxTokens = %d, want doubled", plan.MaxTokens)
	}

	plan = PlanTruncationRecovery(resp, 8192, 16384, true)
	if plan.Action != TruncationNone {
		t.Errorf("second text truncation: Action = %d, want none (retry used)", plan.Action)
	}
}

func TestTruncationBoostCappedAtModelMax(t *testing.T) {
	resp := &ModelResponse{
		Truncated: true,
		ToolCalls: []models.ToolCall{{Name: "read_file", Arguments: map[string]any{"path": "a"}}},
	}
	plan := PlanTruncationRecovery(resp, 6000, 8192, false)
	if plan.MaxTokens != 8192 {
		t.Errorf("MaxTokens = %d, want model ceiling 8192", plan.MaxTokens)
	}
}
