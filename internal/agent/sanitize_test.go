package agent

import (
	"strings"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestSanitizeArgumentsStripsLeakedTags(t *testing.T) {
	args := map[string]any{
		"command": `ls -la</invoke></function_calls>`,
		"nested": map[string]any{
			"note": "<thinking>hmm</thinking>keep this",
		},
		"list":  []any{"<tool_call>x</tool_call>"},
		"count": 3,
	}
	SanitizeArguments(args)

	if args["command"] != "ls -la" {
		t.Errorf("command = %q", args["command"])
	}
	nested := args["nested"].(map[string]any)
	if nested["note"] != "hmmkeep this" {
		t.Errorf("nested note = %q", nested["note"])
	}
	list := args["list"].([]any)
	if list[0] != "x" {
		t.Errorf("list[0] = %q", list[0])
	}
	if args["count"] != 3 {
		t.Errorf("non-string value changed: %v", args["count"])
	}
}

func TestSanitizeBashCommand(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean", "go test ./...", "go test ./..."},
		{
			"heredoc preserved",
			"cat > f.txt <<EOF\nline one\n- not a bullet\nEOF",
			"cat > f.txt <<EOF\nline one\n- not a bullet\nEOF",
		},
		{
			"bullet trailer cut",
			"npm install\n- installs the deps\n- then builds",
			"npm install",
		},
		{
			"cjk trailer cut on first line",
			"ls -la これはファイルを一覧表示します",
			"ls -la",
		},
		{
			"cjk line cut keeps prior lines",
			"make build\nmake test\nビルドしてテストします",
			"make build\nmake test",
		},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		if got := SanitizeBashCommand(tt.in); got != tt.want {
			t.Errorf("%s: SanitizeBashCommand(%q) = %q, want %q", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestSanitizeToolResultFiltersBinaryOutput(t *testing.T) {
	blob := strings.Repeat("QUJDREVGR0hJSg==", BinaryFilterThreshold/16+1)
	result := SanitizeToolResult(models.ToolResult{ToolCallID: "c1", Success: true, Output: blob})
	if !strings.HasPrefix(result.Output, "[BINARY_DATA_FILTERED:") {
		t.Errorf("Output not filtered: %.60q", result.Output)
	}

	// Idempotent: the marker itself passes through untouched.
	again := SanitizeToolResult(result)
	if again.Output != result.Output {
		t.Error("sanitization is not idempotent")
	}
}

func TestSanitizeToolResultKeepsLargeText(t *testing.T) {
	// Large but clearly textual output stays intact.
	text := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 400)
	result := SanitizeToolResult(models.ToolResult{Output: text})
	if result.Output != text {
		t.Error("textual output should not be filtered")
	}
}

func TestSanitizeToolResultDropsMediaMetadata(t *testing.T) {
	result := SanitizeToolResult(models.ToolResult{
		Metadata: map[string]any{
			"images":    []any{"base64..."},
			"exit_code": 0,
			"nested": map[string]any{
				"screenshot": "raw",
				"title":      "page",
			},
		},
	})
	if _, ok := result.Metadata["images"]; ok {
		t.Error("images field should be dropped")
	}
	if result.Metadata["exit_code"] != 0 {
		t.Error("exit_code should survive")
	}
	nested := result.Metadata["nested"].(map[string]any)
	if _, ok := nested["screenshot"]; ok {
		t.Error("nested screenshot field should be dropped")
	}
	if nested["title"] != "page" {
		t.Error("nested title should survive")
	}
}

func TestSanitizeToolResultDataURI(t *testing.T) {
	blob := "data:image/png;base64," + strings.Repeat("A", BinaryFilterThreshold)
	result := SanitizeToolResult(models.ToolResult{Output: blob})
	if !strings.HasPrefix(result.Output, "[BINARY_DATA_FILTERED:") {
		t.Errorf("data URI not filtered: %.40q", result.Output)
	}
}
