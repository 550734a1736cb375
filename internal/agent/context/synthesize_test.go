package context

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestSynthesizeToolResultsBecomeUserMessage(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Success: true, Output: "file contents here"},
			{ToolCallID: "c2", Success: false, Error: "no such file"},
		}},
	}
	out := Synthesize(history, nil)
	if len(out) != 1 {
		t.Fatalf("messages = %d", len(out))
	}
	if out[0].Role != "user" {
		t.Errorf("Role = %s, want user", out[0].Role)
	}
	if !strings.HasPrefix(out[0].Content, "Tool results:\n") {
		t.Errorf("Content = %q", out[0].Content)
	}
	if !strings.Contains(out[0].Content, "file contents here") || !strings.Contains(out[0].Content, "Error: no such file") {
		t.Errorf("Content = %q", out[0].Content)
	}
}

func TestSynthesizeToolCallSummaries(t *testing.T) {
	tests := []struct {
		call models.ToolCall
		want string
	}{
		{models.ToolCall{Name: "bash", Arguments: map[string]any{"command": "ls -la"}}, "Ran: ls -la"},
		{models.ToolCall{Name: "edit_file", Arguments: map[string]any{"path": "a.go"}}, "Edited a.go"},
		{models.ToolCall{Name: "read_file", Arguments: map[string]any{"path": "b.go"}}, "Read b.go"},
		{models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": "c.go"}}, "Created c.go"},
		{models.ToolCall{Name: "glob", Arguments: map[string]any{"pattern": "*.go"}}, "Found files matching: *.go"},
		{models.ToolCall{Name: "grep", Arguments: map[string]any{"pattern": "TODO"}}, "Searched for: TODO"},
		{models.ToolCall{Name: "list_directory", Arguments: map[string]any{"path": "src"}}, "Listed: src"},
		{models.ToolCall{Name: "web_fetch", Arguments: map[string]any{"url": "https://x.dev"}}, "Fetched: https://x.dev"},
		{models.ToolCall{Name: "custom_tool"}, "Called custom_tool"},
	}
	for _, tt := range tests {
		history := []*models.Message{
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{tt.call}},
		}
		out := Synthesize(history, nil)
		if out[0].Content != tt.want {
			t.Errorf("%s: summary = %q, want %q", tt.call.Name, out[0].Content, tt.want)
		}
	}
}

func TestSynthesizePreambleKeptBeforeSummaries(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleAssistant, Content: "Checking the directory first.", ToolCalls: []models.ToolCall{
			{Name: "list_directory", Arguments: map[string]any{"path": "."}},
		}},
	}
	out := Synthesize(history, nil)
	want := "Checking the directory first.\nListed: ."
	if out[0].Content != want {
		t.Errorf("Content = %q, want %q", out[0].Content, want)
	}
}

func TestSynthesizeAttachmentInline(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleUser, Content: "review this", Attachments: []models.Attachment{
			{Type: "document", Filename: "notes.txt", Content: "short file body"},
		}},
	}
	out := Synthesize(history, nil)
	parts := out[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %d", len(parts))
	}
	if parts[0].Text != "review this" {
		t.Errorf("parts[0] = %q", parts[0].Text)
	}
	if !strings.Contains(parts[1].Text, "Attached file notes.txt") || !strings.Contains(parts[1].Text, "short file body") {
		t.Errorf("parts[1] = %q", parts[1].Text)
	}
}

func TestSynthesizeAttachmentPreviewWhenLarge(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&sb, "line %d of a long file with some padding text\n", i)
	}
	history := []*models.Message{
		{Role: models.RoleUser, Content: "look", Attachments: []models.Attachment{
			{Type: "document", Filename: "big.log", Content: sb.String()},
		}},
	}
	out := Synthesize(history, nil)
	block := out[0].Parts[1].Text
	if !strings.Contains(block, "preview") || !strings.Contains(block, "read_file") {
		t.Errorf("large attachment should be a preview: %.120q", block)
	}
	if strings.Contains(block, "line 499") {
		t.Error("preview should not include the tail of the file")
	}
}

func TestSynthesizeAttachmentReadFailure(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleUser, Content: "look", Attachments: []models.Attachment{
			{Type: "document", Filename: "gone.txt", Path: "/nope/gone.txt"},
		}},
	}
	out := Synthesize(history, &SynthesizeOptions{
		ReadFile: func(path string) ([]byte, error) { return nil, errors.New("permission denied") },
	})
	block := out[0].Parts[1].Text
	if !strings.Contains(block, "could not be read") {
		t.Errorf("block = %q", block)
	}
}

func TestSynthesizeAttachmentCapElides(t *testing.T) {
	big := strings.Repeat("x", AttachmentTotalCharCap)
	history := []*models.Message{
		{Role: models.RoleUser, Content: "both of these", Attachments: []models.Attachment{
			{Type: "document", Filename: "a.txt", Content: big},
			{Type: "document", Filename: "b.txt", Content: "small"},
		}},
	}
	out := Synthesize(history, nil)
	last := out[0].Parts[len(out[0].Parts)-1].Text
	if !strings.Contains(last, "elided") {
		t.Errorf("expected an elision note, got %q", last)
	}
}

func TestSynthesizeImageAttachmentRespectsIncludeImages(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleUser, Content: "see", Attachments: []models.Attachment{
			{Type: "image", Filename: "shot.png", MimeType: "image/png", Content: "aGVsbG8="},
		}},
	}

	withImages := Synthesize(history, &SynthesizeOptions{IncludeImages: true})
	found := false
	for _, p := range withImages[0].Parts {
		if p.Kind == models.ContentImage {
			found = true
		}
	}
	if !found {
		t.Error("image part missing when IncludeImages is true")
	}

	without := Synthesize(history, &SynthesizeOptions{IncludeImages: false})
	for _, p := range without[0].Parts {
		if p.Kind == models.ContentImage {
			t.Error("image part present when IncludeImages is false")
		}
	}
}

func TestHeadTailEllipsis(t *testing.T) {
	if got := HeadTailEllipsis("short", 100); got != "short" {
		t.Errorf("short input changed: %q", got)
	}
	long := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	got := HeadTailEllipsis(long, 20)
	if !strings.HasPrefix(got, "aaaaaaaaaa") || !strings.HasSuffix(got, "bbbbbbbbbb") {
		t.Errorf("ends not preserved: %q", got)
	}
	if !strings.Contains(got, "[100 chars]") {
		t.Errorf("marker missing original length: %q", got)
	}
}
