package context

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Attachment handling limits.
const (
	// AttachmentPreviewBytes is the size above which a file attachment is
	// sent as a preview instead of full content.
	AttachmentPreviewBytes = 8 * 1024

	// AttachmentPreviewLines is the number of lines in a preview.
	AttachmentPreviewLines = 30

	// AttachmentTotalCharCap bounds total attachment characters per message.
	AttachmentTotalCharCap = 50000
)

// summaryArgLimit bounds argument text in per-call summaries before
// head-and-tail ellipsis kicks in.
const summaryArgLimit = 200

// SynthesizeOptions configures history-to-prompt conversion.
type SynthesizeOptions struct {
	// IncludeImages keeps image parts; when false they are dropped here and
	// the fallback router's placeholder logic applies downstream.
	IncludeImages bool

	// ReadFile loads attachment content from disk. Defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Synthesize converts conversation history into provider-facing messages.
//
// Tool messages become user messages prefixed with "Tool results:"; assistant
// messages carrying tool calls are replaced by compact per-call summaries;
// user messages with attachments gain multi-modal parts.
func Synthesize(history []*models.Message, opts *SynthesizeOptions) []models.PromptMessage {
	if opts == nil {
		opts = &SynthesizeOptions{IncludeImages: true}
	}
	readFile := opts.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}

	out := make([]models.PromptMessage, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		switch {
		case msg.Role == models.RoleTool:
			out = append(out, models.PromptMessage{
				Role:    "user",
				Content: "Tool results:\n" + formatToolResults(msg.ToolResults),
			})

		case msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0:
			out = append(out, models.PromptMessage{
				Role:    "assistant",
				Content: summarizeToolCalls(msg.Content, msg.ToolCalls),
			})

		case msg.Role == models.RoleUser && len(msg.Attachments) > 0:
			out = append(out, synthesizeUserAttachments(msg, readFile, opts.IncludeImages))

		default:
			out = append(out, models.PromptMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
				Parts:   msg.Parts,
			})
		}
	}
	return out
}

func formatToolResults(results []models.ToolResult) string {
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n")
		}
		if r.Success {
			sb.WriteString(r.Output)
		} else {
			sb.WriteString("Error: ")
			sb.WriteString(r.Error)
		}
	}
	return sb.String()
}

// summarizeToolCalls builds the compact assistant-side record of a tool-use
// turn. The strings deliberately mirror the text-tool-call matchers so the
// model never learns a narration format the detector cannot invert.
func summarizeToolCalls(preamble string, calls []models.ToolCall) string {
	var lines []string
	if preamble != "" {
		lines = append(lines, preamble)
	}
	for _, call := range calls {
		lines = append(lines, summarizeCall(call))
	}
	return strings.Join(lines, "\n")
}

func summarizeCall(call models.ToolCall) string {
	arg := func(key string) string {
		s, _ := call.Arguments[key].(string)
		return headTailEllipsis(s, summaryArgLimit)
	}
	switch call.Name {
	case "bash":
		return "Ran: " + arg("command")
	case "edit_file":
		return "Edited " + arg("path")
	case "read_file":
		return "Read " + arg("path")
	case "write_file", "create_file":
		return "Created " + arg("path")
	case "glob":
		return "Found files matching: " + arg("pattern")
	case "grep":
		return "Searched for: " + arg("pattern")
	case "list_directory":
		return "Listed: " + arg("path")
	case "web_fetch":
		return "Fetched: " + arg("url")
	default:
		return "Called " + call.Name
	}
}

// HeadTailEllipsis shortens long text keeping both ends and recording the
// original character count in the marker.
func HeadTailEllipsis(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	half := limit / 2
	return fmt.Sprintf("%s... [%d chars] ...%s", s[:half], len(s), s[len(s)-half:])
}

func headTailEllipsis(s string, limit int) string {
	return HeadTailEllipsis(s, limit)
}

func synthesizeUserAttachments(msg *models.Message, readFile func(string) ([]byte, error), includeImages bool) models.PromptMessage {
	parts := []models.ContentPart{}
	if msg.Content != "" {
		parts = append(parts, models.TextPart(msg.Content))
	}

	budget := AttachmentTotalCharCap
	elided := 0
	for _, att := range msg.Attachments {
		if budget <= 0 {
			elided++
			continue
		}
		if att.Type == "image" {
			if !includeImages {
				continue
			}
			encoded := att.Content
			if encoded == "" {
				data, err := readFile(att.Path)
				if err != nil {
					parts = append(parts, models.TextPart(fmt.Sprintf("[attachment %s could not be read: %v]", att.Filename, err)))
					continue
				}
				encoded = base64.StdEncoding.EncodeToString(data)
			}
			parts = append(parts, models.ImagePart(att.MimeType, encoded))
			continue
		}

		data := []byte(att.Content)
		if len(data) == 0 {
			var err error
			data, err = readFile(att.Path)
			if err != nil {
				parts = append(parts, models.TextPart(fmt.Sprintf("[attachment %s could not be read: %v]", att.Filename, err)))
				continue
			}
		}
		block := attachmentTextBlock(att.Filename, data)
		if len(block) > budget {
			block = block[:budget]
		}
		budget -= len(block)
		parts = append(parts, models.TextPart(block))
	}

	if elided > 0 {
		parts = append(parts, models.TextPart(fmt.Sprintf(
			"[%d additional attachment(s) elided; read them with read_file if needed]", elided)))
	}

	return models.PromptMessage{Role: "user", Parts: parts}
}

func attachmentTextBlock(filename string, data []byte) string {
	content := string(data)
	if len(data) <= AttachmentPreviewBytes {
		return fmt.Sprintf("Attached file %s:\n%s", filename, content)
	}
	lines := strings.SplitN(content, "\n", AttachmentPreviewLines+1)
	if len(lines) > AttachmentPreviewLines {
		lines = lines[:AttachmentPreviewLines]
	}
	return fmt.Sprintf(
		"Attached file %s (preview, first %d lines of %d bytes). Call read_file for the full content:\n%s",
		filename, len(lines), len(data), strings.Join(lines, "\n"))
}
