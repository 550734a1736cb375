// Package models provides domain types for the Conductor agent core.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is an ordered entry in conversation history.
//
// Invariant: any assistant message carrying ToolCalls must be followed in
// history by exactly one tool message whose ToolResults cover the same
// tool-call IDs. Compression may replace the pair with a single summary
// entry but never splits it.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Parts holds multimodal content when the message is not plain text.
	// When non-empty it takes precedence over Content.
	Parts []ContentPart `json:"parts,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// ToolCalls is set on assistant messages requesting tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults is set on tool messages carrying observations.
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// Attachments is set on user messages (images, files).
	Attachments []Attachment `json:"attachments,omitempty"`

	// Thinking holds the model's reasoning text when available.
	Thinking string `json:"thinking,omitempty"`

	// Compaction marks this message as a compaction block summarizing
	// removed history.
	Compaction *CompactionBlock `json:"compaction,omitempty"`

	// IsMeta suppresses UI rendering of system-injected messages.
	IsMeta bool `json:"is_meta,omitempty"`
}

// ContentKind tags a content part variant.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
)

// ContentPart is a tagged variant of message content.
type ContentPart struct {
	Kind ContentKind `json:"kind"`

	// Text is set when Kind == ContentText.
	Text string `json:"text,omitempty"`

	// MediaType and Base64 are set when Kind == ContentImage.
	MediaType string `json:"media_type,omitempty"`
	Base64    string `json:"base64,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ImagePart builds an image content part.
func ImagePart(mediaType, base64Data string) ContentPart {
	return ContentPart{Kind: ContentImage, MediaType: mediaType, Base64: base64Data}
}

// ArgumentsParseErrorKey is the sentinel key set on ToolCall.Arguments when
// the model's JSON could not be parsed. Its value is the raw argument
// string, preserved so it can be fed back to the model as an observation
// rather than raised as an exception.
const ArgumentsParseErrorKey = "__arguments_parse_error"

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ParseError returns the raw argument string and true when the arguments
// carry the parse-error sentinel.
func (tc ToolCall) ParseError() (string, bool) {
	if tc.Arguments == nil {
		return "", false
	}
	raw, ok := tc.Arguments[ArgumentsParseErrorKey].(string)
	return raw, ok
}

// ParseToolArguments decodes a raw JSON argument payload. On parse failure
// the raw string is preserved under ArgumentsParseErrorKey.
func ParseToolArguments(raw []byte) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{ArgumentsParseErrorKey: string(raw)}
	}
	return args
}

// ToolResult represents the observation from a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// Metadata carries tool-specific extras. Oversized or binary fields are
	// replaced during history sanitization.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Attachment represents a file or media attachment on a user message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	Path     string `json:"path,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`

	// Content holds inline data: raw text for documents, base64 for images.
	Content string `json:"content,omitempty"`
}

// CompactionBlock records what a compaction summary replaced, preserving
// auditability of removed history.
type CompactionBlock struct {
	// MessagesCompacted is the number of original messages the summary replaced.
	MessagesCompacted int `json:"messages_compacted"`

	// TokensSaved is the estimated token reduction.
	TokensSaved int `json:"tokens_saved"`

	// ReplacedIDs are the IDs of the original messages the summary replaced,
	// in order, so compressed entries map back without index drift.
	ReplacedIDs []string `json:"replaced_ids,omitempty"`

	// CompactedAt is when the compaction ran.
	CompactedAt time.Time `json:"compacted_at"`
}

// Session represents a conversation thread the loop operates in.
type Session struct {
	ID         string         `json:"id"`
	Key        string         `json:"key,omitempty"`
	Title      string         `json:"title,omitempty"`
	WorkingDir string         `json:"working_dir,omitempty"`

	// IsProjectDir is true when WorkingDir is a user-selected project rather
	// than a default scratch area. Controls the system-prompt directory block.
	IsProjectDir bool `json:"is_project_dir,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
