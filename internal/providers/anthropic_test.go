package providers

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

func TestNewAnthropicClientDefaults(t *testing.T) {
	if _, err := NewAnthropicClient(AnthropicConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}

	client, err := NewAnthropicClient(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}
	if client.defaultModel != "claude-sonnet-4-20250514" {
		t.Errorf("defaultModel = %q", client.defaultModel)
	}
	if client.maxRetries != 3 {
		t.Errorf("maxRetries = %d", client.maxRetries)
	}
	if client.Name() != "anthropic" {
		t.Errorf("Name() = %q", client.Name())
	}
	if !client.SupportsTools() {
		t.Error("SupportsTools should be true")
	}
}

func TestAnthropicModelsCapabilities(t *testing.T) {
	client, err := NewAnthropicClient(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}

	infos := client.Models()
	if len(infos) == 0 {
		t.Fatal("expected at least one model")
	}
	for _, info := range infos {
		if info.ID == "" || info.ContextWindow <= 0 {
			t.Errorf("incomplete model info: %+v", info)
		}
		if !info.SupportsTools {
			t.Errorf("model %s should support tools", info.ID)
		}
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []agent.PromptMessage{
		{Role: "user", Content: "look at this"},
		{Role: "assistant", Content: "looking"},
		{Role: "system", Content: "steering note"},
		{Role: "user", Content: ""},
	}

	result, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convertAnthropicMessages: %v", err)
	}

	// Empty message dropped; system sent as a user message.
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}
	if result[0].Role != "user" {
		t.Errorf("result[0].Role = %v, want user", result[0].Role)
	}
	if result[1].Role != "assistant" {
		t.Errorf("result[1].Role = %v, want assistant", result[1].Role)
	}
	if result[2].Role != "user" {
		t.Errorf("mid-conversation system message should be sent as user, got %v", result[2].Role)
	}
}

func TestConvertAnthropicMessagesImageParts(t *testing.T) {
	messages := []agent.PromptMessage{
		{
			Role: "user",
			Parts: []models.ContentPart{
				models.TextPart("describe"),
				models.ImagePart("image/jpeg", "ZGF0YQ=="),
			},
		},
	}

	result, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convertAnthropicMessages: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result))
	}
	if len(result[0].Content) != 2 {
		t.Fatalf("expected 2 content blocks, got %d", len(result[0].Content))
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	tools := []agent.ToolDefinition{
		{
			Name:        "bash",
			Description: "Run a shell command",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		},
	}

	result, err := convertAnthropicTools(tools)
	if err != nil {
		t.Fatalf("convertAnthropicTools: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result))
	}
	if result[0].OfTool == nil {
		t.Fatal("expected a plain tool param")
	}
	if result[0].OfTool.Name != "bash" {
		t.Errorf("Name = %q", result[0].OfTool.Name)
	}
}

func TestConvertAnthropicToolsInvalidSchema(t *testing.T) {
	tools := []agent.ToolDefinition{
		{Name: "broken", Parameters: json.RawMessage(`{oops`)},
	}
	if _, err := convertAnthropicTools(tools); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestAnthropicWrapErrorClassifiesContextLength(t *testing.T) {
	client, err := NewAnthropicClient(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}

	wrapped := client.wrapError(errInput{"prompt is too long: 250000 tokens > 200000 maximum"}, "claude-sonnet-4-20250514")
	clientErr, ok := GetClientError(wrapped)
	if !ok {
		t.Fatalf("expected ClientError, got %T", wrapped)
	}
	if clientErr.Reason != ReasonContextLength {
		t.Errorf("Reason = %v, want %v", clientErr.Reason, ReasonContextLength)
	}

	loopErr := asLoopError(wrapped, "anthropic", 4096)
	if _, ok := agent.IsContextLengthExceeded(loopErr); !ok {
		t.Errorf("expected ContextLengthExceededError, got %v", loopErr)
	}
}

type errInput struct{ msg string }

func (e errInput) Error() string { return e.msg }
