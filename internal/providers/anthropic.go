package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

// maxEmptyStreamEvents is the maximum number of consecutive empty events
// before treating the stream as malformed. Protects against streams that
// flood with empty events.
const maxEmptyStreamEvents = 300

// AnthropicClient implements agent.LLMClient for Anthropic's Claude API.
//
// The client converts prompt messages and tool definitions to Anthropic's
// content-block format, consumes the SSE stream, and assembles the terminal
// agent.ModelResponse. Safe for concurrent use; each Infer call creates an
// independent stream and goroutine.
type AnthropicClient struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig holds configuration for creating an AnthropicClient.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// MaxRetries sets the retry attempts for transient failures. Default: 3.
	MaxRetries int

	// RetryDelay is the base delay between retries, doubled each attempt.
	// Default: 1 second.
	RetryDelay time.Duration

	// DefaultModel is used when the request does not name a model.
	DefaultModel string
}

// NewAnthropicClient creates an Anthropic client with the given configuration.
func NewAnthropicClient(config AnthropicConfig) (*AnthropicClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicClient{
		client:       anthropic.NewClient(options...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the provider identifier.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Models returns the available Claude models and their capabilities.
func (c *AnthropicClient) Models() []agent.ModelInfo {
	return []agent.ModelInfo{
		{
			ID:              "claude-sonnet-4-20250514",
			Name:            "Claude Sonnet 4",
			ContextWindow:   200000,
			MaxOutputTokens: 64000,
			SupportsVision:  true,
			SupportsTools:   true,
		},
		{
			ID:              "claude-opus-4-20250514",
			Name:            "Claude Opus 4",
			ContextWindow:   200000,
			MaxOutputTokens: 32000,
			SupportsVision:  true,
			SupportsTools:   true,
		},
		{
			ID:              "claude-3-5-sonnet-20241022",
			Name:            "Claude 3.5 Sonnet",
			ContextWindow:   200000,
			MaxOutputTokens: 8192,
			SupportsVision:  true,
			SupportsTools:   true,
		},
		{
			ID:              "claude-3-5-haiku-20241022",
			Name:            "Claude 3.5 Haiku",
			ContextWindow:   200000,
			MaxOutputTokens: 8192,
			SupportsVision:  false,
			SupportsTools:   true,
		},
	}
}

// SupportsTools reports that Claude models support tool use.
func (c *AnthropicClient) SupportsTools() bool {
	return true
}

// Infer sends a streaming request to Claude. The returned channel carries
// incremental chunks; the terminal done chunk has Final set with the
// assembled response. Stream creation errors that look transient are
// retried with exponential backoff, but never once output has been emitted.
func (c *AnthropicClient) Infer(ctx context.Context, req *agent.InferenceRequest) (<-chan *agent.StreamChunk, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	model := c.resolveModel(req.Model)
	out := make(chan *agent.StreamChunk)

	go func() {
		defer close(out)

		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			stream := c.client.Messages.NewStreaming(ctx, params)
			emitted, streamErr := c.processStream(stream, out, model)
			if streamErr == nil {
				return
			}

			wrapped := c.wrapError(streamErr, model)
			if emitted || !IsRetryable(wrapped) || attempt == c.maxRetries {
				out <- &agent.StreamChunk{Err: asLoopError(wrapped, "anthropic", req.MaxTokens)}
				return
			}

			backoff := c.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				out <- &agent.StreamChunk{Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}
	}()

	return out, nil
}

func (c *AnthropicClient) buildParams(req *agent.InferenceRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.resolveModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

// processStream consumes SSE events and converts them to stream chunks.
// Returns whether any chunk was emitted and the stream error, if any.
func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *agent.StreamChunk, model string) (bool, error) {
	var (
		content    strings.Builder
		thinking   strings.Builder
		toolCalls  []models.ToolCall
		toolInput  strings.Builder
		toolID     string
		toolName   string
		toolIndex  = -1
		inThinking bool
		stopReason string
		usage      agent.Usage
	)

	emitted := false
	emptyEvents := 0

	send := func(chunk *agent.StreamChunk) {
		emitted = true
		out <- chunk
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				toolIndex++
				toolID = toolUse.ID
				toolName = toolUse.Name
				toolInput.Reset()
				send(&agent.StreamChunk{
					Kind:          agent.ChunkToolCallStart,
					ToolCallIndex: toolIndex,
					ToolCallID:    toolID,
					ToolName:      toolName,
				})
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					send(&agent.StreamChunk{Kind: agent.ChunkText, Content: delta.Text})
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinking.WriteString(delta.Thinking)
					send(&agent.StreamChunk{Kind: agent.ChunkReasoning, Content: delta.Thinking})
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					send(&agent.StreamChunk{
						Kind:           agent.ChunkToolCallDelta,
						ToolCallIndex:  toolIndex,
						ArgumentsDelta: delta.PartialJSON,
					})
					processed = true
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				processed = true
			} else if toolID != "" {
				toolCalls = append(toolCalls, models.ToolCall{
					ID:        toolID,
					Name:      toolName,
					Arguments: models.ParseToolArguments([]byte(toolInput.String())),
				})
				toolID = ""
				toolName = ""
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			final := &agent.ModelResponse{
				Type:         agent.ResponseText,
				Content:      content.String(),
				Thinking:     thinking.String(),
				ToolCalls:    toolCalls,
				FinishReason: stopReason,
				Truncated:    stopReason == "max_tokens",
			}
			if len(toolCalls) > 0 {
				final.Type = agent.ResponseToolUse
			}
			if usage.InputTokens > 0 || usage.OutputTokens > 0 {
				final.Usage = &usage
			}
			send(&agent.StreamChunk{Kind: agent.ChunkDone, Final: final})
			return emitted, nil

		case "error":
			return emitted, errors.New("anthropic stream error")
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return emitted, fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents)
			}
		}
	}

	return emitted, stream.Err()
}

// convertAnthropicMessages converts prompt messages to Anthropic's format.
// Mid-conversation system messages are sent as user messages since the API
// only accepts a top-level system prompt.
func convertAnthropicMessages(messages []agent.PromptMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if len(msg.Parts) > 0 {
			for _, part := range msg.Parts {
				switch part.Kind {
				case models.ContentText:
					if part.Text != "" {
						content = append(content, anthropic.NewTextBlock(part.Text))
					}
				case models.ContentImage:
					content = append(content, anthropic.NewImageBlockBase64(part.MediaType, part.Base64))
				}
			}
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// convertAnthropicTools converts tool definitions to Anthropic's tool schema.
func convertAnthropicTools(tools []agent.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}

	return result, nil
}

func (c *AnthropicClient) resolveModel(model string) string {
	if model == "" {
		return c.defaultModel
	}
	return model
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *AnthropicClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		clientErr := &ClientError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		clientErr = clientErr.WithStatus(apiErr.StatusCode)

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					clientErr = clientErr.WithMessage(payload.Error.Message)
					if isContextLengthMessage(strings.ToLower(payload.Error.Message)) {
						clientErr.Reason = ReasonContextLength
					}
				}
				if payload.Error.Type != "" {
					clientErr = clientErr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					clientErr = clientErr.WithRequestID(payload.RequestID)
				}
			}
		}
		if clientErr.Message == "" {
			clientErr.Message = "anthropic request failed"
		}
		return clientErr
	}

	return NewClientError("anthropic", model, err)
}
