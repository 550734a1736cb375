package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

// OpenAIClient implements agent.LLMClient for OpenAI's chat completions API.
//
// Key differences from the Anthropic client:
//   - The system prompt is the first message in the array, not a separate field
//   - Tool calls stream incrementally and are accumulated by index
//   - Vision content uses data-URL image parts
//
// Safe for concurrent use; each Infer call creates an independent stream.
type OpenAIClient struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig holds configuration for creating an OpenAIClient.
type OpenAIConfig struct {
	// APIKey is the OpenAI API authentication key (required).
	APIKey string

	// BaseURL overrides the default API base URL. Useful for proxies and
	// OpenAI-compatible servers.
	BaseURL string

	// MaxRetries sets the retry attempts for transient failures. Default: 3.
	MaxRetries int

	// RetryDelay is the base delay between retries, increased linearly.
	// Default: 1 second.
	RetryDelay time.Duration

	// DefaultModel is used when the request does not name a model.
	DefaultModel string
}

// NewOpenAIClient creates an OpenAI client with the given configuration.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientConfig),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Models returns the available GPT models and their capabilities.
func (c *OpenAIClient) Models() []agent.ModelInfo {
	return []agent.ModelInfo{
		{
			ID:              "gpt-4o",
			Name:            "GPT-4o",
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
			SupportsVision:  true,
			SupportsTools:   true,
		},
		{
			ID:              "gpt-4o-mini",
			Name:            "GPT-4o mini",
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
			SupportsVision:  true,
			SupportsTools:   true,
		},
		{
			ID:              "gpt-4-turbo",
			Name:            "GPT-4 Turbo",
			ContextWindow:   128000,
			MaxOutputTokens: 4096,
			SupportsVision:  true,
			SupportsTools:   true,
		},
		{
			ID:              "gpt-3.5-turbo",
			Name:            "GPT-3.5 Turbo",
			ContextWindow:   16385,
			MaxOutputTokens: 4096,
			SupportsVision:  false,
			SupportsTools:   true,
		},
	}
}

// SupportsTools reports that GPT models support function calling.
func (c *OpenAIClient) SupportsTools() bool {
	return true
}

// Infer sends a streaming chat completion request. Stream creation is
// retried with linear backoff for transient failures; once the stream is
// open, errors terminate it.
func (c *OpenAIClient) Infer(ctx context.Context, req *agent.InferenceRequest) (<-chan *agent.StreamChunk, error) {
	model := c.resolveModel(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = c.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}

		wrapped := c.wrapError(lastErr, model)
		if !IsRetryable(wrapped) {
			return nil, asLoopError(wrapped, "openai", req.MaxTokens)
		}
		lastErr = wrapped
	}
	if lastErr != nil {
		return nil, asLoopError(fmt.Errorf("openai: max retries exceeded: %w", lastErr), "openai", req.MaxTokens)
	}

	out := make(chan *agent.StreamChunk)
	go c.processStream(ctx, stream, out, model, req.MaxTokens)
	return out, nil
}

// processStream consumes the completion stream, emitting chunks and
// accumulating tool calls by index until the stream finishes.
func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *agent.StreamChunk, model string, maxTokens int) {
	defer close(out)
	defer stream.Close()

	var (
		content      strings.Builder
		toolCalls    = make(map[int]*pendingToolCall)
		finishReason string
		usage        agent.Usage
	)

	for {
		select {
		case <-ctx.Done():
			out <- &agent.StreamChunk{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				out <- &agent.StreamChunk{Kind: agent.ChunkDone, Final: assembleOpenAIResponse(content.String(), toolCalls, finishReason, usage)}
				return
			}
			out <- &agent.StreamChunk{Err: asLoopError(c.wrapError(err, model), "openai", maxTokens)}
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}

		delta := choice.Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			out <- &agent.StreamChunk{Kind: agent.ChunkText, Content: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}

			pending := toolCalls[index]
			if pending == nil {
				pending = &pendingToolCall{}
				toolCalls[index] = pending
			}

			if tc.ID != "" {
				pending.id = tc.ID
			}
			if tc.Function.Name != "" {
				pending.name = tc.Function.Name
			}
			if pending.id != "" && pending.name != "" && !pending.announced {
				pending.announced = true
				out <- &agent.StreamChunk{
					Kind:          agent.ChunkToolCallStart,
					ToolCallIndex: index,
					ToolCallID:    pending.id,
					ToolName:      pending.name,
				}
			}
			if tc.Function.Arguments != "" {
				pending.args.WriteString(tc.Function.Arguments)
				out <- &agent.StreamChunk{
					Kind:           agent.ChunkToolCallDelta,
					ToolCallIndex:  index,
					ArgumentsDelta: tc.Function.Arguments,
				}
			}
		}
	}
}

type pendingToolCall struct {
	id        string
	name      string
	args      strings.Builder
	announced bool
}

func assembleOpenAIResponse(content string, pending map[int]*pendingToolCall, finishReason string, usage agent.Usage) *agent.ModelResponse {
	indexes := make([]int, 0, len(pending))
	for i, tc := range pending {
		if tc.id != "" && tc.name != "" {
			indexes = append(indexes, i)
		}
	}
	sort.Ints(indexes)

	var toolCalls []models.ToolCall
	for _, i := range indexes {
		tc := pending[i]
		toolCalls = append(toolCalls, models.ToolCall{
			ID:        tc.id,
			Name:      tc.name,
			Arguments: models.ParseToolArguments([]byte(tc.args.String())),
		})
	}

	final := &agent.ModelResponse{
		Type:         agent.ResponseText,
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Truncated:    finishReason == string(openai.FinishReasonLength),
	}
	if len(toolCalls) > 0 {
		final.Type = agent.ResponseToolUse
	}
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		final.Usage = &usage
	}
	return final
}

// convertOpenAIMessages converts prompt messages to OpenAI's chat format,
// injecting the system prompt as the first message.
func convertOpenAIMessages(messages []agent.PromptMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{Role: msg.Role}

		if len(msg.Parts) > 0 {
			parts := make([]openai.ChatMessagePart, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch part.Kind {
				case models.ContentText:
					if part.Text != "" {
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeText,
							Text: part.Text,
						})
					}
				case models.ContentImage:
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    fmt.Sprintf("data:%s;base64,%s", part.MediaType, part.Base64),
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
			}
			oaiMsg.MultiContent = parts
		} else {
			if msg.Content == "" {
				continue
			}
			oaiMsg.Content = msg.Content
		}

		result = append(result, oaiMsg)
	}

	return result
}

// convertOpenAITools converts tool definitions to OpenAI function format.
// A tool with an unparseable schema degrades to an empty object schema so
// one bad tool does not break function calling for the rest.
func convertOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil || schemaMap == nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

func (c *OpenAIClient) resolveModel(model string) string {
	if model == "" {
		return c.defaultModel
	}
	return model
}

func (c *OpenAIClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		clientErr := &ClientError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		clientErr = clientErr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			clientErr = clientErr.WithMessage(apiErr.Message)
			if isContextLengthMessage(strings.ToLower(apiErr.Message)) {
				clientErr.Reason = ReasonContextLength
			}
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			clientErr = clientErr.WithCode(code)
		}
		if clientErr.Message == "" {
			clientErr.Message = "openai request failed"
		}
		return clientErr
	}

	return NewClientError("openai", model, err)
}
