// Package providers implements upstream model integrations for the relay.
//
// This package provides implementations of the agent.Provider interface for
// Anthropic's Claude, OpenAI-compatible endpoints, and Google's Gemini API.
// Each provider handles the complexities of API integration, streaming
// responses, error handling, retries, and format conversion.
//
// Key Features:
//   - Streaming responses for real-time token delivery
//   - Automatic retry logic with backoff for transient failures
//   - Tool/function calling support
//   - Vision support for image-capable models
//   - Structured error classification via ProviderError
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

	"github.com/haasonsaas/chatrelay/internal/agent"
	"github.com/haasonsaas/chatrelay/pkg/models"
)

// maxEmptyStreamEvents is the maximum number of consecutive empty events
// before treating the stream as malformed. Protects against streams that
// flood with empty events.
const maxEmptyStreamEvents = 300

// AnthropicProvider implements the agent.Provider interface for Anthropic's
// Claude API. It provides streaming completions with automatic retries, tool
// calling, and structured error handling.
//
// The provider handles several responsibilities:
//   - Converting between internal turn formats and Anthropic's API format
//   - Managing streaming Server-Sent Events (SSE) responses
//   - Implementing retry logic with exponential backoff
//   - Accumulating tool-use input JSON across delta events
//
// Anthropic-Specific Behavior:
//   - The system prompt is a separate request field, not a message
//   - Tool results are content blocks inside a user message and must
//     immediately follow the assistant turn that requested them
//   - Tool input streams as partial JSON finalized at content_block_stop
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use across multiple goroutines.
// Each Send() call creates an independent stream and goroutine.
type AnthropicProvider struct {
	// client is the underlying Anthropic SDK client used for API calls.
	client anthropic.Client

	// maxRetries defines the maximum number of retry attempts for failed
	// requests. Applies to rate limits (429) and server errors (5xx).
	maxRetries int

	// retryDelay is the base delay between retry attempts.
	// Actual delay uses exponential backoff: retryDelay * 2^attempt.
	retryDelay time.Duration
}

// AnthropicConfig holds configuration for creating an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	// Format: sk-ant-api03-...
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string

	// MaxRetries sets the maximum retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryDelay sets the base delay between retry attempts. Default: 1s
	RetryDelay time.Duration
}

// NewAnthropicProvider creates a new Anthropic provider instance.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

// Name returns the provider identifier used for routing and logging.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Send submits a completion request and returns a streaming response channel.
//
// The method returns immediately with a channel that receives completion
// chunks as tokens are generated. Transient stream-creation failures are
// retried with exponential backoff; non-retryable errors and exhausted
// retries arrive as a chunk with Err set.
func (p *AnthropicProvider) Send(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}

			wrapped := p.wrapError(err, req.Model)
			if !IsRetryable(wrapped) {
				deliver(ctx, chunks, &agent.CompletionChunk{Err: wrapped, Done: true})
				return
			}

			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					deliver(ctx, chunks, &agent.CompletionChunk{Err: ctx.Err(), Done: true})
					return
				case <-time.After(backoff):
				}
			}
		}

		if err != nil {
			deliver(ctx, chunks, &agent.CompletionChunk{
				Err:  fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(err, req.Model)),
				Done: true,
			})
			return
		}

		p.processStream(ctx, stream, chunks, req.Model)
	}()

	return chunks, nil
}

// createStream builds the Anthropic request and opens the SSE stream.
func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertTurns(req.Turns)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert turns: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// processStream converts Anthropic SSE events to internal chunks.
//
// Tool calls arrive across multiple events: content_block_start carries the
// ID and name, input_json_delta events stream argument fragments, and
// content_block_stop finalizes the call. Text deltas are forwarded
// immediately.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "content_block_start":
			contentBlockStart := event.AsContentBlockStart()
			contentBlock := contentBlockStart.ContentBlock

			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			contentBlockDelta := event.AsContentBlockDelta()
			delta := contentBlockDelta.Delta

			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !deliver(ctx, chunks, &agent.CompletionChunk{Text: delta.Text}) {
						return
					}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				if !deliver(ctx, chunks, &agent.CompletionChunk{ToolCall: currentToolCall}) {
					return
				}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta", "message_start":
			eventProcessed = true

		case "message_stop":
			deliver(ctx, chunks, &agent.CompletionChunk{Done: true})
			return

		case "error":
			deliver(ctx, chunks, &agent.CompletionChunk{
				Err:  p.wrapError(errors.New("anthropic stream error"), model),
				Done: true,
			})
			return
		}

		// Malformed stream protection: track consecutive empty events.
		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				deliver(ctx, chunks, &agent.CompletionChunk{
					Err: p.wrapError(
						fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount),
						model,
					),
					Done: true,
				})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		deliver(ctx, chunks, &agent.CompletionChunk{Err: p.wrapError(err, model), Done: true})
	}
}

// convertTurns converts internal turns to Anthropic messages.
//
// Consecutive tool-result turns merge into a single user message because the
// API requires every result for an assistant's tool calls in the one message
// that follows it.
func (p *AnthropicProvider) convertTurns(turns []models.Turn) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, turn := range turns {
		switch turn.Role {
		case models.RoleSystem:
			// System content is a request-level field, never a message.
			continue

		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(
				turn.ToolCallID,
				turn.Content,
				false,
			))
			continue

		case models.RoleAssistant:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if turn.Content != "" {
				content = append(content, anthropic.NewTextBlock(turn.Content))
			}
			for _, toolCall := range turn.ToolCalls {
				var input map[string]interface{}
				if err := json.Unmarshal(toolCall.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
				content = append(content, anthropic.NewToolUseBlock(
					toolCall.ID,
					input,
					toolCall.Name,
				))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if turn.Content != "" {
				content = append(content, anthropic.NewTextBlock(turn.Content))
			}
			for _, att := range turn.Attachments {
				if block, ok := imageBlock(att); ok {
					content = append(content, block)
				}
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	flushResults()

	return result, nil
}

// imageBlock converts an image attachment to an Anthropic content block.
func imageBlock(att models.Attachment) (anthropic.ContentBlockParamUnion, bool) {
	if att.Type != models.AttachmentImage {
		return anthropic.ContentBlockParamUnion{}, false
	}
	if att.URL != "" {
		return anthropic.NewImageBlock(anthropic.URLImageSourceParam{
			Type: "url",
			URL:  att.URL,
		}), true
	}
	if att.DataURL != "" {
		mime, data, ok := splitDataURL(att.DataURL)
		if ok {
			return anthropic.NewImageBlock(anthropic.Base64ImageSourceParam{
				Type:      "base64",
				MediaType: anthropic.Base64ImageSourceMediaType(mime),
				Data:      data,
			}), true
		}
	}
	return anthropic.ContentBlockParamUnion{}, false
}

// convertTools converts tool declarations to Anthropic tool format.
func (p *AnthropicProvider) convertTools(tools []agent.ToolDeclaration) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
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

type anthropicErrorPayload struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// wrapError converts SDK errors to ProviderError with status classification.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				providerErr = providerErr.WithMessage(payload.Error.Message)
			}
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
