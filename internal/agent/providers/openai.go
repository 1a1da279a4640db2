package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/chatrelay/internal/agent"
	"github.com/haasonsaas/chatrelay/pkg/models"
)

// KeySource supplies an API key when none is configured statically.
// Implementations may fetch keys from an external listing at call time.
type KeySource interface {
	Key(ctx context.Context) (string, error)
}

// OpenAIProvider implements the agent.Provider interface for OpenAI-compatible
// chat completion APIs. It provides streaming completions, tool/function
// calling, vision support, and automatic retry logic for production use.
//
// The provider handles several key responsibilities:
//   - Converting between internal turn formats and OpenAI's API format
//   - Managing streaming responses with real-time token delivery
//   - Implementing retry logic with backoff for transient failures
//   - Accumulating incremental tool-call deltas into complete calls
//   - Supporting vision-capable models with image attachments
//
// OpenAI-Specific Behavior:
//   - System messages are included in the messages array (not separate)
//   - Tool calls stream incrementally and must be accumulated by index
//   - Tool results require separate messages (one per tool call)
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use across multiple goroutines.
// Each Send() call creates an independent stream and goroutine.
type OpenAIProvider struct {
	// client is the underlying OpenAI SDK client used for API calls.
	// Nil when no static key is configured and no keys have been fetched.
	client *openai.Client

	// apiKey stores the configured API key. Format: sk-...
	apiKey string

	// baseURL overrides the API endpoint for OpenAI-compatible gateways.
	baseURL string

	// keys supplies a fallback API key when apiKey is empty.
	keys KeySource

	// maxRetries defines the maximum number of retry attempts for failed
	// requests. Applies to rate limits (429) and server errors (5xx).
	maxRetries int

	// retryDelay is the base delay between retry attempts.
	// Actual delay is: retryDelay * attempt (linear backoff).
	retryDelay time.Duration
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithBaseURL points the provider at an OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) { p.baseURL = url }
}

// WithKeySource installs a fallback key supplier used when no static API key
// is configured.
func WithKeySource(src KeySource) OpenAIOption {
	return func(p *OpenAIProvider) { p.keys = src }
}

// NewOpenAIProvider creates a new OpenAI provider instance.
//
// An empty API key is allowed: Send() will then consult the configured
// KeySource per request, or fail if none is set.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:     apiKey,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if apiKey != "" {
		p.client = p.newClient(apiKey)
	}
	return p
}

func (p *OpenAIProvider) newClient(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Name returns the provider identifier used for routing and logging.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Send submits a completion request and returns a streaming response channel.
//
// The method returns immediately with a channel that receives completion
// chunks as they arrive from the streaming API. Text deltas are emitted as
// they arrive; tool calls are accumulated across delta chunks and emitted
// complete, in the order their indexes first appeared on the wire.
//
// Errors returned directly cover request setup failures (missing key,
// non-retryable API errors, retries exhausted). Errors during streaming
// arrive as a chunk with Err set.
func (p *OpenAIProvider) Send(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	client := p.client
	if client == nil {
		if p.keys == nil {
			return nil, NewProviderError(p.Name(), req.Model, fmt.Errorf("API key not configured"))
		}
		key, err := p.keys.Key(ctx)
		if err != nil {
			return nil, NewProviderError(p.Name(), req.Model, fmt.Errorf("fetch fallback key: %w", err))
		}
		client = p.newClient(key)
	}

	messages := p.convertTurns(req.Turns, req.System)

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error

	// Linear backoff retry loop (delay increases linearly: 0s, 1s, 2s)
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}

		if !IsRetryable(lastErr) {
			return nil, NewProviderError(p.Name(), req.Model, lastErr)
		}
	}

	if lastErr != nil {
		return nil, NewProviderError(p.Name(), req.Model, fmt.Errorf("max retries exceeded: %w", lastErr))
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks)

	return chunks, nil
}

// toolAccumulator rebuilds complete tool calls from incremental deltas.
//
// The API streams each call in fragments: the first delta for an index
// carries the ID and function name, later deltas append argument JSON. A
// single response can interleave deltas for several indexes, so fragments
// are keyed by index while a separate slice records the order in which each
// index was first seen. Emission follows that arrival order, not numeric
// index order.
type toolAccumulator struct {
	calls map[int]*models.ToolCall
	order []int
}

func newToolAccumulator() *toolAccumulator {
	return &toolAccumulator{calls: make(map[int]*models.ToolCall)}
}

func (a *toolAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}

	call, ok := a.calls[index]
	if !ok {
		call = &models.ToolCall{}
		a.calls[index] = call
		a.order = append(a.order, index)
	}

	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		call.Input = append(call.Input, tc.Function.Arguments...)
	}
}

// drain returns completed calls in arrival order and resets the accumulator.
// Calls missing a name are dropped; calls missing an ID get a synthesized
// one so tool results can still be linked back.
func (a *toolAccumulator) drain() []*models.ToolCall {
	var out []*models.ToolCall
	for _, index := range a.order {
		call := a.calls[index]
		if call.Name == "" {
			continue
		}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", index)
		}
		if len(call.Input) == 0 {
			call.Input = json.RawMessage(`{}`)
		}
		out = append(out, call)
	}
	a.calls = make(map[int]*models.ToolCall)
	a.order = nil
	return out
}

// processStream consumes the SDK stream and converts it to internal chunks.
//
// Text deltas are forwarded immediately. Tool-call deltas are fed to the
// accumulator and emitted when the response finishes with "tool_calls" (or
// at EOF, for servers that omit the finish reason).
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	acc := newToolAccumulator()

	for {
		select {
		case <-ctx.Done():
			deliver(ctx, chunks, &agent.CompletionChunk{Err: ctx.Err(), Done: true})
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				for _, call := range acc.drain() {
					if !deliver(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
						return
					}
				}
				deliver(ctx, chunks, &agent.CompletionChunk{Done: true})
				return
			}
			deliver(ctx, chunks, &agent.CompletionChunk{Err: err, Done: true})
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !deliver(ctx, chunks, &agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc.add(tc)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			for _, call := range acc.drain() {
				if !deliver(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
					return
				}
			}
		}
	}
}

// convertTurns converts internal turns to OpenAI chat messages.
//
// The system prompt is injected as the first message. Image attachments on
// user turns switch the message to multi-content format. Tool turns become
// role "tool" messages linked by ToolCallID.
func (p *OpenAIProvider) convertTurns(turns []models.Turn, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(turns)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, turn := range turns {
		switch turn.Role {
		case models.RoleUser:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
			if parts := imageParts(turn); len(parts) > 0 {
				if turn.Content != "" {
					parts = append([]openai.ChatMessagePart{{
						Type: openai.ChatMessagePartTypeText,
						Text: turn.Content,
					}}, parts...)
				}
				msg.MultiContent = parts
			} else {
				msg.Content = turn.Content
			}
			result = append(result, msg)

		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: turn.Content,
			}
			if len(turn.ToolCalls) > 0 {
				msg.ToolCalls = make([]openai.ToolCall, len(turn.ToolCalls))
				for i, tc := range turn.ToolCalls {
					msg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, msg)

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    turn.Content,
				ToolCallID: turn.ToolCallID,
			})
		}
	}

	return result
}

// imageParts returns vision content parts for a turn's image attachments.
// A data URL is used when no public URL is available.
func imageParts(turn models.Turn) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, att := range turn.Attachments {
		if att.Type != models.AttachmentImage {
			continue
		}
		url := att.URL
		if url == "" {
			url = att.DataURL
		}
		if url == "" {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    url,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return parts
}

// convertTools converts tool declarations to OpenAI function definitions.
//
// If a tool's schema is invalid JSON, it's replaced with an empty object
// schema so one bad tool does not break function calling for the rest.
func (p *OpenAIProvider) convertTools(tools []agent.ToolDeclaration) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
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
