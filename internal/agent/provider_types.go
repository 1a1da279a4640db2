package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/chatrelay/pkg/models"
)

// Provider is the contract every upstream model backend implements.
//
// Implementations must be safe for concurrent use; each Send call owns an
// independent upstream request and response stream. Adapters are
// interchangeable: the orchestrator never inspects which provider it holds.
type Provider interface {
	// Send submits a transcript plus tool declarations and returns a live
	// stream of completion chunks. The channel is closed when the upstream
	// response ends; a terminal error is delivered as a chunk.
	Send(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the stable lowercase provider identifier.
	Name() string
}

// CompletionRequest carries one upstream invocation.
type CompletionRequest struct {
	// Model names the upstream model; empty selects the adapter default.
	Model string `json:"model"`

	// System is the instruction prompt. Adapters map it to whatever slot
	// their wire format expects (system message, systemInstruction, ...).
	System string `json:"system,omitempty"`

	// Turns is the conversation history in chronological order.
	Turns []models.Turn `json:"turns"`

	// Tools declares the callable tools for this invocation.
	Tools []ToolDeclaration `json:"tools,omitempty"`

	// MaxTokens bounds the generated response; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// ToolDeclaration is the provider-facing description of a registered tool.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// CompletionChunk is one unit of a streaming provider response.
type CompletionChunk struct {
	// Text is a partial response text delta.
	Text string `json:"text,omitempty"`

	// ToolCall is a fully assembled tool invocation request. Adapters
	// accumulate wire-level deltas and emit each call exactly once, in
	// declaration order, when the response turn completes.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done marks normal end of stream.
	Done bool `json:"done,omitempty"`

	// Err terminates the stream abnormally.
	Err error `json:"-"`
}

// Tool is an executable capability the model can invoke mid-generation.
type Tool interface {
	// Name returns the function-call identifier.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool and returns a JSON document. Implementations
	// report their own failures inside the document; a returned error is
	// still converted to a structured error payload by the registry.
	Execute(ctx context.Context, params json.RawMessage) (string, error)
}

// ResponseChunk is one unit of the orchestrator's output stream: either a
// text delta, a tool lifecycle event, or a terminal error. The channel
// closing signals completion.
type ResponseChunk struct {
	Text      string            `json:"text,omitempty"`
	ToolEvent *models.ToolEvent `json:"tool_event,omitempty"`
	Err       error             `json:"-"`
}
