package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Tool exposes live web lookup to the model.
type Tool struct {
	client *Client
}

// NewTool creates the lookup tool.
func NewTool(client *Client) *Tool {
	if client == nil {
		client = NewClient()
	}
	return &Tool{client: client}
}

// Name returns the tool name.
func (t *Tool) Name() string {
	return "realtime_info"
}

// Description describes the tool.
func (t *Tool) Description() string {
	return "Get up-to-date information from the internet via an aggregated API. Use this when data may be outdated."
}

// Schema defines the tool parameters.
func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Question or topic to lookup"}
  },
  "required": ["query"]
}`)
}

// Execute runs the lookup and returns an answer with citations.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return "", fmt.Errorf("invalid params: %w", err)
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	result, err := t.client.Search(ctx, query)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(struct {
		Query   string   `json:"query"`
		Answer  string   `json:"answer"`
		Sources []Source `json:"sources"`
		Status  string   `json:"status"`
	}{
		Query:   query,
		Answer:  result.Answer,
		Sources: result.Sources,
		Status:  "ok",
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}
	return string(payload), nil
}
