package providers

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/chatrelay/pkg/models"
)

func indexPtr(i int) *int { return &i }

func delta(index int, id, name, args string) openai.ToolCall {
	return openai.ToolCall{
		Index: indexPtr(index),
		ID:    id,
		Function: openai.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestToolAccumulatorSingleCall(t *testing.T) {
	acc := newToolAccumulator()
	acc.add(delta(0, "call_abc", "realtime_info", `{"que`))
	acc.add(delta(0, "", "", `ry":"news"}`))

	calls := acc.drain()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].ID != "call_abc" || calls[0].Name != "realtime_info" {
		t.Errorf("call = %+v", calls[0])
	}
	if string(calls[0].Input) != `{"query":"news"}` {
		t.Errorf("input = %s", calls[0].Input)
	}
}

// Deltas for several indexes can interleave arbitrarily; emission must
// follow the order each index first appeared on the wire.
func TestToolAccumulatorInterleavedArrivalOrder(t *testing.T) {
	acc := newToolAccumulator()
	acc.add(delta(1, "call_b", "generate_image", `{"pro`))
	acc.add(delta(0, "call_a", "realtime_info", `{"qu`))
	acc.add(delta(1, "", "", `mpt":"a cat"}`))
	acc.add(delta(0, "", "", `ery":"x"}`))

	calls := acc.drain()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name != "generate_image" || calls[1].Name != "realtime_info" {
		t.Errorf("order = %s, %s; want first-seen order", calls[0].Name, calls[1].Name)
	}
	if string(calls[0].Input) != `{"prompt":"a cat"}` {
		t.Errorf("first input = %s", calls[0].Input)
	}
	if string(calls[1].Input) != `{"query":"x"}` {
		t.Errorf("second input = %s", calls[1].Input)
	}
}

func TestToolAccumulatorSynthesizesIDAndDefaults(t *testing.T) {
	acc := newToolAccumulator()
	acc.add(delta(2, "", "get_current_datetime", ""))

	calls := acc.drain()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].ID != "call_2" {
		t.Errorf("ID = %q, want synthesized call_2", calls[0].ID)
	}
	if string(calls[0].Input) != `{}` {
		t.Errorf("input = %s, want {}", calls[0].Input)
	}
}

func TestToolAccumulatorDropsNamelessCalls(t *testing.T) {
	acc := newToolAccumulator()
	acc.add(delta(0, "call_x", "", `{"a":1}`))
	if calls := acc.drain(); len(calls) != 0 {
		t.Fatalf("nameless call emitted: %+v", calls)
	}
}

func TestToolAccumulatorDrainResets(t *testing.T) {
	acc := newToolAccumulator()
	acc.add(delta(0, "call_a", "realtime_info", `{}`))
	acc.drain()
	if calls := acc.drain(); len(calls) != 0 {
		t.Fatalf("second drain returned %+v", calls)
	}
}

func TestConvertTurnsMapsRoles(t *testing.T) {
	p := NewOpenAIProvider("test-key")
	msgs := p.convertTurns([]models.Turn{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "", ToolCalls: []models.ToolCall{
			{ID: "call_0", Name: "realtime_info", Input: []byte(`{"query":"x"}`)},
		}},
		{Role: models.RoleTool, Content: `{"answer":"y"}`, ToolCallID: "call_0"},
		{Role: models.RoleAssistant, Content: "final"},
	}, "system prompt")

	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5 (system + 4 turns)", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "system prompt" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("user role = %s", msgs[1].Role)
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Name != "realtime_info" {
		t.Errorf("assistant tool calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[3].Role != openai.ChatMessageRoleTool || msgs[3].ToolCallID != "call_0" {
		t.Errorf("tool message = %+v", msgs[3])
	}
}

func TestConvertTurnsImageAttachment(t *testing.T) {
	p := NewOpenAIProvider("test-key")
	msgs := p.convertTurns([]models.Turn{
		{
			Role:    models.RoleUser,
			Content: "what is this?",
			Attachments: []models.Attachment{
				{Type: models.AttachmentImage, URL: "https://example.com/a.png"},
			},
		},
	}, "")

	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	mc := msgs[0].MultiContent
	if len(mc) != 2 {
		t.Fatalf("MultiContent parts = %d, want text + image", len(mc))
	}
	if mc[0].Type != openai.ChatMessagePartTypeText || mc[0].Text != "what is this?" {
		t.Errorf("text part = %+v", mc[0])
	}
	if mc[1].Type != openai.ChatMessagePartTypeImageURL || mc[1].ImageURL.URL != "https://example.com/a.png" {
		t.Errorf("image part = %+v", mc[1])
	}
}
