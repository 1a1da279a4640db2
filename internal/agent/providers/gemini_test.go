package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chatrelay/internal/agent"
	"github.com/haasonsaas/chatrelay/pkg/models"
)

// Streams the given body in tiny writes so object boundaries fall mid-chunk.
func geminiStub(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		flusher := w.(http.Flusher)
		for i := 0; i < len(body); i += 7 {
			end := i + 7
			if end > len(body) {
				end = len(body)
			}
			if _, err := w.Write([]byte(body[i:end])); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
}

func TestGeminiSendStreamsTextAndToolCalls(t *testing.T) {
	body := `[{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]},` +
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]}}]},` +
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"realtime_info","args":{"query":"news"}}}]},"finishReason":"STOP"}]}]`
	server := geminiStub(t, body)
	defer server.Close()

	p := NewGeminiProvider("k", WithGeminiBaseURL(server.URL))
	chunks, err := p.Send(context.Background(), &agent.CompletionRequest{Model: "gemini-2.0-flash"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var text strings.Builder
	var calls []*models.ToolCall
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		text.WriteString(chunk.Text)
		if chunk.ToolCall != nil {
			calls = append(calls, chunk.ToolCall)
		}
	}

	if text.String() != "Hello" {
		t.Errorf("text = %q, want %q", text.String(), "Hello")
	}
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].Name != "realtime_info" || calls[0].ID != "call_0" {
		t.Errorf("call = %+v", calls[0])
	}
	if string(calls[0].Input) != `{"query":"news"}` {
		t.Errorf("input = %s", calls[0].Input)
	}
}

func TestGeminiSendSurfacesAPIError(t *testing.T) {
	server := geminiStub(t, `[{"error":{"code":429,"message":"quota exhausted","status":"RESOURCE_EXHAUSTED"}}]`)
	defer server.Close()

	p := NewGeminiProvider("k", WithGeminiBaseURL(server.URL))
	chunks, err := p.Send(context.Background(), &agent.CompletionRequest{Model: "gemini-2.0-flash"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got error
	for chunk := range chunks {
		if chunk.Err != nil {
			got = chunk.Err
		}
	}
	perr, ok := GetProviderError(got)
	if !ok {
		t.Fatalf("error = %v, want ProviderError", got)
	}
	if perr.Status != 429 || !strings.Contains(perr.Error(), "quota exhausted") {
		t.Errorf("provider error = %+v", perr)
	}
}

func TestGeminiSendRejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	defer server.Close()

	p := NewGeminiProvider("k", WithGeminiBaseURL(server.URL))
	if _, err := p.Send(context.Background(), &agent.CompletionRequest{Model: "m"}); err == nil {
		t.Fatal("Send succeeded against a 403 response")
	}
}

func TestGeminiBuildRequest(t *testing.T) {
	p := NewGeminiProvider("k")
	req := p.buildRequest(&agent.CompletionRequest{
		System: "be brief",
		Turns: []models.Turn{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_0", Name: "realtime_info", Input: []byte(`{"query":"x"}`)},
			}},
			{Role: models.RoleTool, ToolCallID: "call_0", Content: `{"answer":"y"}`},
			{Role: models.RoleAssistant, Content: "done"},
		},
		Tools: []agent.ToolDeclaration{
			{Name: "realtime_info", Description: "search", Schema: []byte(`{"type":"object"}`)},
		},
		MaxTokens: 512,
	})

	if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("systemInstruction = %+v", req.SystemInstruction)
	}
	if len(req.Contents) != 4 {
		t.Fatalf("got %d contents, want 4", len(req.Contents))
	}
	if req.Contents[1].Role != "model" || req.Contents[1].Parts[0].FunctionCall == nil {
		t.Errorf("assistant content = %+v", req.Contents[1])
	}

	// Tool results travel as user-role functionResponse parts resolved to
	// the calling function's name.
	fr := req.Contents[2].Parts[0].FunctionResponse
	if req.Contents[2].Role != "user" || fr == nil || fr.Name != "realtime_info" {
		t.Errorf("tool result content = %+v", req.Contents[2])
	}
	if string(fr.Response) != `{"answer":"y"}` {
		t.Errorf("function response = %s", fr.Response)
	}

	if len(req.Tools) != 1 || req.Tools[0].FunctionDeclarations[0].Name != "realtime_info" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if req.GenerationConfig == nil || req.GenerationConfig.MaxOutputTokens != 512 {
		t.Errorf("generationConfig = %+v", req.GenerationConfig)
	}
}

func TestGeminiBuildRequestWrapsNonJSONToolResult(t *testing.T) {
	p := NewGeminiProvider("k")
	req := p.buildRequest(&agent.CompletionRequest{
		Turns: []models.Turn{
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_0", Name: "get_current_datetime", Input: []byte(`{}`)},
			}},
			{Role: models.RoleTool, ToolCallID: "call_0", Content: "plain text"},
		},
	})

	fr := req.Contents[1].Parts[0].FunctionResponse
	var wrapped map[string]string
	if err := json.Unmarshal(fr.Response, &wrapped); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if wrapped["output"] != "plain text" {
		t.Errorf("wrapped response = %v", wrapped)
	}
}

func TestSplitDataURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantMime string
		wantOK   bool
	}{
		{"valid png", "data:image/png;base64,aGVsbG8=", "image/png", true},
		{"not a data url", "https://example.com/a.png", "", false},
		{"missing base64 marker", "data:image/png,aGVsbG8=", "", false},
		{"bad payload", "data:image/png;base64,!!!", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, data, ok := splitDataURL(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.wantOK && mime != tt.wantMime {
				t.Errorf("mime = %q, want %q", mime, tt.wantMime)
			}
			if tt.wantOK && data == "" {
				t.Error("empty payload")
			}
		})
	}
}

// A consumer that walks away after cancellation must not strand the stream
// converter on its unbuffered channel.
func TestGeminiProcessStreamStopsWhenConsumerGone(t *testing.T) {
	p := NewGeminiProvider("key")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body := io.NopCloser(strings.NewReader(
		`{"candidates":[{"content":{"parts":[{"text":"a"},{"text":"b"},{"text":"c"}]}}]}`))
	chunks := make(chan *agent.CompletionChunk)
	done := make(chan struct{})
	go func() {
		p.processStream(ctx, body, chunks)
		close(done)
	}()

	// Take the first chunk, then abandon the channel entirely.
	<-chunks
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream converter still blocked after the consumer left")
	}
}
