package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectEvents(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive comment",
		`data: {"type":"answer","data":{"text":"partial"}}`,
		"",
		`data: {"type":"answer","data":{"text":"partial answer grown longer"}}`,
		"",
		"data: not json, dropped",
		"",
		`data: {"no_type_field":true}`,
		"",
		`data: {"type":"final_contexts","data":{"sources":[{"link":"https://a.example"}]}}`,
		"",
	}, "\n")

	byType := collectEvents(bufio.NewScanner(strings.NewReader(stream)))

	if len(byType["answer"]) != 2 {
		t.Errorf("answer events = %d, want 2", len(byType["answer"]))
	}
	if len(byType["final_contexts"]) != 1 {
		t.Errorf("final_contexts events = %d, want 1", len(byType["final_contexts"]))
	}
	if len(byType) != 2 {
		t.Errorf("event types = %v", byType)
	}
}

func TestCollectEventsMultilineData(t *testing.T) {
	// SSE joins consecutive data lines of one block with newlines.
	stream := "data: {\"type\":\"answer\",\ndata: \"data\":{\"text\":\"joined\"}}\n\n"
	byType := collectEvents(bufio.NewScanner(strings.NewReader(stream)))
	if len(byType["answer"]) != 1 {
		t.Fatalf("answer events = %d, want 1", len(byType["answer"]))
	}
}

func TestDistillPicksLongestCandidate(t *testing.T) {
	byType := map[string][]json.RawMessage{
		"answer": {
			json.RawMessage(`{"text":"short"}`),
			json.RawMessage(`{"text":"a much longer complete answer"}`),
		},
		"message": {
			json.RawMessage(`{"content":"middle sized text"}`),
		},
	}
	result := distill(byType)
	if result.Answer != "a much longer complete answer" {
		t.Errorf("answer = %q", result.Answer)
	}
}

func TestDistillStripsHTML(t *testing.T) {
	byType := map[string][]json.RawMessage{
		"deduction_info": {
			json.RawMessage(`{"html":"<p>The <b>answer</b> is   42</p>"}`),
		},
	}
	result := distill(byType)
	if result.Answer != "The answer is 42" {
		t.Errorf("answer = %q", result.Answer)
	}
}

func TestDistillDeduplicatesSources(t *testing.T) {
	byType := map[string][]json.RawMessage{
		"final_contexts": {
			json.RawMessage(`{"sources":[
				{"link":"https://a.example","title":"A"},
				{"url":"https://b.example","title":"B"},
				{"link":"https://a.example","title":"A again"},
				{"href":"https://c.example"},
				{"title":"no link at all"}
			]}`),
		},
	}
	result := distill(byType)
	if len(result.Sources) != 3 {
		t.Fatalf("sources = %+v, want 3", result.Sources)
	}
	want := []string{"https://a.example", "https://b.example", "https://c.example"}
	for i, s := range result.Sources {
		if s.Link != want[i] {
			t.Errorf("source %d link = %q, want %q", i, s.Link, want[i])
		}
	}
	if result.Sources[0].Title != "A" {
		t.Errorf("first occurrence should win: %+v", result.Sources[0])
	}
}

func TestSearchEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("payload: %v", err)
		}
		if payload["query"] != "latest go release" {
			t.Errorf("query = %v", payload["query"])
		}
		if payload["search_uuid"] == "" {
			t.Error("missing search_uuid")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(
			"data: {\"type\":\"answer\",\"data\":{\"text\":\"Go 1.24 is out\"}}\n\n" +
				"data: {\"type\":\"final_contexts\",\"data\":{\"sources\":[{\"link\":\"https://go.dev\",\"title\":\"Go\"}]}}\n\n"))
	}))
	defer server.Close()

	c := NewClient(WithEndpoint(server.URL))
	result, err := c.Search(context.Background(), "latest go release")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Answer != "Go 1.24 is out" {
		t.Errorf("answer = %q", result.Answer)
	}
	if len(result.Sources) != 1 || result.Sources[0].Link != "https://go.dev" {
		t.Errorf("sources = %+v", result.Sources)
	}
}

func TestToolExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {\"type\":\"answer\",\"data\":{\"text\":\"sunny\"}}\n\n"))
	}))
	defer server.Close()

	tool := NewTool(NewClient(WithEndpoint(server.URL)))
	raw, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"weather"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out struct {
		Query  string `json:"query"`
		Answer string `json:"answer"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if out.Status != "ok" || out.Answer != "sunny" || out.Query != "weather" {
		t.Errorf("result = %+v", out)
	}
}

func TestToolExecuteEmptyQuery(t *testing.T) {
	tool := NewTool(nil)
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"query":""}`)); err == nil {
		t.Fatal("Execute accepted an empty query")
	}
}
