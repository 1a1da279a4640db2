package imagine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizeRatio(t *testing.T) {
	tests := []struct {
		name  string
		ratio string
		size  string
		want  string
	}{
		{"allowed square", "1:1", "", "1:1"},
		{"allowed landscape", "16:9", "", "16:9"},
		{"allowed portrait", "9:16", "", "9:16"},
		{"unsupported ratio falls back", "4:3", "", "1:1"},
		{"whitespace trimmed", " 16:9 ", "", "16:9"},
		{"empty everything", "", "", "1:1"},

		// Size hint inference picks the closest supported ratio.
		{"square size", "", "512x512", "1:1"},
		{"landscape size", "", "1920x1080", "16:9"},
		{"portrait size", "", "1080x1920", "9:16"},
		{"wide-ish size", "", "1024x640", "16:9"},
		{"bad size ignored", "", "banana", "1:1"},
		{"zero height ignored", "", "100x0", "1:1"},

		// Explicit unsupported ratio with a size hint: the hint wins.
		{"unsupported ratio with size hint", "3:2", "1920x1080", "16:9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeRatio(tt.ratio, tt.size); got != tt.want {
				t.Errorf("NormalizeRatio(%q, %q) = %q, want %q", tt.ratio, tt.size, got, tt.want)
			}
		})
	}
}

func TestGenerateAcceptsResponseVariants(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"top-level url", `{"url":"https://img.example/a.png"}`, "https://img.example/a.png"},
		{"result string", `{"result":"https://img.example/b.png"}`, "https://img.example/b.png"},
		{"result object", `{"result":{"url":"https://img.example/c.png"}}`, "https://img.example/c.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("prompt") != "a cat" {
					t.Errorf("prompt = %q", r.URL.Query().Get("prompt"))
				}
				if r.URL.Query().Get("ratio") != "1:1" {
					t.Errorf("ratio = %q", r.URL.Query().Get("ratio"))
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			g := NewGenerator(WithGenerateEndpoint(server.URL))
			got, err := g.Generate(context.Background(), "a cat", "1:1")
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if got != tt.want {
				t.Errorf("url = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateNoResultURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	g := NewGenerator(WithGenerateEndpoint(server.URL))
	if _, err := g.Generate(context.Background(), "a cat", "1:1"); err == nil {
		t.Fatal("Generate succeeded with no result URL")
	}
}

func TestGenerateToolExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"https://img.example/out.png"}`))
	}))
	defer server.Close()

	tool := NewGenerateTool(NewGenerator(WithGenerateEndpoint(server.URL)))
	raw, err := tool.Execute(context.Background(), json.RawMessage(`{"prompt":"a fox","size":"1920x1080","style":"cartoon"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if out["status"] != "ok" || out["url"] != "https://img.example/out.png" {
		t.Errorf("result = %v", out)
	}
	if out["aspect_ratio"] != "16:9" {
		t.Errorf("aspect_ratio = %q, want inferred 16:9", out["aspect_ratio"])
	}
	if out["style"] != "cartoon" {
		t.Errorf("style = %q", out["style"])
	}
}

func TestGenerateToolExecuteMissingPrompt(t *testing.T) {
	tool := NewGenerateTool(nil)
	raw, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if out["status"] != "error" || out["error"] != "prompt_required" {
		t.Errorf("result = %v", out)
	}
}

func TestGenerateToolExecuteBackendFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tool := NewGenerateTool(NewGenerator(WithGenerateEndpoint(server.URL)))
	raw, err := tool.Execute(context.Background(), json.RawMessage(`{"prompt":"a fox"}`))
	if err != nil {
		t.Fatalf("Execute returned error %v; failures must be in-band", err)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if out["status"] != "error" {
		t.Errorf("result = %v", out)
	}
}
