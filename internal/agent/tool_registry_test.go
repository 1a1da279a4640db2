package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type panickyTool struct{}

func (panickyTool) Name() string             { return "boom" }
func (panickyTool) Description() string      { return "panics" }
func (panickyTool) Schema() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (panickyTool) Execute(context.Context, json.RawMessage) (string, error) {
	panic("unexpected state")
}

type strictTool struct{ fakeTool }

func (strictTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
}

func decodeResult(t *testing.T, result string) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal([]byte(result), &out); err != nil {
		t.Fatalf("result %q is not JSON: %v", result, err)
	}
	return out
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	out := decodeResult(t, r.Execute(context.Background(), "nope", json.RawMessage(`{}`)))
	if out["status"] != "error" || !strings.Contains(out["error"], "unknown tool") {
		t.Errorf("unexpected result %v", out)
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry()
	tool := &strictTool{fakeTool{name: "search", result: `{"status":"ok"}`}}
	r.Register(tool)

	tests := []struct {
		name       string
		params     string
		wantStatus string
	}{
		{"valid", `{"query":"hello"}`, "ok"},
		{"missing required field", `{}`, "error"},
		{"wrong type", `{"query":7}`, "error"},
		{"malformed JSON", `{"query":`, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := decodeResult(t, r.Execute(context.Background(), "search", json.RawMessage(tt.params)))
			if out["status"] != tt.wantStatus {
				t.Errorf("status = %q, want %q (result %v)", out["status"], tt.wantStatus, out)
			}
		})
	}
}

func TestExecuteEmptyParamsDefaultsToObject(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "noargs", result: `{"status":"ok"}`}
	r.Register(tool)

	out := decodeResult(t, r.Execute(context.Background(), "noargs", nil))
	if out["status"] != "ok" {
		t.Fatalf("result %v", out)
	}
	if len(tool.params) != 1 || string(tool.params[0]) != `{}` {
		t.Errorf("tool received %q, want {}", tool.params)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(panickyTool{})

	out := decodeResult(t, r.Execute(context.Background(), "boom", json.RawMessage(`{}`)))
	if out["status"] != "error" || !strings.Contains(out["error"], "panicked") {
		t.Errorf("unexpected result %v", out)
	}
}

func TestExecuteRejectsOversizedParams(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "t", result: `{}`})

	huge := `{"query":"` + strings.Repeat("a", MaxToolParamsSize) + `"}`
	out := decodeResult(t, r.Execute(context.Background(), "t", json.RawMessage(huge)))
	if out["status"] != "error" {
		t.Errorf("unexpected result %v", out)
	}
}

func TestDeclarationsSortedByName(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Register(&fakeTool{name: name, result: `{}`})
	}
	decls := r.Declarations()
	if len(decls) != 3 {
		t.Fatalf("got %d declarations", len(decls))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, d := range decls {
		if d.Name != want[i] {
			t.Errorf("declaration %d = %s, want %s", i, d.Name, want[i])
		}
	}
}
