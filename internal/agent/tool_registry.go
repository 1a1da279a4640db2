package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultToolTimeout bounds a single tool execution when no per-call
// deadline is already in effect.
const DefaultToolTimeout = 2 * time.Minute

// MaxToolParamsSize caps tool argument JSON to prevent resource exhaustion.
const MaxToolParamsSize = 1 << 20

// Registry manages the callable tools with thread-safe registration and
// schema-validated dispatch.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	timeout time.Duration
}

// NewRegistry creates an empty registry with the default tool timeout.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		timeout: DefaultToolTimeout,
	}
}

// SetTimeout overrides the per-execution wall-clock bound.
func (r *Registry) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Register adds a tool, compiling its declared argument schema. A tool whose
// schema does not compile is registered without validation rather than
// rejected: missing validation degrades, it does not disable the tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(tool.Schema())); err == nil {
		if schema, err := compiler.Compile("schema.json"); err == nil {
			r.schemas[tool.Name()] = schema
			return
		}
	}
	delete(r.schemas, tool.Name())
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Declarations returns the provider-facing descriptions of all registered
// tools, sorted by name for a stable wire order.
func (r *Registry) Declarations() []ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make([]ToolDeclaration, 0, len(r.tools))
	for _, t := range r.tools {
		decls = append(decls, ToolDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

// Execute dispatches one tool call and always returns a JSON document. Every
// failure mode (unknown tool, oversized or invalid arguments, execution
// error, panic, timeout) becomes a structured error payload so the loop can
// append a tool turn regardless; the model reacts to the error in its next
// completion.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) string {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if len(params) > MaxToolParamsSize {
		return errorResult(fmt.Sprintf("tool arguments exceed %d bytes", MaxToolParamsSize))
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	timeout := r.timeout
	r.mu.RUnlock()
	if !ok {
		return errorResult("unknown tool " + name)
	}

	var parsed any
	if err := json.Unmarshal(params, &parsed); err != nil {
		return errorResult("invalid tool arguments: " + err.Error())
	}
	if schema != nil {
		if err := schema.Validate(parsed); err != nil {
			return errorResult("tool arguments failed validation: " + err.Error())
		}
	}

	execCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := safeExecute(execCtx, tool, params)
	if err != nil {
		return errorResult(err.Error())
	}
	return result
}

func safeExecute(ctx context.Context, tool Tool, params json.RawMessage) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), rec)
		}
	}()
	return tool.Execute(ctx, params)
}

func errorResult(msg string) string {
	payload, err := json.Marshal(map[string]string{"status": "error", "error": msg})
	if err != nil {
		return `{"status":"error","error":"tool failed"}`
	}
	return string(payload)
}
