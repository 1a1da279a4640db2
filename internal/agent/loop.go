package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatrelay/internal/sessions"
	"github.com/haasonsaas/chatrelay/pkg/models"
)

// chunkBuffer sizes the orchestrator's outbound channel so a briefly slow
// client does not stall the upstream read immediately.
const chunkBuffer = 64

// Config controls orchestration behavior for every run.
type Config struct {
	// Model is the upstream model identifier passed to the provider.
	Model string

	// System is the instruction prompt prepended to every request.
	System string

	// MaxTokens bounds each upstream response; 0 uses provider defaults.
	MaxTokens int

	// MaxToolRounds caps resubmissions after tool execution. The loop is
	// bounded: exceeding the cap surfaces ErrMaxToolRounds instead of
	// recursing forever. Default: 4.
	MaxToolRounds int

	// StreamBeforeTools streams text deltas to the client before the
	// tool-call decision is known. When false (the default), text is held
	// in a pending buffer and discarded if the model chooses tools, so the
	// user never sees speculative prose that a tool round supersedes.
	StreamBeforeTools bool

	// ToolTimeout bounds each tool execution.
	ToolTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Orchestrator drives one "answer this transcript" request: send to the
// provider, stream the response, execute any requested tools, resubmit the
// augmented transcript, and repeat until the model finishes without tools.
//
//	Send ──▶ Streaming ──▶ ToolPending ──▶ Send (next round)
//	              │
//	              └──▶ Finalizing (no tool calls)
type Orchestrator struct {
	provider Provider
	registry *Registry
	sessions sessions.Store
	cfg      Config
}

// NewOrchestrator wires a provider, tool registry, and session store.
func NewOrchestrator(provider Provider, registry *Registry, store sessions.Store, cfg Config) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.ToolTimeout > 0 {
		registry.SetTimeout(cfg.ToolTimeout)
	}
	return &Orchestrator{
		provider: provider,
		registry: registry,
		sessions: store,
		cfg:      cfg.withDefaults(),
	}
}

// Registry exposes the tool registry for registration at startup.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Run starts an orchestration over the given base transcript and returns a
// stream of response chunks. The channel closes on completion; terminal
// failures arrive as a chunk with Err set. Intermediate tool-loop turns
// (assistant tool_calls and tool results) are persisted to the session as
// they are produced; committing the final assistant text is the caller's
// responsibility, so that only delivered text is ever persisted.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, base []models.Turn) (<-chan *ResponseChunk, error) {
	if o.provider == nil {
		return nil, ErrNoProvider
	}
	if len(base) == 0 {
		return nil, ErrEmptyTranscript
	}

	working := make([]models.Turn, len(base))
	copy(working, base)

	out := make(chan *ResponseChunk, chunkBuffer)
	go func() {
		defer close(out)
		o.run(ctx, sessionID, working, out)
	}()
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, sessionID string, working []models.Turn, out chan<- *ResponseChunk) {
	log := o.cfg.Logger.With("session_id", sessionID)

	for round := 0; ; round++ {
		if round > o.cfg.MaxToolRounds {
			out <- &ResponseChunk{Err: fmt.Errorf("%w (%d)", ErrMaxToolRounds, o.cfg.MaxToolRounds)}
			return
		}

		text, calls, err := o.streamOnce(ctx, working, out)
		if err != nil {
			out <- &ResponseChunk{Err: err}
			return
		}

		if len(calls) == 0 {
			// Finalizing: held pending text was already flushed by
			// streamOnce; the caller commits the assistant turn.
			return
		}

		// ToolPending: the model chose tools, so any buffered prose was
		// speculative and has been discarded by streamOnce.
		log.Debug("tool round", "round", round, "calls", len(calls))

		assistant := models.Turn{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
			CreatedAt: time.Now(),
		}
		working = append(working, assistant)
		o.persist(ctx, sessionID, assistant, log)

		for i := range calls {
			result := o.executeCall(ctx, working, calls[i], out)
			toolTurn := models.Turn{
				ID:         uuid.NewString(),
				Role:       models.RoleTool,
				Content:    result,
				ToolCallID: calls[i].ID,
				CreatedAt:  time.Now(),
			}
			working = append(working, toolTurn)
			o.persist(ctx, sessionID, toolTurn, log)
		}
	}
}

// streamOnce performs one provider round trip. It returns the text the model
// produced alongside any tool calls. When tools were called with
// StreamBeforeTools disabled, the returned text was never emitted to out.
func (o *Orchestrator) streamOnce(ctx context.Context, working []models.Turn, out chan<- *ResponseChunk) (string, []models.ToolCall, error) {
	req := &CompletionRequest{
		Model:     o.cfg.Model,
		System:    o.cfg.System,
		Turns:     working,
		Tools:     o.registry.Declarations(),
		MaxTokens: o.cfg.MaxTokens,
	}

	chunks, err := o.provider.Send(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var full strings.Builder
	var pending strings.Builder
	var calls []models.ToolCall

	for chunk := range chunks {
		if chunk.Err != nil {
			// Text already delivered stays with the client; the error is
			// terminal for this run.
			return full.String(), nil, chunk.Err
		}
		if chunk.Text != "" {
			full.WriteString(chunk.Text)
			if o.cfg.StreamBeforeTools {
				if !send(ctx, out, &ResponseChunk{Text: chunk.Text}) {
					return full.String(), nil, ctx.Err()
				}
			} else {
				pending.WriteString(chunk.Text)
			}
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
	}

	if err := ctx.Err(); err != nil {
		return full.String(), nil, err
	}

	if len(calls) > 0 {
		// Pending prose is never shown: the model called tools instead of
		// answering.
		return full.String(), calls, nil
	}

	if pending.Len() > 0 {
		if !send(ctx, out, &ResponseChunk{Text: pending.String()}) {
			return full.String(), nil, ctx.Err()
		}
	}
	return full.String(), nil, nil
}

// executeCall runs one tool sequentially, bracketing it with lifecycle
// events so the client can render a transient working indicator.
func (o *Orchestrator) executeCall(ctx context.Context, working []models.Turn, call models.ToolCall, out chan<- *ResponseChunk) string {
	detail := toolDetail(call)
	send(ctx, out, &ResponseChunk{ToolEvent: &models.ToolEvent{
		ToolCallID: call.ID,
		Name:       call.Name,
		Stage:      models.ToolEventStarted,
		Detail:     detail,
	}})

	params := call.Input
	params = withTranscriptContext(params, working, call.Name)
	result := o.registry.Execute(ctx, call.Name, params)

	send(ctx, out, &ResponseChunk{ToolEvent: &models.ToolEvent{
		ToolCallID: call.ID,
		Name:       call.Name,
		Stage:      models.ToolEventFinished,
		Detail:     detail,
	}})
	return result
}

func (o *Orchestrator) persist(ctx context.Context, sessionID string, turn models.Turn, log *slog.Logger) {
	if o.sessions == nil || sessionID == "" {
		return
	}
	if err := o.sessions.Append(ctx, sessionID, turn); err != nil {
		log.Warn("failed to persist turn", "role", turn.Role, "error", err)
	}
}

// send delivers a chunk unless the run context is gone; it never blocks past
// cancellation.
func send(ctx context.Context, out chan<- *ResponseChunk, chunk *ResponseChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// toolDetail extracts a short argument summary for lifecycle events.
func toolDetail(call models.ToolCall) string {
	var args struct {
		Query  string `json:"query"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return ""
	}
	detail := args.Query
	if detail == "" {
		detail = args.Prompt
	}
	return truncateDetail(detail, 80)
}

func truncateDetail(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never produces invalid UTF-8.
	cut := max - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// withTranscriptContext lets image tools fall back to the most recent image
// attachment in the transcript when the model omitted an explicit source.
func withTranscriptContext(params json.RawMessage, working []models.Turn, toolName string) json.RawMessage {
	if toolName != "edit_image" {
		return params
	}
	att, ok := models.LastImageAttachment(working)
	if !ok {
		return params
	}

	var parsed map[string]any
	if err := json.Unmarshal(params, &parsed); err != nil {
		return params
	}
	if parsed == nil {
		parsed = map[string]any{}
	}
	if s, _ := parsed["image_url"].(string); s == "" {
		if b, _ := parsed["image_base64"].(string); b == "" {
			if att.URL != "" {
				parsed["image_url"] = att.URL
			} else if att.DataURL != "" {
				parsed["image_base64"] = att.DataURL
			}
		}
	}
	merged, err := json.Marshal(parsed)
	if err != nil {
		return params
	}
	return merged
}
