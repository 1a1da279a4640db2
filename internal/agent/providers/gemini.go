package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/chatrelay/internal/agent"
	"github.com/haasonsaas/chatrelay/internal/jsonframe"
	"github.com/haasonsaas/chatrelay/pkg/models"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiReadBuffer sizes the response-body read chunks. Deliberately small
// enough that fragment boundaries regularly fall mid-object, which the
// streaming scanner handles.
const geminiReadBuffer = 4096

// GeminiProvider implements the agent.Provider interface against the Gemini
// streamGenerateContent REST endpoint.
//
// Unlike the SDK-backed adapters, this provider speaks the wire format
// directly: the endpoint returns one long JSON array of response objects,
// delivered in arbitrary byte chunks, so the body is drained through the
// jsonframe scanner which yields each complete object regardless of where
// network reads split it. Text parts stream out as they arrive; functionCall
// parts become tool calls in the order they appear.
//
// Gemini-Specific Behavior:
//   - The system prompt maps to systemInstruction, not a message
//   - Assistant turns use role "model"
//   - Tool results are user-role functionResponse parts keyed by function
//     name, so result turns are resolved back to the call that produced them
//   - The API carries no tool-call IDs; synthetic ones are assigned
type GeminiProvider struct {
	apiKey  string
	baseURL string

	// httpClient is shared across requests. No overall timeout is set:
	// streaming responses are open-ended and cancellation flows through the
	// request context.
	httpClient *http.Client
}

// GeminiOption configures a GeminiProvider.
type GeminiOption func(*GeminiProvider)

// WithGeminiBaseURL overrides the API endpoint.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(p *GeminiProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithGeminiHTTPClient substitutes the HTTP client, primarily for tests.
func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(p *GeminiProvider) { p.httpClient = c }
}

// NewGeminiProvider creates a new Gemini provider instance.
func NewGeminiProvider(apiKey string, opts ...GeminiOption) *GeminiProvider {
	p := &GeminiProvider{
		apiKey:  apiKey,
		baseURL: defaultGeminiBaseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier used for routing and logging.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Wire types for the streamGenerateContent request and response.

type geminiRequest struct {
	Contents          []geminiContent    `json:"contents"`
	SystemInstruction *geminiContent     `json:"systemInstruction,omitempty"`
	Tools             []geminiToolSet    `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	InlineData       *geminiInlineData   `json:"inlineData,omitempty"`
	FileData         *geminiFileData     `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Send submits a completion request and returns a streaming response channel.
func (p *GeminiProvider) Send(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.apiKey == "" {
		return nil, NewProviderError(p.Name(), req.Model, fmt.Errorf("API key not configured"))
	}

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, NewProviderError(p.Name(), req.Model, fmt.Errorf("encode request: %w", err))
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(p.Name(), req.Model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewProviderError(p.Name(), req.Model, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, NewProviderError(p.Name(), req.Model, fmt.Errorf("upstream rejected request")).
			WithStatus(resp.StatusCode).
			WithMessage(strings.TrimSpace(string(msg)))
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, resp.Body, chunks)

	return chunks, nil
}

// processStream drains the response body through the fragment scanner and
// converts each complete object to internal chunks.
func (p *GeminiProvider) processStream(ctx context.Context, body io.ReadCloser, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer body.Close()

	dec := jsonframe.NewDecoder()
	callSeq := 0
	buf := make([]byte, geminiReadBuffer)

	emit := func(frames []json.RawMessage) bool {
		for _, frame := range frames {
			if !p.emitFrame(ctx, frame, &callSeq, chunks) {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			deliver(ctx, chunks, &agent.CompletionChunk{Err: ctx.Err(), Done: true})
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			if !emit(dec.Feed(buf[:n])) {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				if emit(dec.Flush()) {
					deliver(ctx, chunks, &agent.CompletionChunk{Done: true})
				}
				return
			}
			deliver(ctx, chunks, &agent.CompletionChunk{Err: err, Done: true})
			return
		}
	}
}

// emitFrame converts one response object to chunks. Returns false when a
// terminal error was emitted or the consumer is gone.
func (p *GeminiProvider) emitFrame(ctx context.Context, frame json.RawMessage, callSeq *int, chunks chan<- *agent.CompletionChunk) bool {
	var resp geminiResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		// Not a response object (scanner noise); skip it.
		return true
	}

	if resp.Error != nil {
		perr := NewProviderError(p.Name(), "", fmt.Errorf("%s", resp.Error.Message)).
			WithStatus(resp.Error.Code)
		deliver(ctx, chunks, &agent.CompletionChunk{Err: perr, Done: true})
		return false
	}

	if len(resp.Candidates) == 0 {
		return true
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			if !deliver(ctx, chunks, &agent.CompletionChunk{Text: part.Text}) {
				return false
			}
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			call := &models.ToolCall{
				ID:    fmt.Sprintf("call_%d", *callSeq),
				Name:  part.FunctionCall.Name,
				Input: args,
			}
			*callSeq++
			if !deliver(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
				return false
			}
		}
	}
	return true
}

// buildRequest maps the internal request onto the Gemini wire format.
func (p *GeminiProvider) buildRequest(req *agent.CompletionRequest) geminiRequest {
	out := geminiRequest{}

	if req.System != "" {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.System}},
		}
	}

	// Tool result turns carry only the call ID, but the wire format wants the
	// function name; resolve IDs against prior assistant tool calls.
	names := callNames(req.Turns)

	for _, turn := range req.Turns {
		switch turn.Role {
		case models.RoleUser:
			parts := []geminiPart{}
			if turn.Content != "" {
				parts = append(parts, geminiPart{Text: turn.Content})
			}
			for _, att := range turn.Attachments {
				if part, ok := attachmentPart(att); ok {
					parts = append(parts, part)
				}
			}
			if len(parts) == 0 {
				continue
			}
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: parts})

		case models.RoleAssistant:
			parts := []geminiPart{}
			if turn.Content != "" {
				parts = append(parts, geminiPart{Text: turn.Content})
			}
			for _, tc := range turn.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: tc.Name,
					Args: tc.Input,
				}})
			}
			if len(parts) == 0 {
				continue
			}
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: parts})

		case models.RoleTool:
			name := names[turn.ToolCallID]
			if name == "" {
				continue
			}
			response := json.RawMessage(turn.Content)
			if !json.Valid(response) {
				wrapped, _ := json.Marshal(map[string]string{"output": turn.Content})
				response = wrapped
			}
			out.Contents = append(out.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResp{
					Name:     name,
					Response: response,
				}}},
			})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, len(req.Tools))
		for i, tool := range req.Tools {
			decls[i] = geminiFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			}
		}
		out.Tools = []geminiToolSet{{FunctionDeclarations: decls}}
	}

	if req.MaxTokens > 0 {
		out.GenerationConfig = &geminiGenConfig{MaxOutputTokens: req.MaxTokens}
	}

	return out
}

// callNames maps tool call IDs to function names across a transcript.
func callNames(turns []models.Turn) map[string]string {
	names := make(map[string]string)
	for _, turn := range turns {
		for _, tc := range turn.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}
	return names
}

// attachmentPart converts an image attachment to a wire part. Data URLs are
// unpacked into inline data; public URLs pass through as file references.
func attachmentPart(att models.Attachment) (geminiPart, bool) {
	if att.Type != models.AttachmentImage {
		return geminiPart{}, false
	}
	if att.DataURL != "" {
		mime, data, ok := splitDataURL(att.DataURL)
		if ok {
			return geminiPart{InlineData: &geminiInlineData{MimeType: mime, Data: data}}, true
		}
	}
	if att.URL != "" {
		return geminiPart{FileData: &geminiFileData{MimeType: att.MimeType, FileURI: att.URL}}, true
	}
	return geminiPart{}, false
}

// splitDataURL splits "data:<mime>;base64,<payload>" into its components and
// verifies the payload decodes.
func splitDataURL(u string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	if mime == meta {
		// Only base64 data URLs are supported.
		return "", "", false
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", "", false
	}
	return mime, payload, true
}
