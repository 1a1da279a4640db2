package imagine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// EditTool exposes prompt-driven image editing to the model. The source image
// comes from an explicit URL or base64 payload in the arguments; when neither
// is given the orchestration layer fills in the most recent image the user
// attached.
type EditTool struct {
	editor     *Editor
	uploads    *Uploads
	httpClient *http.Client
}

// NewEditTool creates the editing tool. uploads may be nil, in which case
// base64 inputs are sent to the backend without producing a local URL first.
func NewEditTool(editor *Editor, uploads *Uploads) *EditTool {
	if editor == nil {
		editor = NewEditor()
	}
	return &EditTool{
		editor:     editor,
		uploads:    uploads,
		httpClient: &http.Client{Timeout: 45 * time.Second},
	}
}

// Name returns the tool name.
func (t *EditTool) Name() string {
	return "edit_image"
}

// Description describes the tool.
func (t *EditTool) Description() string {
	return "Edit/modify an existing image the user provided. Use this when the user uploads/sends an image and asks to change/add/remove elements, adjust background, or otherwise transform the image. If the user only wants a description of the image, DO NOT call this tool. If the user wants edits, you MUST call this tool exactly once. Provide the image via image_url if available; if omitted, the tool will use the most recent uploaded image from context. The prompt MUST restate the requested edits in clear English (concise, specific). Return the final image URL; after the tool returns, embed it with Markdown and a short caption."
}

// Schema defines the tool parameters.
func (t *EditTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "image_url": {"type": "string", "description": "Direct HTTP(S) URL to the source image"},
    "image_base64": {"type": "string", "description": "Base64 string or data URL (data:image/...;base64,...)"},
    "prompt": {"type": "string", "description": "Detailed edit instructions; write in English for best results"}
  },
  "required": ["prompt"]
}`)
}

// Execute resolves the source image and runs the edit. Missing images and
// backend failures are reported inside the result document so the model can
// explain them to the user.
func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var input struct {
		ImageURL    string `json:"image_url"`
		ImageBase64 string `json:"image_base64"`
		Prompt      string `json:"prompt"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return "", fmt.Errorf("invalid params: %w", err)
	}
	if input.Prompt == "" {
		return `{"status":"error","error":"prompt_required"}`, nil
	}

	image, ok := t.resolveImage(ctx, input.ImageURL, input.ImageBase64)
	if !ok {
		return `{"status":"error","error":"image_required","detail":"Provide image_url or upload an image first"}`, nil
	}

	resultURL, err := t.editor.Edit(ctx, image, input.Prompt)
	if err != nil {
		payload, _ := json.Marshal(map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		return string(payload), nil
	}

	payload, err := json.Marshal(struct {
		Status string `json:"status"`
		URL    string `json:"url"`
		Prompt string `json:"prompt"`
	}{
		Status: "ok",
		URL:    resultURL,
		Prompt: truncate(input.Prompt, 100),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}
	return string(payload), nil
}

// resolveImage fetches the URL source when given, otherwise decodes the
// base64 payload. A decoded payload is also saved to the uploads store so
// later turns can reference the image by URL.
func (t *EditTool) resolveImage(ctx context.Context, imageURL, imageBase64 string) ([]byte, bool) {
	if strings.HasPrefix(imageURL, "http://") || strings.HasPrefix(imageURL, "https://") {
		data, _, err := FetchImage(ctx, t.httpClient, imageURL)
		if err == nil && len(data) > 0 {
			return data, true
		}
	}

	data, ok := DecodeImageInput(imageBase64)
	if !ok || len(data) == 0 {
		return nil, false
	}
	if t.uploads != nil {
		mime, _ := SniffImage(data)
		// Best effort: a failed save still leaves the bytes usable.
		_, _ = t.uploads.Save(data, mime)
	}
	return data, true
}

func truncate(s string, max int) string {
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
