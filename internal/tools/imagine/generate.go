package imagine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultGenerateEndpoint = "https://ai-apps.codergautam.dev/flux/generate"

// allowedRatios are the aspect ratios the generation backend supports.
var allowedRatios = []string{"1:1", "16:9", "9:16"}

// Generator calls the text-to-image backend and returns a hosted result URL.
type Generator struct {
	endpoint   string
	httpClient *http.Client
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithGenerateEndpoint overrides the backend endpoint.
func WithGenerateEndpoint(u string) GeneratorOption {
	return func(g *Generator) { g.endpoint = u }
}

// WithGeneratorHTTPClient substitutes the HTTP client, primarily for tests.
func WithGeneratorHTTPClient(hc *http.Client) GeneratorOption {
	return func(g *Generator) { g.httpClient = hc }
}

// NewGenerator returns a generator with a 60 second request timeout.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		endpoint: defaultGenerateEndpoint,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate renders a prompt at the given aspect ratio and returns the hosted
// image URL. The response shape varies between backend versions, so several
// result fields are accepted.
func (g *Generator) Generate(ctx context.Context, prompt, ratio string) (string, error) {
	q := url.Values{}
	q.Set("prompt", prompt)
	q.Set("ratio", ratio)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "okhttp/4.9.2")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generate request: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		URL    string          `json:"url"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if payload.URL != "" {
		return payload.URL, nil
	}
	if len(payload.Result) > 0 {
		var s string
		if json.Unmarshal(payload.Result, &s) == nil && s != "" {
			return s, nil
		}
		var obj struct {
			URL string `json:"url"`
		}
		if json.Unmarshal(payload.Result, &obj) == nil && obj.URL != "" {
			return obj.URL, nil
		}
	}
	return "", fmt.Errorf("generate response contained no result URL")
}

// NormalizeRatio validates an aspect ratio against the supported set,
// inferring one from a WxH size hint when the ratio is missing or
// unsupported. Falls back to 1:1.
func NormalizeRatio(ratio, size string) string {
	ratio = strings.TrimSpace(ratio)
	for _, allowed := range allowedRatios {
		if ratio == allowed {
			return ratio
		}
	}

	if w, h, ok := parseSize(size); ok {
		r := float64(w) / math.Max(1, float64(h))
		best, bestDiff := "1:1", math.Abs(r-1)
		if d := math.Abs(r - 16.0/9.0); d < bestDiff {
			best, bestDiff = "16:9", d
		}
		if d := math.Abs(r - 9.0/16.0); d < bestDiff {
			best = "9:16"
		}
		return best
	}

	return "1:1"
}

func parseSize(size string) (w, h int, ok bool) {
	a, b, found := strings.Cut(strings.TrimSpace(size), "x")
	if !found {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(a)
	h, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// GenerateTool exposes text-to-image generation to the model.
type GenerateTool struct {
	generator *Generator
}

// NewGenerateTool creates the generation tool.
func NewGenerateTool(generator *Generator) *GenerateTool {
	if generator == nil {
		generator = NewGenerator()
	}
	return &GenerateTool{generator: generator}
}

// Name returns the tool name.
func (t *GenerateTool) Name() string {
	return "generate_image"
}

// Description describes the tool.
func (t *GenerateTool) Description() string {
	return "Generate a new image from text and return a URL. Use ONLY when the user asks to create/draw/render something from scratch AND no user image needs to be modified. If the user uploaded/provided an image and asks to change/add/remove something, DO NOT use this; call edit_image instead. IMPORTANT: Convert the user request to clear English in the prompt. Prefer aspect_ratio (e.g., 1:1, 16:9)."
}

// Schema defines the tool parameters.
func (t *GenerateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": {"type": "string", "description": "Detailed description of the image to generate"},
    "aspect_ratio": {"type": "string", "description": "Aspect ratio such as 1:1, 16:9, 9:16"},
    "size": {"type": "string", "description": "Optional size hint like 512x512, used only to infer aspect ratio if aspect_ratio is missing.", "enum": ["256x256", "512x512", "1024x1024"]},
    "style": {"type": "string", "description": "Optional style, e.g., photorealistic, cartoon, cyberpunk"}
  },
  "required": ["prompt"]
}`)
}

// Execute generates an image. Failures are reported inside the result
// document so the model can explain them to the user.
func (t *GenerateTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var input struct {
		Prompt      string `json:"prompt"`
		AspectRatio string `json:"aspect_ratio"`
		Size        string `json:"size"`
		Style       string `json:"style"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return "", fmt.Errorf("invalid params: %w", err)
	}
	if input.Prompt == "" {
		return `{"status":"error","error":"prompt_required"}`, nil
	}

	ratio := NormalizeRatio(input.AspectRatio, input.Size)

	resultURL, err := t.generator.Generate(ctx, input.Prompt, ratio)
	if err != nil {
		payload, _ := json.Marshal(map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		return string(payload), nil
	}

	payload, err := json.Marshal(struct {
		Status      string `json:"status"`
		URL         string `json:"url"`
		AspectRatio string `json:"aspect_ratio"`
		Prompt      string `json:"prompt"`
		Style       string `json:"style,omitempty"`
	}{
		Status:      "ok",
		URL:         resultURL,
		AspectRatio: ratio,
		Prompt:      input.Prompt,
		Style:       input.Style,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}
	return string(payload), nil
}
