package imagine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const defaultEditBaseURL = "https://ai-apps.codergautam.dev"

const (
	editPollInterval = 2500 * time.Millisecond
	editPollDeadline = 2 * time.Minute
)

// Editor runs prompt-driven edits against the hosted backend. The flow is
// three steps: register a throwaway user, upload the image bytes with the
// prompt, then poll the returned URL until the result is ready.
type Editor struct {
	baseURL    string
	httpClient *http.Client

	pollInterval time.Duration
	pollDeadline time.Duration
}

// EditorOption configures an Editor.
type EditorOption func(*Editor)

// WithEditBaseURL overrides the backend base URL.
func WithEditBaseURL(u string) EditorOption {
	return func(e *Editor) { e.baseURL = strings.TrimRight(u, "/") }
}

// WithEditorHTTPClient substitutes the HTTP client, primarily for tests.
func WithEditorHTTPClient(hc *http.Client) EditorOption {
	return func(e *Editor) { e.httpClient = hc }
}

// WithEditPolling tightens the poll loop, primarily for tests.
func WithEditPolling(interval, deadline time.Duration) EditorOption {
	return func(e *Editor) {
		e.pollInterval = interval
		e.pollDeadline = deadline
	}
}

// NewEditor returns an editor with production polling defaults.
func NewEditor(opts ...EditorOption) *Editor {
	e := &Editor{
		baseURL: defaultEditBaseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		pollInterval: editPollInterval,
		pollDeadline: editPollDeadline,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Edit uploads image bytes with edit instructions and returns the hosted
// result URL once the backend finishes rendering.
func (e *Editor) Edit(ctx context.Context, image []byte, prompt string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("image bytes required")
	}

	userID, err := e.register(ctx)
	if err != nil {
		return "", fmt.Errorf("register: %w", err)
	}

	pollingURL, err := e.upload(ctx, userID, image, prompt)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	return e.poll(ctx, pollingURL)
}

// register creates a throwaway backend account and returns its user ID.
func (e *Editor) register(ctx context.Context) (string, error) {
	uidBytes := make([]byte, 12)
	if _, err := rand.Read(uidBytes); err != nil {
		return "", err
	}
	uid := hex.EncodeToString(uidBytes)

	payload, err := json.Marshal(map[string]string{
		"uid":         uid,
		"email":       fmt.Sprintf("gienetic%d@nyahoo.com", time.Now().UnixMilli()),
		"displayName": randomLowerName(10),
		"photoURL":    "https://i.pravatar.cc/150",
		"appId":       "photogpt",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/photogpt/create-user", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "okhttp/4.9.2")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode register response: %w", err)
	}
	if !body.Success {
		return "", fmt.Errorf("backend rejected registration")
	}
	return uid, nil
}

// upload posts the image and prompt, returning the polling URL.
func (e *Editor) upload(ctx context.Context, userID string, image []byte, prompt string) (string, error) {
	mime, ext := SniffImage(image)
	if mime == "" {
		mime = "application/octet-stream"
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreatePart(imagePartHeader("image", "input"+ext, mime))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(image); err != nil {
		return "", err
	}
	if err := writer.WriteField("prompt", prompt); err != nil {
		return "", err
	}
	if err := writer.WriteField("userId", userID); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/photogpt/generate-image", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "okhttp/4.9.2")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Success    bool   `json:"success"`
		PollingURL string `json:"pollingUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if !body.Success {
		return "", fmt.Errorf("backend rejected upload")
	}
	if body.PollingURL == "" {
		return "", fmt.Errorf("no polling URL returned")
	}
	return body.PollingURL, nil
}

// poll fetches the status URL until the result is ready or the deadline
// passes.
func (e *Editor) poll(ctx context.Context, pollingURL string) (string, error) {
	deadline := time.Now().Add(e.pollDeadline)

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollingURL, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "okhttp/4.9.2")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return "", err
		}
		var body struct {
			Status string `json:"status"`
			Result struct {
				URL string `json:"url"`
			} `json:"result"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if decodeErr == nil && body.Status == "Ready" {
			if body.Result.URL == "" {
				return "", fmt.Errorf("result ready but no URL returned")
			}
			return body.Result.URL, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}

	return "", fmt.Errorf("edit result not ready before deadline")
}

func imagePartHeader(field, filename, mime string) map[string][]string {
	return map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename)},
		"Content-Type":        {mime},
	}
}

func randomLowerName(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			out[i] = 'a'
			continue
		}
		out[i] = letters[idx.Int64()]
	}
	return string(out)
}

// FetchImage downloads image bytes from a URL.
func FetchImage(ctx context.Context, hc *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// DecodeImageInput decodes a base64 string or data URL into raw bytes.
func DecodeImageInput(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "data:") {
		_, payload, found := strings.Cut(s, ",")
		if !found {
			return nil, false
		}
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return data, true
}
