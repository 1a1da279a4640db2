package datetime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Tool reports the precise server clock to the model.
type Tool struct {
	// now is swappable for tests.
	now func() time.Time

	// defaultLocale is echoed back when the request names no locale.
	defaultLocale string
}

// NewTool creates the clock tool.
func NewTool(defaultLocale string) *Tool {
	if defaultLocale == "" {
		defaultLocale = "en-US"
	}
	return &Tool{
		now:           time.Now,
		defaultLocale: defaultLocale,
	}
}

// Name returns the tool name.
func (t *Tool) Name() string {
	return "get_current_datetime"
}

// Description describes the tool.
func (t *Tool) Description() string {
	return "Get precise current date and time from the server clock. ALWAYS use for questions asking today's date, the current time, or time-related calculations."
}

// Schema defines the tool parameters.
func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "timeZone": {"type": "string", "description": "IANA timezone, e.g., Asia/Jakarta; defaults to server TZ"},
    "locale": {"type": "string", "description": "BCP-47 locale for formatting, e.g., id-ID"}
  }
}`)
}

// Execute returns the current time as ISO-8601, epoch milliseconds, and a
// human-readable rendering in the requested timezone.
func (t *Tool) Execute(_ context.Context, params json.RawMessage) (string, error) {
	var input struct {
		TimeZone string `json:"timeZone"`
		Locale   string `json:"locale"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return "", fmt.Errorf("invalid params: %w", err)
		}
	}

	loc, zoneName := ResolveZone(input.TimeZone)
	locale := input.Locale
	if locale == "" {
		locale = t.defaultLocale
	}

	now := t.now()
	payload, err := json.Marshal(struct {
		ISO       string `json:"iso"`
		Epoch     int64  `json:"epoch"`
		TimeZone  string `json:"timeZone"`
		Formatted string `json:"formatted"`
		Locale    string `json:"locale"`
	}{
		ISO:       now.UTC().Format(time.RFC3339Nano),
		Epoch:     now.UnixMilli(),
		TimeZone:  zoneName,
		Formatted: FormatHuman(now, loc),
		Locale:    locale,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}
	return string(payload), nil
}
