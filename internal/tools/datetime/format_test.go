package datetime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestOrdinalSuffix(t *testing.T) {
	tests := []struct {
		day  int
		want string
	}{
		{1, "st"},
		{2, "nd"},
		{3, "rd"},
		{4, "th"},
		{10, "th"},

		// 11, 12, 13 always use "th"
		{11, "th"},
		{12, "th"},
		{13, "th"},

		{21, "st"},
		{22, "nd"},
		{23, "rd"},
		{31, "st"},

		{111, "th"},
		{112, "th"},
		{113, "th"},
		{101, "st"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("day_%d", tt.day), func(t *testing.T) {
			if got := OrdinalSuffix(tt.day); got != tt.want {
				t.Errorf("OrdinalSuffix(%d) = %q, want %q", tt.day, got, tt.want)
			}
		})
	}
}

func TestFormatHuman(t *testing.T) {
	// Friday, January 24, 2025, 14:30:05 UTC
	ref := time.Date(2025, 1, 24, 14, 30, 5, 0, time.UTC)

	got := FormatHuman(ref, time.UTC)
	want := "Friday, January 24th, 2025 - 14:30:05"
	if got != want {
		t.Errorf("FormatHuman = %q, want %q", got, want)
	}

	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	got = FormatHuman(ref, jakarta)
	want = "Friday, January 24th, 2025 - 21:30:05"
	if got != want {
		t.Errorf("FormatHuman in Asia/Jakarta = %q, want %q", got, want)
	}
}

func TestResolveZone(t *testing.T) {
	loc, name := ResolveZone("")
	if loc != time.Local || name != time.Local.String() {
		t.Errorf("empty zone resolved to %s", name)
	}

	loc, name = ResolveZone("bogus/zone")
	if loc != time.Local {
		t.Errorf("unknown zone resolved to %s", name)
	}

	loc, name = ResolveZone("UTC")
	if name != "UTC" || loc != time.UTC {
		t.Errorf("UTC resolved to %s", name)
	}
}

func TestToolExecute(t *testing.T) {
	ref := time.Date(2025, 1, 24, 14, 30, 5, 123456789, time.UTC)
	tool := NewTool("en-US")
	tool.now = func() time.Time { return ref }

	raw, err := tool.Execute(context.Background(), json.RawMessage(`{"timeZone":"UTC","locale":"id-ID"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var out struct {
		ISO       string `json:"iso"`
		Epoch     int64  `json:"epoch"`
		TimeZone  string `json:"timeZone"`
		Formatted string `json:"formatted"`
		Locale    string `json:"locale"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}

	if out.ISO != ref.Format(time.RFC3339Nano) {
		t.Errorf("iso = %q", out.ISO)
	}
	if out.Epoch != ref.UnixMilli() {
		t.Errorf("epoch = %d, want %d", out.Epoch, ref.UnixMilli())
	}
	if out.TimeZone != "UTC" {
		t.Errorf("timeZone = %q", out.TimeZone)
	}
	if out.Formatted != "Friday, January 24th, 2025 - 14:30:05" {
		t.Errorf("formatted = %q", out.Formatted)
	}
	if out.Locale != "id-ID" {
		t.Errorf("locale = %q", out.Locale)
	}
}

func TestToolExecuteDefaults(t *testing.T) {
	tool := NewTool("")
	raw, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if out["locale"] != "en-US" {
		t.Errorf("default locale = %v", out["locale"])
	}
}
