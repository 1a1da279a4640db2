package jsonframe

import (
	"encoding/json"
	"testing"
)

func feedAll(t *testing.T, chunks []string) []string {
	t.Helper()
	ext := NewExtractor()
	var got []string
	for _, c := range chunks {
		for _, f := range ext.Feed([]byte(c)) {
			got = append(got, string(f))
		}
	}
	for _, f := range ext.Flush() {
		got = append(got, string(f))
	}
	return got
}

func TestExtractorCompleteFragments(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			name:   "single object",
			chunks: []string{`{"a":1}`},
			want:   []string{`{"a":1}`},
		},
		{
			name:   "concatenated objects in one chunk",
			chunks: []string{`{"a":1}{"b":2}`},
			want:   []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:   "object split mid key",
			chunks: []string{`{"tex`, `t":"hi"}`},
			want:   []string{`{"text":"hi"}`},
		},
		{
			name:   "array wrapped stream",
			chunks: []string{`[{"a":1},`, `{"b":2}]`},
			want:   []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:   "brace inside string literal",
			chunks: []string{`{"code":"if (x) { y() }"}`},
			want:   []string{`{"code":"if (x) { y() }"}`},
		},
		{
			name:   "escaped quote inside string",
			chunks: []string{`{"q":"she said \"}\" loudly"}`},
			want:   []string{`{"q":"she said \"}\" loudly"}`},
		},
		{
			name:   "escape split across chunks",
			chunks: []string{`{"q":"a\`, `"}b"}`},
			want:   []string{`{"q":"a\"}b"}`},
		},
		{
			name:   "nested objects",
			chunks: []string{`{"outer":{"inner":{"deep":true}}}`},
			want:   []string{`{"outer":{"inner":{"deep":true}}}`},
		},
		{
			name:   "incomplete trailing fragment discarded",
			chunks: []string{`{"a":1}{"b":`},
			want:   []string{`{"a":1}`},
		},
		{
			name:   "invalid fragment dropped",
			chunks: []string{`{"a":}`},
			want:   nil,
		},
		{
			name:   "noise between fragments skipped",
			chunks: []string{"  ,\n", `{"a":1}`, " , ", `{"b":2}`},
			want:   []string{`{"a":1}`, `{"b":2}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := feedAll(t, tt.chunks)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d fragments %v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("fragment %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// Splitting the input at every possible byte offset must produce the same
// fragments as feeding it whole.
func TestExtractorSplitInvariance(t *testing.T) {
	input := `{"candidates":[{"content":{"parts":[{"text":"héllo {\"x\"} wörld"}]}}]}{"done":true}`
	whole := feedAll(t, []string{input})

	for i := 1; i < len(input); i++ {
		split := feedAll(t, []string{input[:i], input[i:]})
		if len(split) != len(whole) {
			t.Fatalf("split at %d: got %d fragments, want %d", i, len(split), len(whole))
		}
		for j := range split {
			if split[j] != whole[j] {
				t.Fatalf("split at %d: fragment %d = %s, want %s", i, j, split[j], whole[j])
			}
		}
	}
}

func TestExtractorByteAtATime(t *testing.T) {
	input := `{"a":"one"}{"b":{"c":[1,2,3]}}`
	ext := NewExtractor()
	var got []string
	for i := 0; i < len(input); i++ {
		for _, f := range ext.Feed([]byte{input[i]}) {
			got = append(got, string(f))
		}
	}
	want := []string{`{"a":"one"}`, `{"b":{"c":[1,2,3]}}`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("fragment %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestExtractorFlushResetsState(t *testing.T) {
	ext := NewExtractor()
	if frames := ext.Feed([]byte(`{"partial":`)); frames != nil {
		t.Fatalf("expected no fragments, got %v", frames)
	}
	if frames := ext.Flush(); frames != nil {
		t.Fatalf("expected flush to discard partial, got %v", frames)
	}
	// After flush the extractor accepts a fresh stream.
	frames := ext.Feed([]byte(`{"fresh":true}`))
	if len(frames) != 1 || string(frames[0]) != `{"fresh":true}` {
		t.Fatalf("got %v after reset", frames)
	}
}

func TestDecoderMultiByteRuneSplit(t *testing.T) {
	input := []byte(`{"text":"日本語テスト"}`)
	whole := NewDecoder().Feed(input)
	if len(whole) != 1 {
		t.Fatalf("unsplit input: got %d fragments", len(whole))
	}

	for i := 1; i < len(input); i++ {
		d := NewDecoder()
		var got []json.RawMessage
		got = append(got, d.Feed(input[:i])...)
		got = append(got, d.Feed(input[i:])...)
		got = append(got, d.Flush()...)
		if len(got) != 1 {
			t.Fatalf("split at byte %d: got %d fragments", i, len(got))
		}
		if string(got[0]) != string(whole[0]) {
			t.Errorf("split at byte %d: fragment = %s, want %s", i, got[0], whole[0])
		}
	}
}

func TestDecoderFlushDiscardsPartialRune(t *testing.T) {
	d := NewDecoder()
	// First two bytes of a three-byte rune, then nothing more.
	if frames := d.Feed([]byte{0xE6, 0x97}); frames != nil {
		t.Fatalf("expected no fragments, got %v", frames)
	}
	if frames := d.Flush(); len(frames) != 0 {
		t.Fatalf("expected no fragments at flush, got %v", frames)
	}
}
