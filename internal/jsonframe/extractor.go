// Package jsonframe recovers complete JSON fragments from a streaming text
// source whose chunk boundaries can fall anywhere, including inside string
// literals and multi-byte runes.
//
// Upstream model providers emit concatenated or array-wrapped JSON objects in
// their chunked response bodies. The extractor scans left to right with a
// brace-depth counter that ignores structural characters inside string
// literals, so a fragment is recognized exactly when its outermost object
// closes. Incomplete trailing content stays buffered until more input
// arrives; whatever remains unterminated at end-of-stream is discarded.
package jsonframe

import "encoding/json"

// Extractor pulls complete top-level JSON objects out of an append-only
// buffer. It is not safe for concurrent use; each stream owns one Extractor.
type Extractor struct {
	buf []byte

	// Scan state survives across Feed calls so a fragment split over many
	// chunks is handled identically to an unsplit one.
	inString bool
	escaped  bool
	depth    int
	start    int
	pos      int
}

// NewExtractor returns an empty Extractor.
func NewExtractor() *Extractor {
	return &Extractor{start: -1}
}

// Feed appends data to the buffer and returns every complete fragment now
// available, in order. Fragments that fail JSON validation are dropped
// silently: corrupt upstream data must not kill the stream.
func (e *Extractor) Feed(data []byte) []json.RawMessage {
	e.buf = append(e.buf, data...)
	return e.drain()
}

// Flush returns any fragments completed by previously fed data and discards
// whatever unterminated content remains. Call once when the upstream signals
// end-of-stream.
func (e *Extractor) Flush() []json.RawMessage {
	frames := e.drain()
	e.buf = nil
	e.inString = false
	e.escaped = false
	e.depth = 0
	e.start = -1
	e.pos = 0
	return frames
}

func (e *Extractor) drain() []json.RawMessage {
	var frames []json.RawMessage
	for ; e.pos < len(e.buf); e.pos++ {
		c := e.buf[e.pos]

		if e.escaped {
			e.escaped = false
			continue
		}
		if e.inString {
			switch c {
			case '\\':
				e.escaped = true
			case '"':
				e.inString = false
			}
			continue
		}

		switch c {
		case '"':
			// Quotes only matter once a fragment has opened; stray text
			// between fragments (commas, array brackets) is skipped.
			if e.depth > 0 {
				e.inString = true
			}
		case '{':
			if e.depth == 0 {
				e.start = e.pos
			}
			e.depth++
		case '}':
			if e.depth == 0 {
				continue
			}
			e.depth--
			if e.depth == 0 && e.start >= 0 {
				frag := e.buf[e.start : e.pos+1]
				if json.Valid(frag) {
					out := make(json.RawMessage, len(frag))
					copy(out, frag)
					frames = append(frames, out)
				}
				// Compact the consumed prefix so the buffer does not grow
				// with the whole response.
				e.buf = e.buf[e.pos+1:]
				e.pos = -1
				e.start = -1
			}
		}
	}
	return frames
}
