package jsonframe

import (
	"encoding/json"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decoder combines a streaming UTF-8 decode with fragment extraction. The
// transform carries partial multi-byte sequences between chunks, so a rune
// split across two network reads reaches the scanner intact.
type Decoder struct {
	ext *Extractor
	tr  transform.Transformer

	// carry holds bytes the transformer could not consume yet (a partial
	// rune at the end of a chunk).
	carry []byte
}

// NewDecoder returns a Decoder ready to receive raw response-body chunks.
func NewDecoder() *Decoder {
	return &Decoder{
		ext: NewExtractor(),
		tr:  unicode.UTF8.NewDecoder(),
	}
}

// Feed decodes a raw byte chunk and returns any fragments it completes.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	return d.ext.Feed(d.decode(chunk, false))
}

// Flush drains decoder carry state and the scanner. Trailing bytes that never
// formed a complete rune or fragment are discarded.
func (d *Decoder) Flush() []json.RawMessage {
	if tail := d.decode(nil, true); len(tail) > 0 {
		if frames := d.ext.Feed(tail); len(frames) > 0 {
			rest := d.ext.Flush()
			return append(frames, rest...)
		}
	}
	return d.ext.Flush()
}

func (d *Decoder) decode(chunk []byte, atEOF bool) []byte {
	src := chunk
	if len(d.carry) > 0 {
		src = append(d.carry, chunk...)
		d.carry = nil
	}
	if len(src) == 0 && !atEOF {
		return nil
	}

	dst := make([]byte, len(src)+8)
	var out []byte
	for {
		nDst, nSrc, err := d.tr.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		switch err {
		case nil:
			if !atEOF {
				d.carry = append(d.carry[:0], src...)
			}
			return out
		case transform.ErrShortSrc:
			// Partial rune at chunk boundary: keep it for the next Feed.
			d.carry = append(d.carry[:0], src...)
			return out
		case transform.ErrShortDst:
			dst = make([]byte, 2*len(dst))
		default:
			// UTF8 decode is replacement-based and should not error, but a
			// malformed tail at EOF is simply dropped per the best-effort
			// policy.
			return out
		}
	}
}
