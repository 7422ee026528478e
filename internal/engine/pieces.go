package engine

import (
	"strings"
	"unicode/utf8"
)

// pieceDecoder turns token pieces into valid UTF-8. Byte-fallback tokens
// can split one character across several tokens, so a trailing partial
// sequence is held until the token that completes it. Bytes that can
// never start or continue a character become U+FFFD, one per byte, the
// same way JSON encoding would rewrite them.
type pieceDecoder struct {
	pending []byte
}

func (d *pieceDecoder) push(piece string) string {
	d.pending = append(d.pending, piece...)
	b := d.pending
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(b) {
				break
			}
			sb.WriteRune(utf8.RuneError)
			b = b[1:]
			continue
		}
		sb.Write(b[:size])
		b = b[size:]
	}
	d.pending = append(d.pending[:0], b...)
	return sb.String()
}

// flush gives up on a held partial sequence.
func (d *pieceDecoder) flush() string {
	n := len(d.pending)
	d.pending = d.pending[:0]
	return strings.Repeat(string(utf8.RuneError), n)
}

func (d *pieceDecoder) reset() { d.pending = d.pending[:0] }
