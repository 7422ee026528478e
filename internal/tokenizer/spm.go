package tokenizer

import (
	"container/heap"
	"fmt"
	"strings"
	"unicode/utf8"
)

const spaceMarker = "▁" // ▁

func (t *Tokenizer) initBytes() {
	for i := range t.byteTokens {
		t.byteTokens[i] = -1
	}
	for i, tok := range t.Tokens {
		if b, ok := parseByteToken(tok); ok {
			t.byteTokens[b] = int32(i)
		}
	}
}

type symbol struct {
	start, n   int // byte span in the normalized text; n == 0 once merged away
	prev, next int
}

type bigram struct {
	left, right int
	score       float32
	size        int
}

// bigramQueue pops the highest score first, leftmost on ties.
type bigramQueue []bigram

func (q bigramQueue) Len() int { return len(q) }
func (q bigramQueue) Less(i, j int) bool {
	if q[i].score != q[j].score {
		return q[i].score > q[j].score
	}
	return q[i].left < q[j].left
}
func (q bigramQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *bigramQueue) Push(x interface{}) { *q = append(*q, x.(bigram)) }
func (q *bigramQueue) Pop() interface{} {
	old := *q
	b := old[len(old)-1]
	*q = old[:len(old)-1]
	return b
}

func (t *Tokenizer) encodeSPM(text string) ([]int32, int, error) {
	if t.AddSpacePrefix {
		text = " " + text
	}
	text = strings.ReplaceAll(text, " ", spaceMarker)

	syms := make([]symbol, 0, len(text))
	for off := 0; off < len(text); {
		_, size := utf8.DecodeRuneInString(text[off:])
		syms = append(syms, symbol{start: off, n: size, prev: len(syms) - 1, next: len(syms) + 1})
		off += size
	}
	syms[len(syms)-1].next = -1

	q := &bigramQueue{}
	tryAdd := func(l, r int) {
		if l < 0 || r < 0 {
			return
		}
		piece := text[syms[l].start : syms[l].start+syms[l].n+syms[r].n]
		id, ok := t.Vocab[piece]
		if !ok {
			return
		}
		var score float32
		if int(id) < len(t.Scores) {
			score = t.Scores[id]
		}
		heap.Push(q, bigram{left: l, right: r, score: score, size: len(piece)})
	}

	for i := 1; i < len(syms); i++ {
		tryAdd(i-1, i)
	}

	for q.Len() > 0 {
		b := heap.Pop(q).(bigram)
		left, right := &syms[b.left], &syms[b.right]
		if left.n == 0 || right.n == 0 || left.n+right.n != b.size {
			continue // stale
		}
		left.n += right.n
		right.n = 0
		left.next = right.next
		if right.next >= 0 {
			syms[right.next].prev = b.left
		}
		tryAdd(left.prev, b.left)
		tryAdd(b.left, left.next)
	}

	var (
		ids     []int32
		unknown int
	)
	for i := 0; i >= 0; i = syms[i].next {
		s := syms[i]
		piece := text[s.start : s.start+s.n]
		if id, ok := t.Vocab[piece]; ok {
			ids = append(ids, id)
			continue
		}
		if fallback, ok := t.byteFallback(piece); ok {
			ids = append(ids, fallback...)
			continue
		}
		if t.UNK < 0 {
			return nil, 0, fmt.Errorf("%w: no token or byte fallback for %q", ErrUnencodable, piece)
		}
		ids = append(ids, t.UNK)
		unknown++
	}
	return ids, unknown, nil
}

func (t *Tokenizer) byteFallback(piece string) ([]int32, bool) {
	out := make([]int32, len(piece))
	for k := 0; k < len(piece); k++ {
		id := t.byteTokens[piece[k]]
		if id < 0 {
			return nil, false
		}
		out[k] = id
	}
	return out, true
}

func (t *Tokenizer) pieceSPM(id int32) string {
	tok := t.Tokens[id]
	if t.tokenType(id) == TypeByte || len(t.Types) == 0 {
		if b, ok := parseByteToken(tok); ok {
			return string([]byte{b})
		}
	}
	return strings.ReplaceAll(tok, spaceMarker, " ")
}
