package tokenizer

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

// Pre-tokenizer patterns. Both rely on negative lookahead.
const (
	patternGPT2   = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`
	patternLlama3 = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
)

var byteEncoder, byteDecoder = byteMaps()

// byteMaps builds the GPT-2 reversible byte to rune mapping that keeps
// printable bytes as themselves.
func byteMaps() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		enc[b] = r
		dec[r] = byte(b)
	}
	return enc, dec
}

func (t *Tokenizer) initBPE(merges []string, pre string) error {
	t.ranks = make(map[string]int, len(merges))
	for i, m := range merges {
		if _, dup := t.ranks[m]; !dup {
			t.ranks[m] = i
		}
	}

	pattern := patternGPT2
	switch pre {
	case "llama3", "llama-bpe", "llama-v3":
		pattern = patternLlama3
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return fmt.Errorf("tokenizer: pre-tokenizer %q: %w", pre, err)
	}
	t.pretok = re
	return nil
}

func (t *Tokenizer) splitWords(text string) ([]string, error) {
	var words []string
	m, err := t.pretok.FindStringMatch(text)
	for err == nil && m != nil {
		words = append(words, m.String())
		m, err = t.pretok.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("tokenizer: pre-tokenize: %w", err)
	}
	return words, nil
}

func (t *Tokenizer) encodeBPE(text string) ([]int32, int, error) {
	words, err := t.splitWords(text)
	if err != nil {
		return nil, 0, err
	}

	var (
		ids     []int32
		unknown int
	)
	for _, w := range words {
		var sb strings.Builder
		for i := 0; i < len(w); i++ {
			sb.WriteRune(byteEncoder[w[i]])
		}
		for _, part := range t.mergeWord(sb.String()) {
			if id, ok := t.Vocab[part]; ok {
				ids = append(ids, id)
				continue
			}
			// Unmergeable leftovers fall back to single mapped bytes.
			for _, r := range part {
				if id, ok := t.Vocab[string(r)]; ok {
					ids = append(ids, id)
					continue
				}
				if t.UNK < 0 {
					return nil, 0, fmt.Errorf("%w: %q", ErrUnencodable, part)
				}
				ids = append(ids, t.UNK)
				unknown++
			}
		}
	}
	return ids, unknown, nil
}

// mergeWord applies ranked merges until no adjacent pair has a rank.
func (t *Tokenizer) mergeWord(word string) []string {
	parts := make([]string, 0, len(word))
	for _, r := range word {
		parts = append(parts, string(r))
	}
	for len(parts) > 1 {
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i+1 < len(parts); i++ {
			if r, ok := t.ranks[parts[i]+" "+parts[i+1]]; ok && r < bestRank {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		parts[best] += parts[best+1]
		parts = append(parts[:best+1], parts[best+2:]...)
	}
	return parts
}

func (t *Tokenizer) pieceBPE(id int32) string {
	tok := t.Tokens[id]
	if t.tokenType(id) == TypeUserDefined {
		return tok
	}
	out := make([]byte, 0, len(tok))
	for _, r := range tok {
		b, ok := byteDecoder[r]
		if !ok {
			// not produced by the byte mapping; emit as-is
			return tok
		}
		out = append(out, b)
	}
	return string(out)
}
