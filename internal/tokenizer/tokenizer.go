package tokenizer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/23skdu/longbow-sessiond/internal/gguf"
	"github.com/23skdu/longbow-sessiond/internal/metrics"
)

// Kind selects the segmentation algorithm.
type Kind int

const (
	KindSPM Kind = iota // SentencePiece unigram scores, "llama" in GGUF
	KindBPE             // byte-level BPE with merge ranks, "gpt2" in GGUF
)

func (k Kind) String() string {
	if k == KindBPE {
		return "bpe"
	}
	return "spm"
}

// Token types as stored in tokenizer.ggml.token_type.
const (
	TypeNormal      int32 = 1
	TypeUnknown     int32 = 2
	TypeControl     int32 = 3
	TypeUserDefined int32 = 4
	TypeUnused      int32 = 5
	TypeByte        int32 = 6
)

var (
	ErrNoVocab     = errors.New("tokenizer: vocabulary missing")
	ErrUnknownKind = errors.New("tokenizer: unsupported model")
	ErrUnencodable = errors.New("tokenizer: text cannot be encoded")
)

type Tokenizer struct {
	Kind   Kind
	Tokens []string
	Scores []float32
	Types  []int32
	Vocab  map[string]int32

	BOS int32
	EOS int32
	EOT int32
	UNK int32

	// AddSpacePrefix prepends a space before SPM segmentation.
	AddSpacePrefix bool

	byteTokens [256]int32
	ranks      map[string]int // "left right" -> merge rank
	pretok     *regexp2.Regexp
}

// New loads the vocabulary from a GGUF file.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return FromGGUF(f)
}

// FromGGUF builds a tokenizer from the tokenizer.ggml.* metadata. The result
// holds no references into the file's mapping.
func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens := f.Strings("tokenizer.ggml.tokens")
	if len(tokens) == 0 {
		return nil, ErrNoVocab
	}

	t := &Tokenizer{
		Tokens:         append([]string(nil), tokens...),
		Scores:         append([]float32(nil), f.Float32s("tokenizer.ggml.scores")...),
		Types:          append([]int32(nil), f.Int32s("tokenizer.ggml.token_type")...),
		Vocab:          make(map[string]int32, len(tokens)),
		BOS:            specialID(f, "tokenizer.ggml.bos_token_id"),
		EOS:            specialID(f, "tokenizer.ggml.eos_token_id"),
		EOT:            specialID(f, "tokenizer.ggml.eot_token_id"),
		UNK:            specialID(f, "tokenizer.ggml.unknown_token_id"),
		AddSpacePrefix: true,
	}
	for i, tok := range t.Tokens {
		if _, dup := t.Vocab[tok]; !dup {
			t.Vocab[tok] = int32(i)
		}
	}
	if v, ok := f.KV["tokenizer.ggml.add_space_prefix"].(bool); ok {
		t.AddSpacePrefix = v
	}

	model, _ := f.GetString("tokenizer.ggml.model")
	switch model {
	case "", "llama":
		t.Kind = KindSPM
		t.initBytes()
		if t.UNK < 0 {
			if id, ok := t.Vocab["<unk>"]; ok {
				t.UNK = id
			}
		}
	case "gpt2":
		t.Kind = KindBPE
		pre, _ := f.GetString("tokenizer.ggml.pre")
		if err := t.initBPE(f.Strings("tokenizer.ggml.merges"), pre); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, model)
	}
	return t, nil
}

func specialID(f *gguf.GGUFFile, key string) int32 {
	if v, ok := f.Int(key); ok {
		return int32(v)
	}
	return -1
}

func (t *Tokenizer) VocabSize() int {
	return len(t.Tokens)
}

func (t *Tokenizer) tokenType(id int32) int32 {
	if int(id) < len(t.Types) {
		return t.Types[id]
	}
	return TypeNormal
}

// IsEOG reports whether id ends generation.
func (t *Tokenizer) IsEOG(id int32) bool {
	return id >= 0 && (id == t.EOS || id == t.EOT)
}

// Encode converts text to token ids, prepending BOS when addBOS is set and
// the vocabulary defines one. Special-token text is not interpreted.
func (t *Tokenizer) Encode(text string, addBOS bool) ([]int32, error) {
	var ids []int32
	if addBOS && t.BOS >= 0 {
		ids = append(ids, t.BOS)
	}
	if text == "" {
		return ids, nil
	}

	var (
		out     []int32
		unknown int
		err     error
	)
	switch t.Kind {
	case KindBPE:
		out, unknown, err = t.encodeBPE(text)
	default:
		out, unknown, err = t.encodeSPM(text)
	}
	if err != nil {
		return nil, err
	}
	ids = append(ids, out...)
	metrics.RecordTokenizerEncode(len(ids), unknown)
	return ids, nil
}

// Piece returns the text fragment of a single token. Control tokens render
// as the empty string. Byte tokens yield their raw byte, which may be an
// incomplete UTF-8 sequence on its own.
func (t *Tokenizer) Piece(id int32) string {
	if id < 0 || int(id) >= len(t.Tokens) {
		return ""
	}
	switch t.tokenType(id) {
	case TypeControl, TypeUnused:
		return ""
	}
	if t.Kind == KindBPE {
		return t.pieceBPE(id)
	}
	return t.pieceSPM(id)
}

// Decode concatenates pieces.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(t.Piece(id))
	}
	return sb.String()
}

// parseByteToken recognises "<0xXX>".
func parseByteToken(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
