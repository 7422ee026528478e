package llama

import (
	"fmt"

	"github.com/23skdu/longbow-sessiond/internal/gguf"
)

// HParams are the transformer dimensions read from GGUF metadata.
type HParams struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	TrainContext int
	Eps          float32
	RopeTheta    float32
}

var supportedArchs = map[string]bool{
	"llama":   true,
	"mistral": true,
}

func HParamsFromGGUF(f *gguf.GGUFFile) (HParams, error) {
	arch := f.Architecture()
	if arch == "" {
		arch = "llama"
	}
	if !supportedArchs[arch] {
		return HParams{}, fmt.Errorf("unsupported architecture %q", arch)
	}

	key := func(k string) string { return arch + "." + k }
	h := HParams{
		Architecture: arch,
		Dim:          int(f.Uint(key("embedding_length"))),
		HiddenDim:    int(f.Uint(key("feed_forward_length"))),
		Layers:       int(f.Uint(key("block_count"))),
		Heads:        int(f.Uint(key("attention.head_count"))),
		KVHeads:      int(f.Uint(key("attention.head_count_kv"), key("attention.head_count"))),
		TrainContext: int(f.Uint(key("context_length"))),
		Eps:          1e-5,
		RopeTheta:    10000,
	}
	if v, ok := f.Float(key("attention.layer_norm_rms_epsilon")); ok {
		h.Eps = v
	}
	if v, ok := f.Float(key("rope.freq_base")); ok {
		h.RopeTheta = v
	}
	if h.Heads > 0 {
		h.HeadDim = h.Dim / h.Heads
	}
	if n := f.Uint(key("rope.dimension_count")); n > 0 && int(n) != h.HeadDim {
		return HParams{}, fmt.Errorf("partial rotary embeddings (%d of %d) not supported", n, h.HeadDim)
	}
	if n := f.Uint(key("vocab_size")); n > 0 {
		h.VocabSize = int(n)
	} else {
		h.VocabSize = len(f.Strings("tokenizer.ggml.tokens"))
	}
	return h, h.Validate()
}

func (h *HParams) Validate() error {
	if h.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", h.Dim)
	}
	if h.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", h.Layers)
	}
	if h.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", h.Heads)
	}
	if h.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", h.KVHeads)
	}
	if h.KVHeads > h.Heads || h.Heads%h.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (must divide heads: %d)", h.KVHeads, h.Heads)
	}
	if h.HeadDim <= 0 || h.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive and even)", h.HeadDim)
	}
	if h.Dim != h.Heads*h.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", h.Dim, h.Heads, h.HeadDim)
	}
	if h.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", h.VocabSize)
	}
	if h.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", h.HiddenDim)
	}
	if h.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", h.Eps)
	}
	if h.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", h.RopeTheta)
	}
	return nil
}

// KVDim is the width of one position's keys (and values).
func (h *HParams) KVDim() int {
	return h.KVHeads * h.HeadDim
}
