package llama

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-sessiond/internal/gguf"
)

// FixtureConfig describes a small random model.
type FixtureConfig struct {
	Name       string
	Dim        int
	HiddenDim  int
	Layers     int
	Heads      int
	KVHeads    int
	ContextLen int
	WeightType gguf.GGMLType // for the 2-D weights; norms are always F32
	TiedOutput bool          // omit output.weight
	Seed       int64
	Words      []string // extra whole-word vocabulary entries
}

func DefaultFixture() FixtureConfig {
	return FixtureConfig{
		Name:       "tiny-random-llama",
		Dim:        64,
		HiddenDim:  128,
		Layers:     2,
		Heads:      4,
		KVHeads:    2,
		ContextLen: 256,
		WeightType: gguf.GGMLTypeF32,
		Seed:       1,
		Words:      []string{"▁Hello", "▁world", "▁the", "▁a", "▁is", "."},
	}
}

// fixtureVocab is <unk>, <s>, </s>, 256 byte tokens, ▁ and the extra words.
func fixtureVocab(words []string) (tokens []string, scores []float32, types []int32) {
	tokens = []string{"<unk>", "<s>", "</s>"}
	types = []int32{2, 3, 3}
	for b := 0; b < 256; b++ {
		tokens = append(tokens, fmt.Sprintf("<0x%02X>", b))
		types = append(types, 6)
	}
	tokens = append(tokens, "▁")
	types = append(types, 1)
	for _, w := range words {
		tokens = append(tokens, w)
		types = append(types, 1)
	}
	scores = make([]float32, len(tokens))
	for i := range scores {
		scores[i] = -float32(i)
	}
	return tokens, scores, types
}

// WriteFixture builds a random Llama model in GGUF form.
func WriteFixture(w *gguf.Writer, cfg FixtureConfig) error {
	if cfg.Heads == 0 || cfg.Dim%cfg.Heads != 0 {
		return fmt.Errorf("dim %d not divisible by heads %d", cfg.Dim, cfg.Heads)
	}
	tokens, scores, types := fixtureVocab(cfg.Words)
	vocab := len(tokens)
	headDim := cfg.Dim / cfg.Heads
	kvDim := cfg.KVHeads * headDim
	rng := rand.New(rand.NewSource(cfg.Seed))

	w.AddKV("general.architecture", "llama")
	w.AddKV("general.name", cfg.Name)
	w.AddKV("llama.embedding_length", uint32(cfg.Dim))
	w.AddKV("llama.feed_forward_length", uint32(cfg.HiddenDim))
	w.AddKV("llama.block_count", uint32(cfg.Layers))
	w.AddKV("llama.attention.head_count", uint32(cfg.Heads))
	w.AddKV("llama.attention.head_count_kv", uint32(cfg.KVHeads))
	w.AddKV("llama.context_length", uint32(cfg.ContextLen))
	w.AddKV("llama.attention.layer_norm_rms_epsilon", float32(1e-5))
	w.AddKV("llama.rope.freq_base", float32(10000))
	w.AddKV("tokenizer.ggml.model", "llama")
	w.AddKV("tokenizer.ggml.tokens", tokens)
	w.AddKV("tokenizer.ggml.scores", scores)
	w.AddKV("tokenizer.ggml.token_type", types)
	w.AddKV("tokenizer.ggml.unknown_token_id", uint32(0))
	w.AddKV("tokenizer.ggml.bos_token_id", uint32(1))
	w.AddKV("tokenizer.ggml.eos_token_id", uint32(2))

	random := func(n int, scale float32) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.NormFloat64()) * scale
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}
	add := func(name string, typ gguf.GGMLType, cols, rows int, values []float32) error {
		dims := []uint64{uint64(cols), uint64(rows)}
		if rows == 1 {
			dims = dims[:1]
		}
		return w.AddF32(name, typ, dims, values)
	}

	scale := float32(0.5)
	if err := add("token_embd.weight", cfg.WeightType, cfg.Dim, vocab, random(cfg.Dim*vocab, 1)); err != nil {
		return err
	}
	for l := 0; l < cfg.Layers; l++ {
		name := func(s string) string { return fmt.Sprintf("blk.%d.%s.weight", l, s) }
		steps := []struct {
			name       string
			typ        gguf.GGMLType
			cols, rows int
			values     []float32
		}{
			{name("attn_norm"), gguf.GGMLTypeF32, cfg.Dim, 1, ones(cfg.Dim)},
			{name("attn_q"), cfg.WeightType, cfg.Dim, cfg.Dim, random(cfg.Dim*cfg.Dim, scale)},
			{name("attn_k"), cfg.WeightType, cfg.Dim, kvDim, random(cfg.Dim*kvDim, scale)},
			{name("attn_v"), cfg.WeightType, cfg.Dim, kvDim, random(cfg.Dim*kvDim, scale)},
			{name("attn_output"), cfg.WeightType, cfg.Dim, cfg.Dim, random(cfg.Dim*cfg.Dim, scale)},
			{name("ffn_norm"), gguf.GGMLTypeF32, cfg.Dim, 1, ones(cfg.Dim)},
			{name("ffn_gate"), cfg.WeightType, cfg.Dim, cfg.HiddenDim, random(cfg.Dim*cfg.HiddenDim, scale)},
			{name("ffn_up"), cfg.WeightType, cfg.Dim, cfg.HiddenDim, random(cfg.Dim*cfg.HiddenDim, scale)},
			{name("ffn_down"), cfg.WeightType, cfg.HiddenDim, cfg.Dim, random(cfg.HiddenDim*cfg.Dim, scale)},
		}
		for _, s := range steps {
			if err := add(s.name, s.typ, s.cols, s.rows, s.values); err != nil {
				return err
			}
		}
	}
	if err := add("output_norm.weight", gguf.GGMLTypeF32, cfg.Dim, 1, ones(cfg.Dim)); err != nil {
		return err
	}
	if !cfg.TiedOutput {
		if err := add("output.weight", cfg.WeightType, cfg.Dim, vocab, random(cfg.Dim*vocab, scale)); err != nil {
			return err
		}
	}
	return nil
}

// WriteFixtureFile writes a random model to path.
func WriteFixtureFile(path string, cfg FixtureConfig) error {
	w := gguf.NewWriter()
	if err := WriteFixture(w, cfg); err != nil {
		return err
	}
	return w.WriteFile(path)
}
