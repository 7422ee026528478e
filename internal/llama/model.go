package llama

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-sessiond/internal/cpu"
	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/gguf"
	"github.com/23skdu/longbow-sessiond/internal/logger"
	"github.com/23skdu/longbow-sessiond/internal/tokenizer"
)

// Runtime loads Llama-family GGUF models for CPU inference.
type Runtime struct {
	log *logger.Logger
}

func NewRuntime(log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Log
	}
	return &Runtime{log: log}
}

type layerWeights struct {
	attnNorm []float32
	q, k, v  *cpu.Matrix
	o        *cpu.Matrix
	ffnNorm  []float32
	gate, up *cpu.Matrix
	down     *cpu.Matrix
}

// Model is a loaded GGUF file. Quantised weights stay in the mapping and
// are decoded row by row during evaluation.
type Model struct {
	file    *gguf.GGUFFile
	tok     *tokenizer.Tokenizer
	hp      HParams
	name    string
	params  int64
	threads int

	embd       *cpu.Matrix
	output     *cpu.Matrix
	outputNorm []float32
	layers     []layerWeights
}

var _ engine.Runtime = (*Runtime)(nil)

func (r *Runtime) LoadModel(path string, p engine.ModelParams) (engine.Model, error) {
	start := time.Now()
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load GGUF: %w", err)
	}
	m, err := newModel(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	m.threads = p.Threads

	if p.UseGPU && p.GPULayers > 0 {
		r.log.Warn("GPU offload requested but this runtime is CPU only", "gpu_layers", p.GPULayers)
	}
	r.log.Info("Llama model mapped",
		"path", path,
		"arch", m.hp.Architecture,
		"dim", m.hp.Dim,
		"layers", m.hp.Layers,
		"heads", m.hp.Heads,
		"kv_heads", m.hp.KVHeads,
		"vocab", m.hp.VocabSize,
		"tokenizer", m.tok.Kind,
		"duration", time.Since(start))
	return m, nil
}

func newModel(f *gguf.GGUFFile) (*Model, error) {
	hp, err := HParamsFromGGUF(f)
	if err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	tok, err := tokenizer.FromGGUF(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	m := &Model{file: f, tok: tok, hp: hp, layers: make([]layerWeights, hp.Layers)}
	m.name, _ = f.GetString("general.name")
	for _, t := range f.Tensors {
		m.params += int64(t.Elements())
	}

	if m.embd, err = m.matrix("token_embd.weight", hp.Dim, hp.VocabSize); err != nil {
		return nil, err
	}
	if _, ok := f.Tensor("output.weight"); ok {
		if m.output, err = m.matrix("output.weight", hp.Dim, hp.VocabSize); err != nil {
			return nil, err
		}
	} else {
		m.output = m.embd
	}
	if m.outputNorm, err = m.vector("output_norm.weight", hp.Dim); err != nil {
		return nil, err
	}

	kvDim := hp.KVDim()
	for i := range m.layers {
		l := &m.layers[i]
		name := func(s string) string { return fmt.Sprintf("blk.%d.%s.weight", i, s) }
		if l.attnNorm, err = m.vector(name("attn_norm"), hp.Dim); err != nil {
			return nil, err
		}
		if l.q, err = m.matrix(name("attn_q"), hp.Dim, hp.Dim); err != nil {
			return nil, err
		}
		if l.k, err = m.matrix(name("attn_k"), hp.Dim, kvDim); err != nil {
			return nil, err
		}
		if l.v, err = m.matrix(name("attn_v"), hp.Dim, kvDim); err != nil {
			return nil, err
		}
		if l.o, err = m.matrix(name("attn_output"), hp.Dim, hp.Dim); err != nil {
			return nil, err
		}
		if l.ffnNorm, err = m.vector(name("ffn_norm"), hp.Dim); err != nil {
			return nil, err
		}
		if l.gate, err = m.matrix(name("ffn_gate"), hp.Dim, hp.HiddenDim); err != nil {
			return nil, err
		}
		if l.up, err = m.matrix(name("ffn_up"), hp.Dim, hp.HiddenDim); err != nil {
			return nil, err
		}
		if l.down, err = m.matrix(name("ffn_down"), hp.HiddenDim, hp.Dim); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Model) matrix(name string, cols, rows int) (*cpu.Matrix, error) {
	t, ok := m.file.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("missing tensor %s", name)
	}
	mat, err := cpu.NewMatrix(t)
	if err != nil {
		return nil, err
	}
	if mat.Cols != cols || mat.Rows != rows {
		return nil, fmt.Errorf("tensor %s: shape [%d x %d], want [%d x %d]", name, mat.Rows, mat.Cols, rows, cols)
	}
	return mat, nil
}

func (m *Model) vector(name string, n int) ([]float32, error) {
	mat, err := m.matrix(name, n, 1)
	if err != nil {
		return nil, err
	}
	return mat.Vector()
}

func (m *Model) HParams() HParams { return m.hp }

func (m *Model) Tokenizer() *tokenizer.Tokenizer { return m.tok }

// Tokenize encodes text. Special-token text is always treated as plain text.
func (m *Model) Tokenize(text string, addBOS, _ bool) ([]int32, error) {
	return m.tok.Encode(text, addBOS)
}

func (m *Model) TokenToPiece(id int32) string { return m.tok.Piece(id) }

func (m *Model) IsEOG(id int32) bool { return m.tok.IsEOG(id) }

func (m *Model) Info() engine.ModelInfo {
	return engine.ModelInfo{
		ParamCount:   m.params,
		LayerCount:   m.hp.Layers,
		VocabSize:    m.hp.VocabSize,
		TrainContext: m.hp.TrainContext,
		Architecture: m.hp.Architecture,
		Name:         m.name,
	}
}

func (m *Model) Close() error {
	if m.file == nil {
		return nil
	}
	m.layers = nil
	m.embd, m.output = nil, nil
	err := m.file.Close()
	m.file = nil
	return err
}
