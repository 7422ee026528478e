package llama

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-sessiond/internal/cpu"
	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/kvcache"
)

// Context evaluates tokens one position at a time against a KV cache.
type Context struct {
	m     *Model
	cache kvcache.Cache
	pool  *cpu.Pool
	size  int

	// scratch
	x, xb, xb2 []float32
	q, k, v    []float32
	att        []float32
	scores     []float32
	hb, hb2    []float32
	logits     []float32
	hasLogits  bool
}

func (m *Model) NewContext(p engine.ContextParams) (engine.Context, error) {
	if m.file == nil {
		return nil, fmt.Errorf("model closed")
	}
	if p.ContextSize <= 0 {
		return nil, fmt.Errorf("invalid context size: %d", p.ContextSize)
	}
	threads := p.Threads
	if threads <= 0 {
		threads = m.threads
	}

	hp := m.hp
	cache, err := kvcache.New(kvcache.Config{
		Layers:     hp.Layers,
		KVHeads:    hp.KVHeads,
		HeadDim:    hp.HeadDim,
		ContextLen: p.ContextSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate kv cache: %w", err)
	}

	return &Context{
		m:      m,
		cache:  cache,
		pool:   cpu.NewPool(threads),
		size:   p.ContextSize,
		x:      make([]float32, hp.Dim),
		xb:     make([]float32, hp.Dim),
		xb2:    make([]float32, hp.Dim),
		q:      make([]float32, hp.Dim),
		k:      make([]float32, hp.KVDim()),
		v:      make([]float32, hp.KVDim()),
		att:    make([]float32, hp.Dim),
		scores: make([]float32, hp.Heads*p.ContextSize),
		hb:     make([]float32, hp.HiddenDim),
		hb2:    make([]float32, hp.HiddenDim),
		logits: make([]float32, hp.VocabSize),
	}, nil
}

// Decode evaluates every batch entry in order. Logits are kept for the last
// entry that requests them.
func (c *Context) Decode(b *engine.Batch) error {
	if c.cache == nil {
		return fmt.Errorf("context closed")
	}
	for i := 0; i < b.Len(); i++ {
		pos := int(b.Pos[i])
		if pos < 0 || pos >= c.size {
			return fmt.Errorf("%w: position %d (context %d)", kvcache.ErrOutOfBounds, pos, c.size)
		}
		if pos > c.cache.Len() {
			return fmt.Errorf("position %d skips ahead of cache length %d", pos, c.cache.Len())
		}
		tok := b.Token[i]
		if tok < 0 || int(tok) >= c.m.hp.VocabSize {
			return fmt.Errorf("token %d out of vocabulary", tok)
		}
		if err := c.forward(tok, pos, b.Logits[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) forward(tok int32, pos int, wantLogits bool) error {
	ctx := context.Background()
	m, hp := c.m, c.m.hp

	if err := m.embd.Row(int(tok), c.x); err != nil {
		return err
	}

	for l := range m.layers {
		lw := &m.layers[l]

		cpu.RMSNorm(c.xb, c.x, lw.attnNorm, hp.Eps)
		if err := lw.q.MatVec(ctx, c.pool, c.q, c.xb); err != nil {
			return err
		}
		if err := lw.k.MatVec(ctx, c.pool, c.k, c.xb); err != nil {
			return err
		}
		if err := lw.v.MatVec(ctx, c.pool, c.v, c.xb); err != nil {
			return err
		}
		cpu.Rope(c.q, pos, hp.HeadDim, hp.RopeTheta)
		cpu.Rope(c.k, pos, hp.HeadDim, hp.RopeTheta)

		if err := c.cache.Update(l, pos, c.k, c.v); err != nil {
			return err
		}
		if err := c.attention(ctx, l, pos); err != nil {
			return err
		}

		if err := lw.o.MatVec(ctx, c.pool, c.xb2, c.att); err != nil {
			return err
		}
		cpu.Add(c.x, c.xb2)

		cpu.RMSNorm(c.xb, c.x, lw.ffnNorm, hp.Eps)
		if err := lw.gate.MatVec(ctx, c.pool, c.hb, c.xb); err != nil {
			return err
		}
		if err := lw.up.MatVec(ctx, c.pool, c.hb2, c.xb); err != nil {
			return err
		}
		cpu.SwiGLU(c.hb, c.hb, c.hb2)
		if err := lw.down.MatVec(ctx, c.pool, c.xb2, c.hb); err != nil {
			return err
		}
		cpu.Add(c.x, c.xb2)
	}

	if !wantLogits {
		return nil
	}
	cpu.RMSNorm(c.x, c.x, m.outputNorm, hp.Eps)
	if err := m.output.MatVec(ctx, c.pool, c.logits, c.x); err != nil {
		return err
	}
	c.hasLogits = true
	return nil
}

// attention fills c.att with causal grouped-query attention over positions
// 0..pos of layer l.
func (c *Context) attention(ctx context.Context, l, pos int) error {
	hp := c.m.hp
	view := c.cache.Get(l)
	group := hp.Heads / hp.KVHeads
	scale := float32(1 / math.Sqrt(float64(hp.HeadDim)))

	return c.pool.Parallel(ctx, hp.Heads, func(lo, hi int) error {
		for h := lo; h < hi; h++ {
			q := c.q[h*hp.HeadDim : (h+1)*hp.HeadDim]
			kvOff := (h / group) * hp.HeadDim
			scores := c.scores[h*c.size : h*c.size+pos+1]

			for t := 0; t <= pos; t++ {
				k := view.K[t*view.Stride+kvOff : t*view.Stride+kvOff+hp.HeadDim]
				scores[t] = cpu.Dot(q, k) * scale
			}
			cpu.Softmax(scores)

			out := c.att[h*hp.HeadDim : (h+1)*hp.HeadDim]
			for i := range out {
				out[i] = 0
			}
			for t := 0; t <= pos; t++ {
				v := view.V[t*view.Stride+kvOff : t*view.Stride+kvOff+hp.HeadDim]
				w := scores[t]
				for i := range out {
					out[i] += w * v[i]
				}
			}
		}
		return nil
	})
}

// Logits returns the most recently requested logits, or nil.
func (c *Context) Logits() []float32 {
	if !c.hasLogits {
		return nil
	}
	return c.logits
}

func (c *Context) Clear() {
	if c.cache != nil {
		c.cache.Reset()
	}
	c.hasLogits = false
}

func (c *Context) Size() int { return c.size }

func (c *Context) Close() error {
	if c.cache != nil {
		c.cache.Free()
		c.cache = nil
	}
	return nil
}
