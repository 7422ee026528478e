package kvcache

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-sessiond/internal/metrics"
)

var ErrOutOfBounds = errors.New("kv cache: position out of bounds")

// View holds one layer's keys and values. Row p of K and V (Stride floats
// each) belongs to position p; only the first Len rows are live.
type View struct {
	K      []float32
	V      []float32
	Stride int
	Len    int
}

// Cache abstracts the per-layer key/value store used by attention.
type Cache interface {
	Update(layer, pos int, k, v []float32) error
	Get(layer int) View
	Len() int
	Size() int
	Reset()
	Free()
}

type Config struct {
	Layers     int
	KVHeads    int
	HeadDim    int
	ContextLen int
}

// TensorCache is a contiguous float32 cache sized for the full context.
type TensorCache struct {
	cfg    Config
	stride int
	k      [][]float32
	v      [][]float32
	used   int
}

// New allocates the cache up front.
func New(cfg Config) (*TensorCache, error) {
	if cfg.Layers <= 0 {
		return nil, fmt.Errorf("invalid config: layers=%d", cfg.Layers)
	}
	if cfg.ContextLen <= 0 {
		return nil, fmt.Errorf("invalid config: context_len=%d", cfg.ContextLen)
	}
	stride := cfg.KVHeads * cfg.HeadDim
	if stride <= 0 {
		return nil, fmt.Errorf("invalid config: kvDim=%d", stride)
	}

	c := &TensorCache{
		cfg:    cfg,
		stride: stride,
		k:      make([][]float32, cfg.Layers),
		v:      make([][]float32, cfg.Layers),
	}
	for i := 0; i < cfg.Layers; i++ {
		c.k[i] = make([]float32, cfg.ContextLen*stride)
		c.v[i] = make([]float32, cfg.ContextLen*stride)
	}
	metrics.RecordKVCacheStats(c.bytes(cfg.ContextLen), 0)
	return c, nil
}

func (c *TensorCache) bytes(positions int) int64 {
	return int64(c.cfg.Layers) * 2 * int64(positions) * int64(c.stride) * 4
}

// Update stores k and v for layer at pos.
func (c *TensorCache) Update(layer, pos int, k, v []float32) error {
	if c.k == nil {
		return fmt.Errorf("cache not initialized")
	}
	if layer < 0 || layer >= c.cfg.Layers {
		return fmt.Errorf("invalid layer index: %d", layer)
	}
	if pos < 0 || pos >= c.cfg.ContextLen {
		metrics.RecordKVCacheOverflow()
		return fmt.Errorf("%w: %d (max %d)", ErrOutOfBounds, pos, c.cfg.ContextLen)
	}
	if len(k) != c.stride || len(v) != c.stride {
		return fmt.Errorf("kv width %d/%d, want %d", len(k), len(v), c.stride)
	}

	copy(c.k[layer][pos*c.stride:], k)
	copy(c.v[layer][pos*c.stride:], v)

	if pos+1 > c.used {
		c.used = pos + 1
		metrics.KVCacheUsedBytes.Set(float64(c.bytes(c.used)))
	}
	return nil
}

func (c *TensorCache) Get(layer int) View {
	if c.k == nil || layer < 0 || layer >= len(c.k) {
		return View{}
	}
	return View{K: c.k[layer], V: c.v[layer], Stride: c.stride, Len: c.used}
}

// Len returns the number of live positions.
func (c *TensorCache) Len() int {
	return c.used
}

// Size returns the configured context length
func (c *TensorCache) Size() int {
	return c.cfg.ContextLen
}

// Reset forgets every position without releasing memory.
func (c *TensorCache) Reset() {
	c.used = 0
	metrics.KVCacheUsedBytes.Set(0)
}

func (c *TensorCache) Free() {
	c.k, c.v = nil, nil
	c.used = 0
	metrics.RecordKVCacheStats(0, 0)
}
