package cpu

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-sessiond/internal/gguf"
)

// Pool bounds the goroutines used by one parallel kernel.
type Pool struct {
	threads int
}

// NewPool returns a pool of n workers; n <= 0 means runtime.NumCPU().
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &Pool{threads: n}
}

func (p *Pool) Threads() int {
	return p.threads
}

// Parallel splits [0, n) into contiguous chunks and runs fn on each.
func (p *Pool) Parallel(ctx context.Context, n int, fn func(lo, hi int) error) error {
	if n == 0 {
		return nil
	}
	workers := p.threads
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		return fn(0, n)
	}
	chunk := (n + workers - 1) / workers

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		lo := lo
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return g.Wait()
}

// Matrix is a row-major weight whose rows stay in their stored encoding
// and are decoded on use.
type Matrix struct {
	Name string
	Type gguf.GGMLType
	Cols int // elements per row (GGUF ne0)
	Rows int

	rowBytes int
	data     []byte
}

func NewMatrix(t *gguf.TensorInfo) (*Matrix, error) {
	if !gguf.Supported(t.Type) {
		return nil, fmt.Errorf("tensor %s: %w", t.Name, gguf.ErrUnsupportedType{Type: t.Type})
	}
	if len(t.Dimensions) == 0 || len(t.Dimensions) > 2 {
		return nil, fmt.Errorf("tensor %s: expected 1 or 2 dimensions, got %v", t.Name, t.Dimensions)
	}
	cols := int(t.Dimensions[0])
	if cols%t.Type.BlockSize() != 0 {
		return nil, fmt.Errorf("tensor %s: row length %d not a multiple of %s block size", t.Name, cols, t.Type)
	}
	m := &Matrix{
		Name:     t.Name,
		Type:     t.Type,
		Cols:     cols,
		Rows:     t.Rows(),
		rowBytes: t.Type.RowSize(cols),
		data:     t.Data,
	}
	if len(m.data) < m.rowBytes*m.Rows {
		return nil, fmt.Errorf("tensor %s: %d bytes of data, need %d", t.Name, len(m.data), m.rowBytes*m.Rows)
	}
	return m, nil
}

// Row decodes row r into dst (len Cols).
func (m *Matrix) Row(r int, dst []float32) error {
	if r < 0 || r >= m.Rows {
		return fmt.Errorf("tensor %s: row %d out of range [0, %d)", m.Name, r, m.Rows)
	}
	return gguf.DequantizeInto(m.Type, m.data[r*m.rowBytes:(r+1)*m.rowBytes], dst)
}

// Vector decodes a one-row matrix.
func (m *Matrix) Vector() ([]float32, error) {
	out := make([]float32, m.Cols*m.Rows)
	return out, gguf.DequantizeInto(m.Type, m.data[:m.rowBytes*m.Rows], out)
}

// MatVec computes dst[r] = row(r) . x for every row.
func (m *Matrix) MatVec(ctx context.Context, p *Pool, dst, x []float32) error {
	if len(x) != m.Cols || len(dst) != m.Rows {
		return fmt.Errorf("tensor %s: matvec shape mismatch: [%d x %d] * %d -> %d", m.Name, m.Rows, m.Cols, len(x), len(dst))
	}
	return p.Parallel(ctx, m.Rows, func(lo, hi int) error {
		row := make([]float32, m.Cols)
		for r := lo; r < hi; r++ {
			if err := gguf.DequantizeInto(m.Type, m.data[r*m.rowBytes:(r+1)*m.rowBytes], row); err != nil {
				return err
			}
			dst[r] = Dot(row, x)
		}
		return nil
	})
}
