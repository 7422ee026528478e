package engine

import "fmt"

// Batch is a reusable list of tokens to evaluate. Entries with Logits set
// produce logits retrievable through Context.Logits.
type Batch struct {
	Token  []int32
	Pos    []int32
	Seq    []int32
	Logits []bool
}

func NewBatch(capacity int) *Batch {
	return &Batch{
		Token:  make([]int32, 0, capacity),
		Pos:    make([]int32, 0, capacity),
		Seq:    make([]int32, 0, capacity),
		Logits: make([]bool, 0, capacity),
	}
}

func (b *Batch) Len() int { return len(b.Token) }

func (b *Batch) Cap() int { return cap(b.Token) }

// Clear empties the batch, keeping its storage.
func (b *Batch) Clear() {
	b.Token = b.Token[:0]
	b.Pos = b.Pos[:0]
	b.Seq = b.Seq[:0]
	b.Logits = b.Logits[:0]
}

func (b *Batch) Add(token int32, pos int, logits bool) error {
	if len(b.Token) == cap(b.Token) {
		return fmt.Errorf("batch full (capacity %d)", cap(b.Token))
	}
	b.Token = append(b.Token, token)
	b.Pos = append(b.Pos, int32(pos))
	b.Seq = append(b.Seq, 0)
	b.Logits = append(b.Logits, logits)
	return nil
}
