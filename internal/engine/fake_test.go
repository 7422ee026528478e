package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
)

const (
	fakeBOS   int32 = 0
	fakeEOS   int32 = 1
	fakeVocab       = 32
)

var fakePieces = func() []string {
	p := []string{"", "", " Hello", " world", "!"}
	for len(p) < fakeVocab {
		p = append(p, string(rune('a'+len(p)-5)))
	}
	return p
}()

// fakeRuntime hands out fakeModels for any path in models.
type fakeRuntime struct {
	mu     sync.Mutex
	models map[string]*fakeModel
	loads  []string
	events *[]string
}

func newFakeRuntime(models map[string]*fakeModel) *fakeRuntime {
	events := &[]string{}
	for _, m := range models {
		m.events = events
	}
	return &fakeRuntime{models: models, events: events}
}

func (r *fakeRuntime) LoadModel(path string, _ ModelParams) (Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = append(r.loads, path)
	m, ok := r.models[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	m.closed = false
	return m, nil
}

// fakeModel emits script(step) as the greedy choice after each logits
// request, where step counts logits requests since the last Clear.
type fakeModel struct {
	name        string
	script      func(step int) int32
	tokenizeErr error
	ctxErr      error
	// decodeHook runs inside every Decode with the logits step about to
	// be produced; a non-nil error fails the decode.
	decodeHook func(step int) error
	// pieces replaces fakePieces when set.
	pieces []string

	closed bool
	ctx    *fakeContext
	events *[]string
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		name:   "fake",
		script: func(step int) int32 { return int32(2 + step%3) },
	}
}

func (m *fakeModel) record(ev string) {
	if m.events != nil {
		*m.events = append(*m.events, m.name+":"+ev)
	}
}

func (m *fakeModel) Tokenize(text string, addBOS, _ bool) ([]int32, error) {
	if m.tokenizeErr != nil {
		return nil, m.tokenizeErr
	}
	var ids []int32
	if addBOS {
		ids = append(ids, fakeBOS)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, 5+int32(text[i])%(fakeVocab-5))
	}
	return ids, nil
}

func (m *fakeModel) TokenToPiece(id int32) string {
	pieces := fakePieces
	if m.pieces != nil {
		pieces = m.pieces
	}
	if id < 0 || int(id) >= len(pieces) {
		return ""
	}
	return pieces[id]
}

func (m *fakeModel) IsEOG(id int32) bool { return id == fakeEOS }

func (m *fakeModel) Info() ModelInfo {
	return ModelInfo{ParamCount: 1234, LayerCount: 2, VocabSize: fakeVocab, TrainContext: 4096, Architecture: "fake", Name: m.name}
}

func (m *fakeModel) NewContext(p ContextParams) (Context, error) {
	if m.ctxErr != nil {
		return nil, m.ctxErr
	}
	m.ctx = &fakeContext{model: m, size: p.ContextSize, batchCap: p.BatchSize}
	return m.ctx, nil
}

func (m *fakeModel) Close() error {
	m.closed = true
	m.record("model.close")
	return nil
}

type fakeContext struct {
	model    *fakeModel
	size     int
	batchCap int
	cursor   int
	step     int
	logits   []float32
	closed   bool

	batchSizes  []int
	logitsFlags [][]bool
}

func (c *fakeContext) Decode(b *Batch) error {
	if b.Len() == 0 {
		return errors.New("empty batch")
	}
	if b.Len() > c.batchCap {
		return fmt.Errorf("batch of %d exceeds capacity %d", b.Len(), c.batchCap)
	}
	for i, p := range b.Pos {
		if int(p) != c.cursor+i {
			return fmt.Errorf("position %d, want %d", p, c.cursor+i)
		}
	}
	if c.cursor+b.Len() > c.size {
		return errors.New("context overflow")
	}
	wantLogits := b.Logits[b.Len()-1]
	if wantLogits && c.model.decodeHook != nil {
		if err := c.model.decodeHook(c.step); err != nil {
			return err
		}
	}

	c.batchSizes = append(c.batchSizes, b.Len())
	c.logitsFlags = append(c.logitsFlags, append([]bool(nil), b.Logits...))
	c.cursor += b.Len()
	if wantLogits {
		c.logits = make([]float32, fakeVocab)
		c.logits[c.model.script(c.step)] = 10
		c.step++
	}
	return nil
}

func (c *fakeContext) Logits() []float32 { return c.logits }

func (c *fakeContext) Clear() {
	c.cursor = 0
	c.step = 0
	c.logits = nil
}

func (c *fakeContext) Size() int { return c.size }

func (c *fakeContext) Close() error {
	c.closed = true
	c.model.record("context.close")
	return nil
}
