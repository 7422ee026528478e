package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-sessiond/internal/logger"
	"github.com/23skdu/longbow-sessiond/internal/metrics"
)

type StreamState int32

const (
	StreamIdle StreamState = iota
	StreamPopulating
	StreamReady
	StreamDraining
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamPopulating:
		return "populating"
	case StreamReady:
		return "ready"
	case StreamDraining:
		return "draining"
	}
	return fmt.Sprintf("StreamState(%d)", int32(s))
}

type StopReason string

const (
	StopMaxTokens   StopReason = "max_tokens"
	StopEOS         StopReason = "eos"
	StopCancelled   StopReason = "cancelled"
	StopEvalError   StopReason = "eval_error"
	StopContextFull StopReason = "context_full"
)

type Result struct {
	Text         string        `json:"text"`
	TokenCount   int           `json:"tokens_generated"`
	PromptTokens int           `json:"prompt_tokens"`
	StopReason   StopReason    `json:"stop_reason"`
	Duration     time.Duration `json:"-"`
}

// Token is one accepted token and its text. Piece is always valid UTF-8:
// it is empty for a token that only starts a multi-byte character, whose
// text then arrives with the token completing it.
type Token struct {
	Index int    `json:"index"`
	ID    int32  `json:"id"`
	Piece string `json:"piece"`
}

type LoadParams struct {
	Path        string
	Threads     int // 0 uses every CPU
	GPULayers   int
	ContextSize int
	BatchSize   int
	UseGPU      bool
	Verbose     bool
}

func (p LoadParams) validate() error {
	switch {
	case p.Path == "":
		return fmt.Errorf("%w: empty model path", ErrInvalidArgument)
	case p.ContextSize <= 0:
		return fmt.Errorf("%w: context_size %d (must be positive)", ErrInvalidArgument, p.ContextSize)
	case p.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size %d (must be positive)", ErrInvalidArgument, p.BatchSize)
	case p.Threads < 0:
		return fmt.Errorf("%w: threads %d (must be >= 0)", ErrInvalidArgument, p.Threads)
	}
	return nil
}

type Option func(*Session)

func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.baseLog = l }
}

// Session owns at most one loaded model and serialises every operation on
// it. StopGeneration is the only method that does not take the lock.
type Session struct {
	mu sync.Mutex

	// cancel is the stop flag observed by running generations. stops counts
	// StopGeneration calls so a drained stream can tell a stop issued after
	// it was populated from one that already truncated it.
	cancel atomic.Bool
	stops  atomic.Uint64

	rt      Runtime
	baseLog *logger.Logger
	log     *logger.Logger

	model  Model
	ectx   Context
	batch  *Batch
	params LoadParams
	info   ModelInfo
	logits []float32

	sampler     *Sampler
	state       StreamState
	stream      []int32
	cursor      int
	streamDec   pieceDecoder
	streamStops uint64
	streamRes   Result
}

func NewSession(rt Runtime, opts ...Option) *Session {
	s := &Session{rt: rt, baseLog: logger.Log}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.baseLog
	return s
}

// LoadModel replaces any loaded model with the one at p.Path.
func (s *Session) LoadModel(ctx context.Context, p LoadParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unloadLocked()

	start := time.Now()
	err := s.loadLocked(ctx, p)
	metrics.RecordModelLoad(time.Since(start), err)
	if err != nil {
		s.log.Error("Model load failed", "path", p.Path, "error", err)
		return err
	}
	s.log.Info("Model loaded",
		"path", p.Path,
		"arch", s.info.Architecture,
		"layers", s.info.LayerCount,
		"vocab", s.info.VocabSize,
		"params", s.info.ParamCount,
		"ctx", s.info.ContextSize,
		"batch", p.BatchSize,
		"threads", p.Threads,
		"duration", time.Since(start))
	return nil
}

func (s *Session) loadLocked(ctx context.Context, p LoadParams) error {
	if err := p.validate(); err != nil {
		return &ModelLoadError{Path: p.Path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &ModelLoadError{Path: p.Path, Err: err}
	}
	if p.Threads == 0 {
		p.Threads = runtime.NumCPU()
	}
	if s.rt == nil {
		return &ModelLoadError{Path: p.Path, Err: errors.New("no runtime configured")}
	}

	s.log = s.baseLog
	if p.Verbose {
		s.log = s.baseLog.WithLevel("debug")
	}

	m, err := s.rt.LoadModel(p.Path, ModelParams{Threads: p.Threads, GPULayers: p.GPULayers, UseGPU: p.UseGPU})
	if err != nil {
		return &ModelLoadError{Path: p.Path, Err: err}
	}
	c, err := m.NewContext(ContextParams{ContextSize: p.ContextSize, BatchSize: p.BatchSize, Threads: p.Threads})
	if err != nil {
		if cerr := m.Close(); cerr != nil {
			s.log.Warn("Closing model after failed context creation", "error", cerr)
		}
		return &ModelLoadError{Path: p.Path, Err: fmt.Errorf("create context: %w", err)}
	}

	s.model = m
	s.ectx = c
	s.batch = NewBatch(p.BatchSize)
	s.params = p
	s.info = m.Info()
	s.info.ContextSize = c.Size()
	return nil
}

// UnloadModel releases everything LoadModel acquired. It is a no-op when
// nothing is loaded.
func (s *Session) UnloadModel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unloadLocked()
}

// Close unloads the model.
func (s *Session) Close() error {
	s.UnloadModel()
	return nil
}

func (s *Session) unloadLocked() {
	if s.model == nil {
		return
	}
	s.endStreamLocked()
	s.batch = nil
	s.logits = nil
	if err := s.ectx.Close(); err != nil {
		s.log.Warn("Closing evaluation context", "error", err)
	}
	s.ectx = nil
	if err := s.model.Close(); err != nil {
		s.log.Warn("Closing model", "error", err)
	}
	s.model = nil
	s.info = ModelInfo{}
	metrics.RecordModelUnload()
	s.log.Info("Model unloaded", "path", s.params.Path)
	s.log = s.baseLog
}

// ModelInfo reports the loaded model, or false when none is loaded.
func (s *Session) ModelInfo() (ModelInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return ModelInfo{}, false
	}
	return s.info, true
}

func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model != nil
}

// StopGeneration asks the running generation, if any, to stop after its
// current evaluation step. It never blocks.
func (s *Session) StopGeneration() {
	s.stops.Add(1)
	s.cancel.Store(true)
	s.baseLog.Debug("Stop requested")
}

// Generate runs the decode loop and returns the generated text.
func (s *Session) Generate(ctx context.Context, prompt string, cfg SamplingConfig, maxTokens int) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sb  strings.Builder
		dec pieceDecoder
	)
	res, _, err := s.run(ctx, "generate", prompt, cfg, maxTokens, func(tok Token) bool {
		sb.WriteString(dec.push(s.model.TokenToPiece(tok.ID)))
		return true
	})
	sb.WriteString(dec.flush())
	res.Text = sb.String()
	return res, err
}

// GenerateFunc is Generate with fn called for every token as soon as it is
// sampled. Returning false stops generation after that token. If the last
// token leaves a character unfinished, fn is called once more with that
// token and the replacement text for the dangling bytes.
func (s *Session) GenerateFunc(ctx context.Context, prompt string, cfg SamplingConfig, maxTokens int, fn func(Token) bool) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sb   strings.Builder
		dec  pieceDecoder
		last Token
		keep = true
	)
	res, _, err := s.run(ctx, "callback", prompt, cfg, maxTokens, func(tok Token) bool {
		tok.Piece = dec.push(s.model.TokenToPiece(tok.ID))
		sb.WriteString(tok.Piece)
		last = tok
		keep = fn(tok)
		return keep
	})
	if rest := dec.flush(); rest != "" {
		sb.WriteString(rest)
		if keep {
			last.Piece = rest
			fn(last)
		}
	}
	res.Text = sb.String()
	return res, err
}

// StreamStart ends any previous stream and materialises a new one. Its
// tokens are read back with StreamNext.
func (s *Session) StreamStart(ctx context.Context, prompt string, cfg SamplingConfig, maxTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endStreamLocked()
	s.setStateLocked(StreamPopulating)

	res, sampler, err := s.run(ctx, "stream", prompt, cfg, maxTokens, func(tok Token) bool {
		s.stream = append(s.stream, tok.ID)
		return true
	})
	if err != nil {
		s.endStreamLocked()
		return err
	}

	s.sampler = sampler
	s.streamRes = res
	s.streamStops = s.stops.Load()
	s.cursor = 0
	s.setStateLocked(StreamReady)
	return nil
}

// StreamNext returns the next buffered token's text, or false at the end
// of the stream or after a stop request.
func (s *Session) StreamNext() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.nextLocked()
	if !ok {
		return "", false
	}
	return tok.Piece, true
}

// StreamTokens drains every remaining buffered token.
func (s *Session) StreamTokens() []Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Token
	for {
		tok, ok := s.nextLocked()
		if !ok {
			return out
		}
		out = append(out, tok)
	}
}

func (s *Session) nextLocked() (Token, bool) {
	if s.state != StreamReady && s.state != StreamDraining {
		return Token{}, false
	}
	if s.stops.Load() != s.streamStops || s.cursor >= len(s.stream) {
		return Token{}, false
	}
	id := s.stream[s.cursor]
	tok := Token{Index: s.cursor, ID: id, Piece: s.streamDec.push(s.model.TokenToPiece(id))}
	s.cursor++
	if s.cursor == len(s.stream) {
		tok.Piece += s.streamDec.flush()
	}
	s.setStateLocked(StreamDraining)
	return tok, true
}

// StreamEnd discards the stream buffer. It is valid in every state.
func (s *Session) StreamEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endStreamLocked()
}

func (s *Session) endStreamLocked() {
	s.stream = s.stream[:0]
	s.cursor = 0
	s.streamDec.reset()
	s.sampler = nil
	s.streamRes = Result{}
	s.setStateLocked(StreamIdle)
}

func (s *Session) StreamState() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamResult describes how the current stream's population ended.
func (s *Session) StreamResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamRes
}

func (s *Session) setStateLocked(st StreamState) {
	s.state = st
	metrics.RecordStreamState(int(st), len(s.stream)-s.cursor)
}

// run is the decode loop shared by every generation mode. emit receives
// each accepted token id, without its text; returning false stops the loop.
func (s *Session) run(ctx context.Context, mode, prompt string, cfg SamplingConfig, maxTokens int, emit func(Token) bool) (Result, *Sampler, error) {
	start := time.Now()
	res := Result{StopReason: StopMaxTokens}

	if s.model == nil {
		return res, nil, ErrNotLoaded
	}
	if err := cfg.Validate(); err != nil {
		return res, nil, err
	}
	s.cancel.Store(false)

	tokens, err := s.model.Tokenize(prompt, true, false)
	if err != nil {
		metrics.RecordTokenizeError()
		return res, nil, &TokenizeError{Err: err}
	}
	if len(tokens) == 0 {
		metrics.RecordTokenizeError()
		return res, nil, &TokenizeError{Err: errors.New("prompt produced no tokens")}
	}
	if n := s.ectx.Size(); len(tokens) > n {
		metrics.RecordTokenizeError()
		return res, nil, &TokenizeError{Err: fmt.Errorf("prompt is %d tokens, context holds %d", len(tokens), n)}
	}
	res.PromptTokens = len(tokens)

	s.ectx.Clear()
	if cancelled, err := s.evalPrompt(ctx, tokens); err != nil {
		metrics.RecordEvaluationError("prompt")
		return res, nil, err
	} else if cancelled {
		res.StopReason = StopCancelled
		metrics.RecordCancellation()
		res.Duration = time.Since(start)
		metrics.RecordGeneration(mode, string(res.StopReason), 0, res.Duration)
		return res, nil, nil
	}

	sampler := NewSampler(cfg)
	pos := len(tokens)
	s.log.Debug("Prompt evaluated", "mode", mode, "tokens", len(tokens), "duration", time.Since(start))

	for res.TokenCount < maxTokens {
		if s.cancel.Load() || ctx.Err() != nil {
			res.StopReason = StopCancelled
			metrics.RecordCancellation()
			break
		}

		s.logits = append(s.logits[:0], s.ectx.Logits()...)
		id := sampler.Sample(s.logits)
		sampler.Accept(id)
		if s.model.IsEOG(id) {
			res.StopReason = StopEOS
			break
		}

		keep := emit(Token{Index: res.TokenCount, ID: id})
		res.TokenCount++
		if !keep {
			res.StopReason = StopCancelled
			break
		}
		if res.TokenCount >= maxTokens {
			break
		}
		if pos >= s.ectx.Size() {
			res.StopReason = StopContextFull
			break
		}

		s.batch.Clear()
		err := s.batch.Add(id, pos, true)
		if err == nil {
			err = s.ectx.Decode(s.batch)
		}
		if err != nil {
			metrics.RecordEvaluationError("decode")
			s.log.Warn("Decode failed, returning partial result",
				"mode", mode,
				"error", &EvaluationError{Pos: pos, Err: err},
				"tokens", res.TokenCount)
			res.StopReason = StopEvalError
			break
		}
		pos++
	}

	res.Duration = time.Since(start)
	metrics.RecordGeneration(mode, string(res.StopReason), res.TokenCount, res.Duration)
	s.log.Debug("Generation finished",
		"mode", mode,
		"tokens", res.TokenCount,
		"stop", res.StopReason,
		"duration", res.Duration)
	return res, sampler, nil
}

// evalPrompt feeds tokens in batch-sized chunks, requesting logits for the
// final position only.
func (s *Session) evalPrompt(ctx context.Context, tokens []int32) (bool, error) {
	start := time.Now()
	step := s.params.BatchSize
	for lo := 0; lo < len(tokens); lo += step {
		if lo > 0 && (s.cancel.Load() || ctx.Err() != nil) {
			return true, nil
		}
		hi := lo + step
		if hi > len(tokens) {
			hi = len(tokens)
		}
		s.batch.Clear()
		for i := lo; i < hi; i++ {
			if err := s.batch.Add(tokens[i], i, i == len(tokens)-1); err != nil {
				return false, &EvaluationError{Pos: i, Err: err}
			}
		}
		if err := s.ectx.Decode(s.batch); err != nil {
			return false, &EvaluationError{Pos: lo, Err: err}
		}
	}
	metrics.RecordPromptEval(len(tokens), time.Since(start))
	return false, nil
}
