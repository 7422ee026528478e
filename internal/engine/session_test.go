package engine

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-sessiond/internal/logger"
)

func greedy() SamplingConfig {
	return SamplingConfig{Temperature: 0, TopP: 1, TopK: 0, RepeatPenalty: 1.0}
}

func loadParams(path string) LoadParams {
	return LoadParams{Path: path, Threads: 1, ContextSize: 2048, BatchSize: 512}
}

func newLoadedSession(t *testing.T, m *fakeModel, mutate ...func(*LoadParams)) *Session {
	t.Helper()
	s := NewSession(newFakeRuntime(map[string]*fakeModel{"model.gguf": m}), WithLogger(logger.Nop()))
	p := loadParams("model.gguf")
	for _, f := range mutate {
		f(&p)
	}
	if err := s.LoadModel(context.Background(), p); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	return s
}

func drain(s *Session) []string {
	var out []string
	for {
		piece, ok := s.StreamNext()
		if !ok {
			return out
		}
		out = append(out, piece)
	}
}

func TestGenerateGreedyScenario(t *testing.T) {
	s := newLoadedSession(t, newFakeModel())

	info, ok := s.ModelInfo()
	if !ok || info.ContextSize != 2048 || info.LayerCount != 2 || info.ParamCount != 1234 {
		t.Fatalf("ModelInfo = %+v, %v", info, ok)
	}

	var fragments []string
	res, err := s.GenerateFunc(context.Background(), "Hello", greedy(), 5, func(tok Token) bool {
		fragments = append(fragments, tok.Piece)
		return true
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.TokenCount != len(fragments) || res.TokenCount > 5 {
		t.Errorf("TokenCount = %d, fragments = %d", res.TokenCount, len(fragments))
	}
	if res.Text != " Hello world! Hello world" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.PromptTokens != 6 {
		t.Errorf("PromptTokens = %d, want 6 (BOS + 5 bytes)", res.PromptTokens)
	}
	if res.StopReason != StopMaxTokens {
		t.Errorf("StopReason = %s", res.StopReason)
	}

	again, err := s.Generate(context.Background(), "Hello", greedy(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if again.Text != res.Text {
		t.Errorf("greedy generation not deterministic: %q vs %q", again.Text, res.Text)
	}
}

func TestGenerateStopsAtEndOfSequence(t *testing.T) {
	m := newFakeModel()
	m.script = func(step int) int32 {
		if step == 2 {
			return fakeEOS
		}
		return 2
	}
	s := newLoadedSession(t, m)

	res, err := s.Generate(context.Background(), "Hi", greedy(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.TokenCount != 2 || res.Text != " Hello Hello" || res.StopReason != StopEOS {
		t.Errorf("got %+v", res)
	}
}

func TestGenerateImmediateEndOfSequence(t *testing.T) {
	m := newFakeModel()
	m.script = func(int) int32 { return fakeEOS }
	s := newLoadedSession(t, m)

	res, err := s.Generate(context.Background(), "Hi", greedy(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.TokenCount != 0 || res.Text != "" {
		t.Errorf("got %+v", res)
	}
}

func TestGenerateTokenCountBound(t *testing.T) {
	s := newLoadedSession(t, newFakeModel())
	for _, max := range []int{-1, 0, 1, 2, 7, 32} {
		res, err := s.Generate(context.Background(), "prompt", DefaultSamplingConfig(), max)
		if err != nil {
			t.Fatalf("maxTokens=%d: %v", max, err)
		}
		if max <= 0 {
			if res.TokenCount != 0 || res.Text != "" {
				t.Errorf("maxTokens=%d should yield empty result, got %+v", max, res)
			}
			continue
		}
		if res.TokenCount > max {
			t.Errorf("maxTokens=%d produced %d tokens", max, res.TokenCount)
		}
	}
}

func TestGenerateNotLoaded(t *testing.T) {
	s := NewSession(newFakeRuntime(nil), WithLogger(logger.Nop()))
	if _, err := s.Generate(context.Background(), "x", greedy(), 5); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("expected ErrNotLoaded, got %v", err)
	}
	if err := s.StreamStart(context.Background(), "x", greedy(), 5); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("StreamStart: expected ErrNotLoaded, got %v", err)
	}
	if _, ok := s.ModelInfo(); ok {
		t.Error("ModelInfo should be absent")
	}
}

func TestUnloadThenGenerate(t *testing.T) {
	m := newFakeModel()
	s := newLoadedSession(t, m)
	ctx := m.ctx

	s.UnloadModel()
	if !m.closed || !ctx.closed {
		t.Error("model and context should be closed")
	}
	if _, err := s.Generate(context.Background(), "x", greedy(), 5); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("expected ErrNotLoaded, got %v", err)
	}
	if s.Loaded() {
		t.Error("Loaded after unload")
	}

	// unloading twice is a no-op
	s.UnloadModel()
}

func TestUnloadReleasesInReverseOrder(t *testing.T) {
	m := newFakeModel()
	rt := newFakeRuntime(map[string]*fakeModel{"a": m})
	s := NewSession(rt, WithLogger(logger.Nop()))
	if err := s.LoadModel(context.Background(), loadParams("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.StreamStart(context.Background(), "x", greedy(), 3); err != nil {
		t.Fatal(err)
	}
	s.UnloadModel()

	want := []string{"fake:context.close", "fake:model.close"}
	if diff := cmp.Diff(want, *rt.events); diff != "" {
		t.Errorf("release order (-want +got):\n%s", diff)
	}
	if s.StreamState() != StreamIdle {
		t.Errorf("stream state after unload = %s", s.StreamState())
	}
}

func TestLoadModelNonexistentPath(t *testing.T) {
	s := NewSession(newFakeRuntime(map[string]*fakeModel{}), WithLogger(logger.Nop()))
	err := s.LoadModel(context.Background(), loadParams("/no/such/model.gguf"))

	var le *ModelLoadError
	if !errors.As(err, &le) || le.Path != "/no/such/model.gguf" {
		t.Fatalf("expected *ModelLoadError, got %v", err)
	}
	if !errors.Is(err, ErrModelLoad) || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error chain: %v", err)
	}
	if _, ok := s.ModelInfo(); ok {
		t.Error("ModelInfo should be absent after failed load")
	}
}

func TestLoadModelInvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LoadParams)
	}{
		{"empty path", func(p *LoadParams) { p.Path = "" }},
		{"zero context", func(p *LoadParams) { p.ContextSize = 0 }},
		{"negative batch", func(p *LoadParams) { p.BatchSize = -1 }},
		{"negative threads", func(p *LoadParams) { p.Threads = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime(map[string]*fakeModel{"m": newFakeModel()})
			s := NewSession(rt, WithLogger(logger.Nop()))
			p := loadParams("m")
			tt.mutate(&p)
			err := s.LoadModel(context.Background(), p)
			if !errors.Is(err, ErrModelLoad) || !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("got %v", err)
			}
			if len(rt.loads) != 0 {
				t.Error("runtime should not be called")
			}
		})
	}
}

func TestLoadModelReplacesPrevious(t *testing.T) {
	first, second := newFakeModel(), newFakeModel()
	first.name, second.name = "first", "second"
	s := NewSession(newFakeRuntime(map[string]*fakeModel{"a": first, "b": second}), WithLogger(logger.Nop()))

	if err := s.LoadModel(context.Background(), loadParams("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadModel(context.Background(), loadParams("b")); err != nil {
		t.Fatal(err)
	}
	if !first.closed {
		t.Error("first model should be released by reload")
	}
	info, _ := s.ModelInfo()
	if info.Name != "second" {
		t.Errorf("active model = %s", info.Name)
	}

	// a failed load leaves nothing installed, including the old model
	if err := s.LoadModel(context.Background(), loadParams("missing")); err == nil {
		t.Fatal("expected error")
	}
	if !second.closed || s.Loaded() {
		t.Error("failed reload should leave no model")
	}
}

func TestLoadContextFailureReleasesModel(t *testing.T) {
	m := newFakeModel()
	m.ctxErr = errors.New("out of memory")
	s := NewSession(newFakeRuntime(map[string]*fakeModel{"m": m}), WithLogger(logger.Nop()))

	err := s.LoadModel(context.Background(), loadParams("m"))
	if !errors.Is(err, ErrModelLoad) || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("got %v", err)
	}
	if !m.closed || s.Loaded() {
		t.Error("model should be closed and not installed")
	}
}

func TestGenerateTokenizeErrors(t *testing.T) {
	m := newFakeModel()
	s := newLoadedSession(t, m, func(p *LoadParams) { p.ContextSize = 8 })

	_, err := s.Generate(context.Background(), strings.Repeat("x", 20), greedy(), 5)
	var te *TokenizeError
	if !errors.As(err, &te) || !errors.Is(err, ErrTokenize) {
		t.Errorf("oversized prompt: got %v", err)
	}

	m.tokenizeErr = errors.New("invalid utf-8")
	if _, err := s.Generate(context.Background(), "x", greedy(), 5); !errors.Is(err, ErrTokenize) {
		t.Errorf("tokenizer failure: got %v", err)
	}
	if err := s.StreamStart(context.Background(), "x", greedy(), 5); !errors.Is(err, ErrTokenize) {
		t.Errorf("StreamStart: got %v", err)
	}
	if s.StreamState() != StreamIdle {
		t.Errorf("failed StreamStart should leave Idle, got %s", s.StreamState())
	}
}

func TestGenerateInvalidSampling(t *testing.T) {
	s := newLoadedSession(t, newFakeModel())
	for _, cfg := range []SamplingConfig{
		{Temperature: -1},
		{TopP: 1.5},
		{TopK: -3},
		{RepeatPenalty: -0.1},
	} {
		if _, err := s.Generate(context.Background(), "x", cfg, 5); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%+v: got %v", cfg, err)
		}
	}
}

func TestPromptEvaluationError(t *testing.T) {
	m := newFakeModel()
	m.decodeHook = func(step int) error {
		if step == 0 {
			return errors.New("kernel failure")
		}
		return nil
	}
	s := newLoadedSession(t, m)

	_, err := s.Generate(context.Background(), "Hello", greedy(), 5)
	var ee *EvaluationError
	if !errors.As(err, &ee) || !errors.Is(err, ErrEvaluation) {
		t.Fatalf("got %v", err)
	}
	if ee.Pos != 0 {
		t.Errorf("Pos = %d", ee.Pos)
	}
}

func TestDecodeErrorReturnsPartialResult(t *testing.T) {
	m := newFakeModel()
	m.decodeHook = func(step int) error {
		if step == 3 {
			return errors.New("context overflow")
		}
		return nil
	}
	s := newLoadedSession(t, m)

	res, err := s.Generate(context.Background(), "Hello", greedy(), 10)
	if err != nil {
		t.Fatalf("decode failure after the prompt must not be an error: %v", err)
	}
	if res.TokenCount != 3 || res.Text != " Hello world!" || res.StopReason != StopEvalError {
		t.Errorf("got %+v", res)
	}
}

func TestPromptIsEvaluatedInBatches(t *testing.T) {
	m := newFakeModel()
	s := newLoadedSession(t, m, func(p *LoadParams) { p.BatchSize = 4 })

	if _, err := s.Generate(context.Background(), "abcdefghi", greedy(), 1); err != nil {
		t.Fatal(err)
	}
	// BOS + 9 bytes = 10 prompt tokens
	if diff := cmp.Diff([]int{4, 4, 2}, m.ctx.batchSizes); diff != "" {
		t.Errorf("batch sizes (-want +got):\n%s", diff)
	}
	want := [][]bool{
		{false, false, false, false},
		{false, false, false, false},
		{false, true},
	}
	if diff := cmp.Diff(want, m.ctx.logitsFlags); diff != "" {
		t.Errorf("logits flags (-want +got):\n%s", diff)
	}
}

func TestContextFull(t *testing.T) {
	s := newLoadedSession(t, newFakeModel(), func(p *LoadParams) { p.ContextSize = 5 })

	res, err := s.Generate(context.Background(), "ab", greedy(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.TokenCount != 3 || res.StopReason != StopContextFull {
		t.Errorf("got %+v", res)
	}
}

func TestEachGenerationStartsFromClearedContext(t *testing.T) {
	m := newFakeModel()
	s := newLoadedSession(t, m)
	for i := 0; i < 3; i++ {
		if _, err := s.Generate(context.Background(), "Hello", greedy(), 4); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}

func TestStopBeforeGenerateDoesNotCarryOver(t *testing.T) {
	s := newLoadedSession(t, newFakeModel())

	s.StopGeneration()
	res, err := s.Generate(context.Background(), "Hello", greedy(), 4)
	if err != nil {
		t.Fatal(err)
	}
	if res.TokenCount != 4 || res.StopReason != StopMaxTokens {
		t.Errorf("stale stop leaked into next generation: %+v", res)
	}
}

func TestStopDuringGenerate(t *testing.T) {
	m := newFakeModel()
	reached := make(chan struct{})
	resume := make(chan struct{})
	m.decodeHook = func(step int) error {
		if step == 2 {
			close(reached)
			<-resume
		}
		return nil
	}
	s := newLoadedSession(t, m)

	done := make(chan Result)
	go func() {
		res, err := s.Generate(context.Background(), "Hello", greedy(), 100)
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	<-reached
	stopped := make(chan struct{})
	go func() {
		s.StopGeneration()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("StopGeneration blocked while a generation was running")
	}
	close(resume)

	res := <-done
	if res.StopReason != StopCancelled || res.TokenCount != 2 {
		t.Errorf("got %+v", res)
	}
}

func TestContextCancellationStopsGeneration(t *testing.T) {
	m := newFakeModel()
	ctx, cancel := context.WithCancel(context.Background())
	m.decodeHook = func(step int) error {
		if step == 3 {
			cancel()
		}
		return nil
	}
	s := newLoadedSession(t, m)

	res, err := s.Generate(ctx, "Hello", greedy(), 100)
	if err != nil {
		t.Fatalf("cancellation is not an error: %v", err)
	}
	if res.StopReason != StopCancelled || res.TokenCount != 3 {
		t.Errorf("got %+v", res)
	}
}

func TestGenerateFuncStopsWhenCallbackDeclines(t *testing.T) {
	s := newLoadedSession(t, newFakeModel())

	var got []Token
	res, err := s.GenerateFunc(context.Background(), "Hello", greedy(), 10, func(tok Token) bool {
		got = append(got, tok)
		return len(got) < 2
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []Token{{Index: 0, ID: 2, Piece: " Hello"}, {Index: 1, ID: 3, Piece: " world"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
	if res.TokenCount != 2 || res.StopReason != StopCancelled {
		t.Errorf("got %+v", res)
	}
}

func TestStreamMatchesGenerate(t *testing.T) {
	for _, max := range []int{0, 1, 5, 17} {
		s := newLoadedSession(t, newFakeModel())
		res, err := s.Generate(context.Background(), "Hello", greedy(), max)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.StreamStart(context.Background(), "Hello", greedy(), max); err != nil {
			t.Fatal(err)
		}
		pieces := drain(s)
		if got := strings.Join(pieces, ""); got != res.Text || len(pieces) != res.TokenCount {
			t.Errorf("maxTokens=%d: stream %q (%d) vs generate %q (%d)", max, got, len(pieces), res.Text, res.TokenCount)
		}
		s.StreamEnd()
	}
}

// byteModel emits byte-fallback pieces: a euro sign split over three
// tokens, a byte that is never valid, a letter, then a dangling lead byte.
func byteModel() *fakeModel {
	m := newFakeModel()
	m.pieces = []string{"", "", "\xe2", "\x82", "\xac", "\xfd", "l"}
	order := []int32{2, 3, 4, 5, 6, 2}
	m.script = func(step int) int32 { return order[step%len(order)] }
	return m
}

func TestBytePiecesAssembleIntoValidText(t *testing.T) {
	s := newLoadedSession(t, byteModel())
	ctx := context.Background()
	const want = "€\ufffdl\ufffd"

	res, err := s.Generate(ctx, "Hi", greedy(), 6)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != want || res.TokenCount != 6 {
		t.Errorf("Generate = %q (%d tokens), want %q", res.Text, res.TokenCount, want)
	}

	var got []Token
	fres, err := s.GenerateFunc(ctx, "Hi", greedy(), 6, func(tok Token) bool {
		got = append(got, tok)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	wantToks := []Token{
		{Index: 0, ID: 2, Piece: ""},
		{Index: 1, ID: 3, Piece: ""},
		{Index: 2, ID: 4, Piece: "€"},
		{Index: 3, ID: 5, Piece: "\ufffd"},
		{Index: 4, ID: 6, Piece: "l"},
		{Index: 5, ID: 2, Piece: ""},
		{Index: 5, ID: 2, Piece: "\ufffd"},
	}
	if diff := cmp.Diff(wantToks, got); diff != "" {
		t.Errorf("callback tokens (-want +got):\n%s", diff)
	}
	if fres.Text != want {
		t.Errorf("GenerateFunc text = %q", fres.Text)
	}

	if err := s.StreamStart(ctx, "Hi", greedy(), 6); err != nil {
		t.Fatal(err)
	}
	pieces := drain(s)
	if len(pieces) != 6 || strings.Join(pieces, "") != want {
		t.Errorf("stream pieces %q", pieces)
	}
	for _, p := range pieces {
		if !utf8.ValidString(p) {
			t.Errorf("piece %q is not valid UTF-8", p)
		}
	}

	// a fresh stream must not inherit bytes held by an abandoned one
	if err := s.StreamStart(ctx, "Hi", greedy(), 6); err != nil {
		t.Fatal(err)
	}
	if p, ok := s.StreamNext(); !ok || p != "" {
		t.Fatalf("first piece = %q, %v", p, ok)
	}
	if err := s.StreamStart(ctx, "Hi", greedy(), 1); err != nil {
		t.Fatal(err)
	}
	if p, ok := s.StreamNext(); !ok || p != "\ufffd" {
		t.Errorf("first piece of one-token stream = %q, %v", p, ok)
	}
}

func TestBatchOverflowIsEvaluationError(t *testing.T) {
	s := newLoadedSession(t, newFakeModel(), func(p *LoadParams) { p.BatchSize = 4 })
	s.batch = NewBatch(2)

	_, err := s.Generate(context.Background(), "abcdef", greedy(), 3)
	var ee *EvaluationError
	if !errors.As(err, &ee) || !errors.Is(err, ErrEvaluation) {
		t.Fatalf("got %v", err)
	}
	if ee.Pos != 2 {
		t.Errorf("Pos = %d, want 2", ee.Pos)
	}
}

func TestStreamStateMachine(t *testing.T) {
	m := newFakeModel()
	var during StreamState
	s := newLoadedSession(t, m)
	m.decodeHook = func(int) error {
		// the lock is held; read the field directly
		during = s.state
		return nil
	}

	if st := s.StreamState(); st != StreamIdle {
		t.Fatalf("initial state %s", st)
	}
	if _, ok := s.StreamNext(); ok {
		t.Error("StreamNext in Idle should report end of stream")
	}

	if err := s.StreamStart(context.Background(), "Hello", greedy(), 3); err != nil {
		t.Fatal(err)
	}
	if during != StreamPopulating {
		t.Errorf("state during population = %s", during)
	}
	if st := s.StreamState(); st != StreamReady {
		t.Errorf("after start = %s", st)
	}

	piece, ok := s.StreamNext()
	if !ok || piece != " Hello" {
		t.Errorf("first piece %q, %v", piece, ok)
	}
	if st := s.StreamState(); st != StreamDraining {
		t.Errorf("after next = %s", st)
	}

	rest := drain(s)
	if diff := cmp.Diff([]string{" world", "!"}, rest); diff != "" {
		t.Errorf("rest (-want +got):\n%s", diff)
	}
	// end of stream does not return to Idle by itself
	if st := s.StreamState(); st != StreamDraining {
		t.Errorf("after exhaustion = %s", st)
	}

	s.StreamEnd()
	if st := s.StreamState(); st != StreamIdle {
		t.Errorf("after end = %s", st)
	}
}

func TestStreamEndResetsForFreshStart(t *testing.T) {
	s := newLoadedSession(t, newFakeModel())

	if err := s.StreamStart(context.Background(), "Hello", greedy(), 5); err != nil {
		t.Fatal(err)
	}
	s.StreamNext()
	s.StreamNext()
	s.StreamEnd()

	if _, ok := s.StreamNext(); ok {
		t.Error("ended stream should be empty")
	}

	if err := s.StreamStart(context.Background(), "Hello", greedy(), 2); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{" Hello", " world"}, drain(s)); diff != "" {
		t.Errorf("fresh stream (-want +got):\n%s", diff)
	}

	// StreamStart over an unfinished stream implicitly ends it
	if err := s.StreamStart(context.Background(), "Hello", greedy(), 1); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{" Hello"}, drain(s)); diff != "" {
		t.Errorf("restarted stream (-want +got):\n%s", diff)
	}

	// StreamEnd is valid in every state
	s.StreamEnd()
	s.StreamEnd()
}

func TestStopMidPopulation(t *testing.T) {
	m := newFakeModel()
	reached := make(chan struct{})
	resume := make(chan struct{})
	m.decodeHook = func(step int) error {
		if step == 3 {
			close(reached)
			<-resume
		}
		return nil
	}
	s := newLoadedSession(t, m)

	errc := make(chan error)
	go func() {
		errc <- s.StreamStart(context.Background(), "Hello", greedy(), 100)
	}()

	<-reached
	s.StopGeneration()
	close(resume)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	if r := s.StreamResult(); r.StopReason != StopCancelled || r.TokenCount != 3 {
		t.Errorf("stream result %+v", r)
	}
	if diff := cmp.Diff([]string{" Hello", " world", "!"}, drain(s)); diff != "" {
		t.Errorf("tokens after stop (-want +got):\n%s", diff)
	}
}

func TestStopWhileDrainingEndsStream(t *testing.T) {
	s := newLoadedSession(t, newFakeModel())

	if err := s.StreamStart(context.Background(), "Hello", greedy(), 5); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.StreamNext(); !ok {
		t.Fatal("expected a token")
	}
	s.StopGeneration()
	if piece, ok := s.StreamNext(); ok {
		t.Errorf("StreamNext after stop returned %q", piece)
	}
	if toks := s.StreamTokens(); len(toks) != 0 {
		t.Errorf("StreamTokens after stop returned %v", toks)
	}

	// the next stream starts with a clear flag
	if err := s.StreamStart(context.Background(), "Hello", greedy(), 2); err != nil {
		t.Fatal(err)
	}
	if got := len(drain(s)); got != 2 {
		t.Errorf("drained %d tokens", got)
	}
}

func TestStreamTokens(t *testing.T) {
	s := newLoadedSession(t, newFakeModel())
	if err := s.StreamStart(context.Background(), "Hello", greedy(), 4); err != nil {
		t.Fatal(err)
	}
	s.StreamNext()

	want := []Token{
		{Index: 1, ID: 3, Piece: " world"},
		{Index: 2, ID: 4, Piece: "!"},
		{Index: 3, ID: 2, Piece: " Hello"},
	}
	if diff := cmp.Diff(want, s.StreamTokens()); diff != "" {
		t.Errorf("StreamTokens (-want +got):\n%s", diff)
	}
	if _, ok := s.StreamNext(); ok {
		t.Error("buffer should be drained")
	}
}

func TestStreamSurvivesGenerate(t *testing.T) {
	s := newLoadedSession(t, newFakeModel())
	if err := s.StreamStart(context.Background(), "Hello", greedy(), 3); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Generate(context.Background(), "other", greedy(), 2); err != nil {
		t.Fatal(err)
	}
	if got := len(drain(s)); got != 3 {
		t.Errorf("stream lost tokens: %d", got)
	}
}
