package flightsvc

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-sessiond/internal/api"
	"github.com/23skdu/longbow-sessiond/internal/config"
	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/llama"
	"github.com/23skdu/longbow-sessiond/internal/logger"
	"github.com/23skdu/longbow-sessiond/internal/monitoring"
)

func ptr[T any](v T) *T { return &v }

func greedy(prompt string) api.GenerateRequest {
	return api.GenerateRequest{
		Prompt:        prompt,
		Temperature:   ptr[float32](0),
		TopK:          ptr(0),
		TopP:          ptr[float32](1),
		RepeatPenalty: ptr[float32](1),
		MaxTokens:     ptr(6),
	}
}

type harness struct {
	client    *Client
	sess      *engine.Session
	modelPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	if err := llama.WriteFixtureFile(path, llama.DefaultFixture()); err != nil {
		t.Fatal(err)
	}

	defaults := config.Default()
	cfg := Config{Model: defaults.Model, Sampling: defaults.Sampling}
	cfg.Model.ContextSize = 128
	cfg.Model.BatchSize = 16
	cfg.Model.Threads = 2

	sess := engine.NewSession(llama.NewRuntime(logger.Nop()), engine.WithLogger(logger.Nop()))
	health := monitoring.NewHealthMonitor("test", logger.Nop())
	srv, err := Listen("127.0.0.1:0", NewService(sess, health, cfg, logger.Nop()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	client, err := Dial(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("flight server did not stop")
		}
		_ = sess.Close()
	})
	return &harness{client: client, sess: sess, modelPath: path}
}

func (h *harness) load(t *testing.T) {
	t.Helper()
	resp, err := h.client.LoadModel(context.Background(), api.LoadRequest{Path: h.modelPath})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !resp.Loaded || resp.Info.Name != "tiny-random-llama" {
		t.Fatalf("load response %+v", resp)
	}
}

func TestListActions(t *testing.T) {
	h := newHarness(t)
	got, err := h.client.ListActions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var want []string
	for _, at := range actionTypes {
		want = append(want, at.Type)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
}

func TestModelLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.client.ModelInfo(ctx); !errors.Is(err, engine.ErrNotLoaded) {
		t.Fatalf("info before load: %v", err)
	}
	if _, err := h.client.Generate(ctx, greedy("Hello")); !errors.Is(err, engine.ErrNotLoaded) {
		t.Fatalf("generate before load: %v", err)
	}

	h.load(t)
	info, err := h.client.ModelInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.ContextSize != 128 || info.VocabSize == 0 {
		t.Errorf("info %+v", info)
	}

	st, err := h.client.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Engine.ModelLoaded || st.Status != monitoring.StatusHealthy {
		t.Errorf("health %+v", st)
	}

	if err := h.client.UnloadModel(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.client.ModelInfo(ctx); !errors.Is(err, engine.ErrNotLoaded) {
		t.Errorf("info after unload: %v", err)
	}
	// unloading twice is fine
	if err := h.client.UnloadModel(ctx); err != nil {
		t.Errorf("second unload: %v", err)
	}
}

func TestRemoteErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.LoadModel(ctx, api.LoadRequest{Path: filepath.Join(t.TempDir(), "missing.gguf")})
	if !errors.Is(err, engine.ErrModelLoad) {
		t.Errorf("missing model: %v", err)
	}

	h.load(t)
	bad := greedy("Hello")
	bad.TopP = ptr[float32](2)
	if _, err := h.client.Generate(ctx, bad); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("bad top_p: %v", err)
	}

	err = h.client.action(ctx, "no_such_action", nil, nil)
	if !errors.Is(err, engine.ErrInvalidArgument) || !strings.Contains(err.Error(), "no_such_action") {
		t.Errorf("unknown action: %v", err)
	}
}

func TestGenerateMatchesStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.load(t)

	gen, err := h.client.Generate(ctx, greedy("Hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if gen.StopReason == "" || gen.PromptTokens == 0 {
		t.Fatalf("generate %+v", gen)
	}

	if err := h.client.StreamStart(ctx, greedy("Hello world")); err != nil {
		t.Fatal(err)
	}
	if st, _ := h.client.StreamState(ctx); st != "ready" {
		t.Errorf("state after start = %s", st)
	}

	var sb strings.Builder
	drained := 0
	if gen.TokensGenerated > 0 {
		first, ok, err := h.client.StreamNext(ctx)
		if err != nil || !ok {
			t.Fatalf("first next: %q %v %v", first, ok, err)
		}
		sb.WriteString(first)
		drained = 1
	}

	// the rest comes back as one record
	rest, err := h.client.StreamTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if drained+len(rest) != gen.TokensGenerated {
		t.Errorf("got %d remaining tokens, want %d", len(rest), gen.TokensGenerated-drained)
	}
	for i, tok := range rest {
		if tok.Index != drained+i {
			t.Errorf("token %d has index %d", i, tok.Index)
		}
		sb.WriteString(tok.Piece)
	}
	if sb.String() != gen.Text {
		t.Errorf("stream %q != generate %q", sb.String(), gen.Text)
	}

	if _, ok, _ := h.client.StreamNext(ctx); ok {
		t.Error("next after drain should be done")
	}
	if err := h.client.StreamEnd(ctx); err != nil {
		t.Fatal(err)
	}
	if st, _ := h.client.StreamState(ctx); st != "idle" {
		t.Errorf("state after end = %s", st)
	}
	if toks, err := h.client.StreamTokens(ctx); err != nil || len(toks) != 0 {
		t.Errorf("tokens after end: %v %v", toks, err)
	}
}

func TestStopEndsStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.load(t)

	if err := h.client.StreamStart(ctx, greedy("Hello world")); err != nil {
		t.Fatal(err)
	}
	if err := h.client.StopGeneration(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := h.client.StreamNext(ctx); err != nil || ok {
		t.Errorf("next after stop: ok=%v err=%v", ok, err)
	}
	if !h.sess.Loaded() {
		t.Error("stop should not unload the model")
	}
}
