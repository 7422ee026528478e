package engine

import (
	"errors"
	"testing"
)

func TestSampler_Greedy(t *testing.T) {
	s := NewSampler(SamplingConfig{Temperature: 0})

	logits := []float32{1.0, 5.0, 2.0, 0.5}
	if val := s.Sample(logits); val != 1 {
		t.Errorf("Greedy failed. Expected 1 (logit 5.0), got %d", val)
	}
}

func TestSampler_GreedyTieBreaksLow(t *testing.T) {
	s := NewSampler(SamplingConfig{Temperature: 0})
	if val := s.Sample([]float32{0, 3, 3, 1}); val != 1 {
		t.Errorf("expected lowest index among ties, got %d", val)
	}
}

func TestSampler_TopK(t *testing.T) {
	// K=1 behaves like greedy even with temperature
	s := NewSampler(SamplingConfig{Temperature: 1.0, TopK: 1, Seed: 7})

	for i := 0; i < 20; i++ {
		logits := []float32{2.0, 10.0, 5.0, 1.0}
		if val := s.Sample(logits); val != 1 {
			t.Fatalf("TopK=1 failed. Expected 1, got %d", val)
		}
	}
}

func TestSampler_TopK_Filtering(t *testing.T) {
	// K=2 keeps ids 1 (10.0) and 2 (9.0) only
	s := NewSampler(SamplingConfig{Temperature: 1.0, TopK: 2, TopP: 1, Seed: 1})

	seen := map[int32]int{}
	for i := 0; i < 200; i++ {
		logits := []float32{2.0, 10.0, 9.0, 1.0}
		val := s.Sample(logits)
		if val == 0 || val == 3 {
			t.Fatalf("TopK=2 failed. Got excluded token %d", val)
		}
		seen[val]++
	}
	if seen[1] == 0 || seen[2] == 0 {
		t.Errorf("both kept tokens should be drawn, got %v", seen)
	}
}

func TestSampler_TopP(t *testing.T) {
	// probabilities roughly 0.4, 0.3, 0.2, 0.1; p=0.5 keeps ids 0 and 1
	s := NewSampler(SamplingConfig{Temperature: 1.0, TopP: 0.5, Seed: 3})
	for i := 0; i < 200; i++ {
		logits := []float32{-0.91, -1.20, -1.61, -2.30}
		if val := s.Sample(logits); val == 2 || val == 3 {
			t.Fatalf("TopP=0.5 failed. Got excluded token %d", val)
		}
	}
}

func TestSampler_TopPZeroKeepsBest(t *testing.T) {
	s := NewSampler(SamplingConfig{Temperature: 2.0, TopP: 0, Seed: 5})
	for i := 0; i < 100; i++ {
		if val := s.Sample([]float32{1.0, 1.1, 0.9, 1.05}); val != 1 {
			t.Fatalf("TopP=0 should always pick the most likely token, got %d", val)
		}
	}

	if got := applyTopP(nil, 0); len(got) != 0 {
		t.Errorf("empty candidates: %v", got)
	}
	all := []tokenProb{{id: 0, prob: 0.6}, {id: 1, prob: 0.4}}
	if got := applyTopP(all, 1); len(got) != 2 {
		t.Errorf("TopP=1 should keep every candidate, got %v", got)
	}
}

func TestSampler_RepetitionPenalty(t *testing.T) {
	s := NewSampler(SamplingConfig{Temperature: 0, RepeatPenalty: 2.0})
	s.Accept(1)

	// 1.0 / 2.0 = 0.5 drops below 0.8
	if val := s.Sample([]float32{0.8, 1.0, 0.7}); val != 0 {
		t.Errorf("RepPenalty failed. Expected 0, got %d", val)
	}
}

func TestSampler_RepetitionPenaltyNegativeLogits(t *testing.T) {
	s := NewSampler(SamplingConfig{Temperature: 0, RepeatPenalty: 2.0})
	s.Accept(0)

	// -1.0 * 2.0 = -2.0 falls below -1.5
	logits := []float32{-1.0, -1.5}
	if val := s.Sample(logits); val != 1 {
		t.Errorf("expected 1, got %d (logits %v)", val, logits)
	}
}

func TestSampler_PenaltyWindow(t *testing.T) {
	s := NewSampler(SamplingConfig{Temperature: 0, RepeatPenalty: 2.0, PenaltyWindow: 2})
	s.Accept(1)
	s.Accept(5)
	s.Accept(6)

	// 1 has left the window so it is not penalised
	if val := s.Sample([]float32{0.8, 1.0, 0.7}); val != 1 {
		t.Errorf("expected 1, got %d", val)
	}
	for i := 0; i < 10; i++ {
		s.Accept(int32(i))
	}
	if h := s.History(); len(h) != 2 || h[0] != 8 || h[1] != 9 {
		t.Errorf("History = %v", h)
	}
}

func TestSampler_SeedDeterminism(t *testing.T) {
	cfg := SamplingConfig{Temperature: 1.0, Seed: 42}
	a, b := NewSampler(cfg), NewSampler(cfg)
	for i := 0; i < 50; i++ {
		la := []float32{1, 1.2, 0.8, 1.1, 0.9}
		lb := append([]float32(nil), la...)
		if x, y := a.Sample(la), b.Sample(lb); x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
	}
}

func TestSampler_NaNLogits(t *testing.T) {
	nan := float32(0)
	nan = nan / nan
	s := NewSampler(SamplingConfig{Temperature: 0.5, Seed: 1})
	for i := 0; i < 20; i++ {
		if val := s.Sample([]float32{nan, 1, nan}); val != 1 {
			t.Fatalf("expected the only finite logit, got %d", val)
		}
	}
}

func TestSamplingConfigValidate(t *testing.T) {
	if err := DefaultSamplingConfig().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
	tests := []struct {
		name string
		cfg  SamplingConfig
		ok   bool
	}{
		{"greedy", SamplingConfig{}, true},
		{"top_p one", SamplingConfig{TopP: 1}, true},
		{"negative temperature", SamplingConfig{Temperature: -0.1}, false},
		{"top_p above one", SamplingConfig{TopP: 1.01}, false},
		{"negative top_k", SamplingConfig{TopK: -1}, false},
		{"negative penalty", SamplingConfig{RepeatPenalty: -1}, false},
		{"negative window", SamplingConfig{PenaltyWindow: -4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestBatch(t *testing.T) {
	b := NewBatch(2)
	if err := b.Add(7, 0, false); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(8, 1, true); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(9, 2, true); err == nil {
		t.Error("expected full batch error")
	}
	if b.Len() != 2 || b.Pos[1] != 1 || !b.Logits[1] {
		t.Errorf("batch = %+v", b)
	}
	b.Clear()
	if b.Len() != 0 || b.Cap() != 2 {
		t.Errorf("after Clear len=%d cap=%d", b.Len(), b.Cap())
	}
}
