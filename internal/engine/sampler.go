package engine

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

const DefaultPenaltyWindow = 64

type SamplingConfig struct {
	Temperature   float32 `json:"temperature"`
	TopP          float32 `json:"top_p"` // 1 disables, 0 keeps only the top candidate
	TopK          int     `json:"top_k"`
	RepeatPenalty float32 `json:"repeat_penalty"` // 1.0 = no penalty
	PenaltyWindow int     `json:"penalty_window"`
	Seed          int64   `json:"seed"` // 0 picks a time-based seed
}

func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Temperature:   0.8,
		TopP:          0.95,
		TopK:          40,
		RepeatPenalty: 1.1,
		PenaltyWindow: DefaultPenaltyWindow,
	}
}

func (c SamplingConfig) Validate() error {
	if c.Temperature < 0 || isBad(c.Temperature) {
		return fmt.Errorf("%w: temperature %v (must be >= 0)", ErrInvalidArgument, c.Temperature)
	}
	if c.TopP < 0 || c.TopP > 1 || isBad(c.TopP) {
		return fmt.Errorf("%w: top_p %v (must be in [0, 1])", ErrInvalidArgument, c.TopP)
	}
	if c.TopK < 0 {
		return fmt.Errorf("%w: top_k %d (must be >= 0)", ErrInvalidArgument, c.TopK)
	}
	if c.RepeatPenalty < 0 || isBad(c.RepeatPenalty) {
		return fmt.Errorf("%w: repeat_penalty %v (must be >= 0)", ErrInvalidArgument, c.RepeatPenalty)
	}
	if c.PenaltyWindow < 0 {
		return fmt.Errorf("%w: penalty_window %d (must be >= 0)", ErrInvalidArgument, c.PenaltyWindow)
	}
	return nil
}

func isBad(f float32) bool {
	return math.IsNaN(float64(f)) || math.IsInf(float64(f), 0)
}

// Sampler picks the next token. One is created per generation and holds
// the trailing history used for the repeat penalty.
type Sampler struct {
	Config  SamplingConfig
	rng     *rand.Rand
	history []int32
	window  int

	candidates []tokenProb
}

func NewSampler(cfg SamplingConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	window := cfg.PenaltyWindow
	if window == 0 {
		window = DefaultPenaltyWindow
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		window: window,
	}
}

// Accept records id in the penalty history.
func (s *Sampler) Accept(id int32) {
	s.history = append(s.history, id)
	if len(s.history) > 2*s.window {
		s.history = append(s.history[:0], s.history[len(s.history)-s.window:]...)
	}
}

func (s *Sampler) History() []int32 {
	if len(s.history) > s.window {
		return s.history[len(s.history)-s.window:]
	}
	return s.history
}

// Sample picks a token from logits, which it modifies in place: repeat
// penalty, then temperature, top-k, top-p and a weighted draw. A
// temperature of 0 is greedy.
func (s *Sampler) Sample(logits []float32) int32 {
	if len(logits) == 0 {
		return 0
	}
	if s.Config.RepeatPenalty != 1 && s.Config.RepeatPenalty > 0 {
		s.applyRepetitionPenalty(logits)
	}

	if s.Config.Temperature == 0 {
		return int32(argMax(logits))
	}

	probs := s.softmaxCandidates(logits, float64(s.Config.Temperature))
	if len(probs) == 0 {
		return int32(argMax(logits))
	}
	sort.SliceStable(probs, func(i, j int) bool {
		return probs[i].prob > probs[j].prob
	})

	probs = applyTopK(probs, s.Config.TopK)
	probs = applyTopP(probs, float64(s.Config.TopP))

	return int32(s.sampleFromCandidates(probs))
}

func (s *Sampler) applyRepetitionPenalty(logits []float32) {
	seen := make(map[int32]struct{}, len(s.history))
	for _, id := range s.History() {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if id < 0 || int(id) >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= s.Config.RepeatPenalty
		} else {
			logits[id] *= s.Config.RepeatPenalty
		}
	}
}

func (s *Sampler) softmaxCandidates(logits []float32, temperature float64) []tokenProb {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if !isBad(v) && float64(v) > maxVal {
			maxVal = float64(v)
		}
	}
	if math.IsInf(maxVal, -1) {
		return nil
	}

	s.candidates = s.candidates[:0]
	sum := 0.0
	for i, v := range logits {
		if isBad(v) {
			continue
		}
		p := math.Exp((float64(v) - maxVal) / temperature)
		if p > 0 {
			s.candidates = append(s.candidates, tokenProb{id: i, prob: p})
			sum += p
		}
	}
	for i := range s.candidates {
		s.candidates[i].prob /= sum
	}
	return s.candidates
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

type tokenProb struct {
	id   int
	prob float64
}

// argMax skips NaN and returns the lowest index among equal maxima.
func argMax(logits []float32) int {
	maxIdx := -1
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if maxIdx < 0 || v > logits[maxIdx] {
			maxIdx = i
		}
	}
	if maxIdx < 0 {
		return 0
	}
	return maxIdx
}

// applyTopK expects candidates sorted by descending probability.
func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix whose mass reaches p. The most
// likely candidate always survives, so p == 0 is greedy.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || len(candidates) == 0 {
		return candidates
	}
	if p <= 0.0 {
		return candidates[:1]
	}

	total := 0.0
	for _, c := range candidates {
		total += c.prob
	}
	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p*total {
			return candidates[:i+1]
		}
	}
	return candidates
}
