// Package api holds the request and response shapes shared by the HTTP and
// Flight boundaries, and maps engine errors onto them.
package api

import (
	"github.com/23skdu/longbow-sessiond/internal/config"
	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/ollama"
)

// LoadRequest asks for a model to be loaded. Unset fields take the
// configured defaults.
type LoadRequest struct {
	Path        string `json:"path"`
	Threads     *int   `json:"threads,omitempty"`
	GPULayers   *int   `json:"gpu_layers,omitempty"`
	ContextSize *int   `json:"context_size,omitempty"`
	BatchSize   *int   `json:"batch_size,omitempty"`
	UseGPU      *bool  `json:"use_gpu,omitempty"`
	Verbose     bool   `json:"verbose,omitempty"`
}

func (r LoadRequest) Params(d config.ModelConfig) engine.LoadParams {
	p := engine.LoadParams{
		Path:        r.Path,
		Threads:     d.Threads,
		GPULayers:   d.GPULayers,
		ContextSize: d.ContextSize,
		BatchSize:   d.BatchSize,
		UseGPU:      d.UseGPU,
		Verbose:     r.Verbose || d.Verbose,
	}
	if p.Path == "" {
		p.Path = d.Path
	}
	if r.Threads != nil {
		p.Threads = *r.Threads
	}
	if r.GPULayers != nil {
		p.GPULayers = *r.GPULayers
	}
	if r.ContextSize != nil {
		p.ContextSize = *r.ContextSize
	}
	if r.BatchSize != nil {
		p.BatchSize = *r.BatchSize
	}
	if r.UseGPU != nil {
		p.UseGPU = *r.UseGPU
	}
	return p
}

type LoadResponse struct {
	Loaded bool             `json:"loaded"`
	Path   string           `json:"path"`
	Info   engine.ModelInfo `json:"info"`
}

// GenerateRequest carries a prompt and optional sampling overrides.
type GenerateRequest struct {
	Prompt        string   `json:"prompt"`
	Temperature   *float32 `json:"temperature,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty"`
	PenaltyWindow *int     `json:"penalty_window,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
}

// Sampling resolves the request against the configured defaults and returns
// the sampler settings and the token limit.
func (r GenerateRequest) Sampling(d config.SamplingConfig) (engine.SamplingConfig, int) {
	cfg := engine.SamplingConfig{
		Temperature:   d.Temperature,
		TopP:          d.TopP,
		TopK:          d.TopK,
		RepeatPenalty: d.RepeatPenalty,
		PenaltyWindow: d.PenaltyWindow,
		Seed:          d.Seed,
	}
	maxTokens := d.MaxTokens
	if r.Temperature != nil {
		cfg.Temperature = *r.Temperature
	}
	if r.TopP != nil {
		cfg.TopP = *r.TopP
	}
	if r.TopK != nil {
		cfg.TopK = *r.TopK
	}
	if r.RepeatPenalty != nil {
		cfg.RepeatPenalty = *r.RepeatPenalty
	}
	if r.PenaltyWindow != nil {
		cfg.PenaltyWindow = *r.PenaltyWindow
	}
	if r.Seed != nil {
		cfg.Seed = *r.Seed
	}
	if r.MaxTokens != nil {
		maxTokens = *r.MaxTokens
	}
	return cfg, maxTokens
}

type GenerateResponse struct {
	Text             string `json:"text"`
	TokensGenerated  int    `json:"tokens_generated"`
	PromptTokens     int    `json:"prompt_tokens"`
	GenerationTimeMs int64  `json:"generation_time_ms"`
	StopReason       string `json:"stop_reason"`
}

func NewGenerateResponse(res engine.Result) GenerateResponse {
	return GenerateResponse{
		Text:             res.Text,
		TokensGenerated:  res.TokenCount,
		PromptTokens:     res.PromptTokens,
		GenerationTimeMs: res.Duration.Milliseconds(),
		StopReason:       string(res.StopReason),
	}
}

type StreamNextResponse struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
}

// TokenEvent is one SSE event of a callback-streamed generation.
type TokenEvent struct {
	Index   int    `json:"index"`
	Token   string `json:"token"`
	TokenID int32  `json:"token_id"`
}

type StreamStatus struct {
	State string `json:"state"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ResolveModelPath turns an Ollama model name into its blob path. Anything
// that looks like a file path is returned unchanged.
func ResolveModelPath(arg string) (string, error) {
	if !ollama.LooksLikeRef(arg) {
		return arg, nil
	}
	return ollama.ResolveModelPath(arg)
}
