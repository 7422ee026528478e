package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	GenerationTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_generation_tokens_total",
		Help: "Tokens emitted by generations, by mode",
	}, []string{"mode"})

	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_generations_total",
		Help: "Completed generations, by mode and stop reason",
	}, []string{"mode", "stop_reason"})

	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessiond_generation_duration_seconds",
		Help:    "Wall time of a generation including prompt evaluation",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"mode"})

	PromptEvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessiond_prompt_eval_duration_seconds",
		Help:    "Time spent evaluating the prompt before the first sample",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	})

	PromptTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessiond_prompt_tokens",
		Help:    "Distribution of prompt lengths in tokens",
		Buckets: []float64{8, 32, 128, 256, 512, 1024, 2048, 4096, 8192},
	})

	Cancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_cancellations_total",
		Help: "Stop requests received",
	})

	EvaluationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_evaluation_errors_total",
		Help: "Model-side decode failures, by phase (prompt or step)",
	}, []string{"phase"})

	TokenizeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_tokenize_errors_total",
		Help: "Prompts rejected by the tokenizer",
	})

	StreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_stream_state",
		Help: "Streaming session state (0 idle, 1 populating, 2 ready, 3 draining)",
	})

	StreamBufferTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_stream_buffer_tokens",
		Help: "Tokens currently held in the stream buffer",
	})

	ModelLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_model_loaded",
		Help: "1 when a model is loaded",
	})

	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessiond_model_load_duration_seconds",
		Help:    "Time spent loading a model",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	ModelLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_model_load_errors_total",
		Help: "Failed model loads",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_kv_cache_capacity_bytes",
		Help: "Bytes reserved for the KV cache",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_kv_cache_used_bytes",
		Help: "Bytes of the KV cache holding live positions",
	})

	KVCacheOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_kv_cache_overflows_total",
		Help: "Writes rejected because the position exceeded the context size",
	})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessiond_tokenizer_encode_length",
		Help:    "Tokens produced per encode call",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 2000, 4000, 8000},
	})

	TokenizerUnknownTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_tokenizer_unknown_tokens_total",
		Help: "Input fragments mapped to the unknown token",
	})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_requests_total",
		Help: "Boundary requests by transport, operation and outcome",
	}, []string{"transport", "operation", "outcome"})
)

func RecordGeneration(mode, stopReason string, tokens int, duration time.Duration) {
	GenerationTokensTotal.WithLabelValues(mode).Add(float64(tokens))
	GenerationsTotal.WithLabelValues(mode, stopReason).Inc()
	GenerationDuration.WithLabelValues(mode).Observe(duration.Seconds())
	totalTokens.Add(int64(tokens))
}

// TotalTokens returns the tokens generated since process start.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordPromptEval(tokens int, duration time.Duration) {
	PromptTokens.Observe(float64(tokens))
	PromptEvalDuration.Observe(duration.Seconds())
}

func RecordCancellation() {
	Cancellations.Inc()
}

func RecordEvaluationError(phase string) {
	EvaluationErrors.WithLabelValues(phase).Inc()
}

func RecordTokenizeError() {
	TokenizeErrors.Inc()
}

func RecordStreamState(state int, buffered int) {
	StreamState.Set(float64(state))
	StreamBufferTokens.Set(float64(buffered))
}

func RecordModelLoad(duration time.Duration, err error) {
	if err != nil {
		ModelLoadErrors.Inc()
		ModelLoaded.Set(0)
		return
	}
	ModelLoadDuration.Observe(duration.Seconds())
	ModelLoaded.Set(1)
}

func RecordModelUnload() {
	ModelLoaded.Set(0)
	KVCacheCapacityBytes.Set(0)
	KVCacheUsedBytes.Set(0)
}

// RecordKVCacheStats records KV cache capacity and usage
func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

func RecordKVCacheOverflow() {
	KVCacheOverflows.Inc()
}

// RecordTokenizerEncode records tokenizer encoding metrics
func RecordTokenizerEncode(length int, unknownCount int) {
	TokenizerEncodeLength.Observe(float64(length))
	if unknownCount > 0 {
		TokenizerUnknownTokens.Add(float64(unknownCount))
	}
}

func RecordRequest(transport, operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RequestsTotal.WithLabelValues(transport, operation, outcome).Inc()
}
