package monitoring

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/logger"
)

const (
	maxPerfHistory = 1000
	maxAlerts      = 100
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      EngineInfo      `json:"engine"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// EngineInfo is the session state reported by the caller.
type EngineInfo struct {
	ModelLoaded  bool   `json:"model_loaded"`
	ModelName    string `json:"model_name,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	ParamCount   int64  `json:"param_count,omitempty"`
	LayerCount   int    `json:"layer_count,omitempty"`
	ContextSize  int    `json:"context_size,omitempty"`
	VocabSize    int    `json:"vocab_size,omitempty"`
	StreamState  string `json:"stream_state"`
}

// SessionInfo reads the engine state of sess.
func SessionInfo(sess *engine.Session) EngineInfo {
	info, ok := sess.ModelInfo()
	return EngineInfo{
		ModelLoaded:  ok,
		ModelName:    info.Name,
		Architecture: info.Architecture,
		ParamCount:   info.ParamCount,
		LayerCount:   info.LayerCount,
		ContextSize:  info.ContextSize,
		VocabSize:    info.VocabSize,
		StreamState:  sess.StreamState().String(),
	}
}

type PerformanceInfo struct {
	Generations     int       `json:"generations"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastInference   time.Time `json:"last_inference"`
}

type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // engine, model, performance
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PerfPoint is one finished generation.
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
	Failed    bool
}

// Thresholds control when RecordInference raises performance alerts.
type Thresholds struct {
	MinTokensPerSecond float64
	MaxLatency         time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinTokensPerSecond: 1.0, MaxLatency: 5 * time.Second}
}

// HealthMonitor keeps recent generation timings and alerts.
type HealthMonitor struct {
	version    string
	startTime  time.Time
	thresholds Thresholds
	log        *logger.Logger

	mu            sync.RWMutex
	alerts        []Alert
	lastInference time.Time
	perfHistory   []PerfPoint
}

func NewHealthMonitor(version string, log *logger.Logger) *HealthMonitor {
	if log == nil {
		log = logger.Log
	}
	return &HealthMonitor{
		version:    version,
		startTime:  time.Now(),
		thresholds: DefaultThresholds(),
		log:        log,
	}
}

func (hm *HealthMonitor) SetThresholds(t Thresholds) {
	hm.mu.Lock()
	hm.thresholds = t
	hm.mu.Unlock()
}

// RecordInference records a finished generation. err marks it as failed.
func (hm *HealthMonitor) RecordInference(tokens int, duration time.Duration, err error) {
	now := time.Now()
	point := PerfPoint{Timestamp: now, Tokens: tokens, Duration: duration, Failed: err != nil}

	hm.mu.Lock()
	hm.lastInference = now
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}
	th := hm.thresholds
	hm.mu.Unlock()

	if err != nil {
		hm.AddAlert("warning", "engine", fmt.Sprintf("generation failed: %v", err))
		return
	}
	hm.checkPerformanceAlerts(point, th)
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	hm.log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index < 0 || index >= len(hm.alerts) || hm.alerts[index].Resolved {
		return false
	}
	now := time.Now()
	hm.alerts[index].Resolved = true
	hm.alerts[index].ResolvedAt = &now
	return true
}

func (hm *HealthMonitor) ClearAlerts() {
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
}

func (hm *HealthMonitor) Alerts() []Alert {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return append([]Alert(nil), hm.alerts...)
}

// Snapshot builds the current health status around the given engine state.
// Unresolved critical alerts make the status critical and unresolved errors
// make it degraded.
func (hm *HealthMonitor) Snapshot(engine EngineInfo) HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := StatusHealthy
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			status = StatusCritical
			break
		}
		if a.Level == "error" {
			status = StatusDegraded
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime).Round(time.Second).String(),
		System:      systemInfo(),
		Engine:      engine,
		Performance: hm.performanceLocked(),
		Alerts:      append([]Alert{}, hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
	if m.Sys > 0 {
		info.MemoryUsagePct = float64(m.Alloc) / float64(m.Sys) * 100
	}
	return info
}

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	info := PerformanceInfo{
		Generations:   len(hm.perfHistory),
		LastInference: hm.lastInference,
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var tokens, failed int
	var total time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		tokens += p.Tokens
		total += p.Duration
		if p.Failed {
			failed++
		}
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	sort.Float64s(latencies)

	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}

	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(failed) / float64(len(hm.perfHistory))
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}

func (hm *HealthMonitor) checkPerformanceAlerts(p PerfPoint, th Thresholds) {
	if p.Duration <= 0 || p.Tokens == 0 {
		return
	}
	if tps := float64(p.Tokens) / p.Duration.Seconds(); th.MinTokensPerSecond > 0 && tps < th.MinTokensPerSecond {
		hm.AddAlert("warning", "performance", fmt.Sprintf("Low throughput: %.2f tokens/sec", tps))
	}
	if th.MaxLatency > 0 && p.Duration > th.MaxLatency {
		hm.AddAlert("error", "performance", fmt.Sprintf("High latency: %.2f ms", float64(p.Duration.Nanoseconds())/1e6))
	}
}
