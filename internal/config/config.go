package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelConfig holds the load parameters for the model the daemon serves.
type ModelConfig struct {
	Path        string `yaml:"path"`
	Threads     int    `yaml:"threads"`
	GPULayers   int    `yaml:"gpu_layers"`
	ContextSize int    `yaml:"context_size"`
	BatchSize   int    `yaml:"batch_size"`
	UseGPU      bool   `yaml:"use_gpu"`
	Verbose     bool   `yaml:"verbose"`
}

// SamplingConfig holds the defaults applied to requests that omit a field.
type SamplingConfig struct {
	Temperature   float32 `yaml:"temperature"`
	TopP          float32 `yaml:"top_p"`
	TopK          int     `yaml:"top_k"`
	RepeatPenalty float32 `yaml:"repeat_penalty"`
	PenaltyWindow int     `yaml:"penalty_window"`
	MaxTokens     int     `yaml:"max_tokens"`
	Seed          int64   `yaml:"seed"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	APIKeys         []string      `yaml:"api_keys"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type FlightConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// HealthConfig sets when a finished generation raises a performance alert.
type HealthConfig struct {
	MinTokensPerSecond float64       `yaml:"min_tokens_per_second"`
	MaxLatency         time.Duration `yaml:"max_latency"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Sampling SamplingConfig `yaml:"sampling"`
	Server   ServerConfig   `yaml:"server"`
	Flight   FlightConfig   `yaml:"flight"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Health   HealthConfig   `yaml:"health"`
	Log      LogConfig      `yaml:"log"`
}

func Default() Config {
	return Config{
		Model: ModelConfig{
			Threads:     4,
			ContextSize: 2048,
			BatchSize:   512,
			UseGPU:      true,
		},
		Sampling: SamplingConfig{
			Temperature:   0.8,
			TopP:          0.95,
			TopK:          40,
			RepeatPenalty: 1.1,
			PenaltyWindow: 64,
			MaxTokens:     512,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Flight: FlightConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8815",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9090",
		},
		Health: HealthConfig{
			MinTokensPerSecond: 1.0,
			MaxLatency:         5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/sessiond/config.yaml, or the
// equivalent under the user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "sessiond.yaml"
	}
	return filepath.Join(dir, "sessiond", "config.yaml")
}

// Load reads a YAML config file layered over Default. A missing file is not
// an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	m := c.Model
	if m.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", m.Threads)
	}
	if m.GPULayers < 0 {
		return fmt.Errorf("invalid gpu_layers: %d (must be non-negative)", m.GPULayers)
	}
	if m.ContextSize <= 0 {
		return fmt.Errorf("invalid context_size: %d (must be positive)", m.ContextSize)
	}
	if m.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", m.BatchSize)
	}

	s := c.Sampling
	if s.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %f (must be non-negative)", s.Temperature)
	}
	if s.TopP < 0 || s.TopP > 1 {
		return fmt.Errorf("invalid top_p: %f (must be in [0, 1])", s.TopP)
	}
	if s.TopK < 0 {
		return fmt.Errorf("invalid top_k: %d (must be non-negative)", s.TopK)
	}
	if s.RepeatPenalty < 0 {
		return fmt.Errorf("invalid repeat_penalty: %f (must be non-negative)", s.RepeatPenalty)
	}
	if s.PenaltyWindow < 0 {
		return fmt.Errorf("invalid penalty_window: %d (must be non-negative)", s.PenaltyWindow)
	}
	if s.MaxTokens < 0 {
		return fmt.Errorf("invalid max_tokens: %d (must be non-negative)", s.MaxTokens)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("invalid server.addr: must not be empty")
	}
	if c.Flight.Enabled && c.Flight.Addr == "" {
		return fmt.Errorf("invalid flight.addr: must not be empty when flight is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("invalid metrics.addr: must not be empty when metrics are enabled")
	}

	if c.Health.MinTokensPerSecond < 0 {
		return fmt.Errorf("invalid health.min_tokens_per_second: %f (must be non-negative)", c.Health.MinTokensPerSecond)
	}
	if c.Health.MaxLatency <= 0 {
		return fmt.Errorf("invalid health.max_latency: %s (must be positive)", c.Health.MaxLatency)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q (must be console or json)", c.Log.Format)
	}
	return nil
}
