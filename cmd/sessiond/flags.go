package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-sessiond/internal/api"
	"github.com/23skdu/longbow-sessiond/internal/config"
	"github.com/23skdu/longbow-sessiond/internal/logger"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	debug      bool

	// cfg is the file config with explicitly set flags applied on top.
	cfg = config.Default()
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to YAML config file",
			Value:       config.DefaultPath(),
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (console, json)",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "shorthand for --log-level=debug",
			Destination: &debug,
		},
	}
}

// setup loads the config file and configures the global logger.
func setup(cmd *cli.Command) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	cfg = loaded

	if cmd.IsSet("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.IsSet("log-format") {
		cfg.Log.Format = logFormat
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	return nil
}

type modelFlags struct {
	path        string
	threads     int
	gpuLayers   int
	contextSize int
	batchSize   int
	noGPU       bool
	verbose     bool
}

func (f *modelFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "GGUF file or Ollama model name (llama3:8b)",
			Destination: &f.path,
		},
		&cli.IntFlag{Name: "threads", Aliases: []string{"t"}, Usage: "CPU threads (0 = all)", Destination: &f.threads},
		&cli.IntFlag{Name: "gpu-layers", Usage: "layers to offload", Destination: &f.gpuLayers},
		&cli.IntFlag{Name: "ctx", Aliases: []string{"context-size", "c"}, Usage: "context size in tokens", Destination: &f.contextSize},
		&cli.IntFlag{Name: "batch", Aliases: []string{"batch-size", "b"}, Usage: "prompt batch size", Destination: &f.batchSize},
		&cli.BoolFlag{Name: "no-gpu", Usage: "disable GPU offload", Destination: &f.noGPU},
		&cli.BoolFlag{Name: "verbose", Usage: "verbose runtime logging", Destination: &f.verbose},
	}
}

// request builds a load request from the flags that were set. The rest
// fall back to the model section of the config.
func (f *modelFlags) request(cmd *cli.Command) api.LoadRequest {
	req := api.LoadRequest{Path: f.path, Verbose: f.verbose}
	if cmd.IsSet("threads") {
		req.Threads = &f.threads
	}
	if cmd.IsSet("gpu-layers") {
		req.GPULayers = &f.gpuLayers
	}
	if cmd.IsSet("ctx") {
		req.ContextSize = &f.contextSize
	}
	if cmd.IsSet("batch") {
		req.BatchSize = &f.batchSize
	}
	if f.noGPU {
		useGPU := false
		req.UseGPU = &useGPU
	}
	return req
}

type samplingFlags struct {
	temperature   float64
	topP          float64
	topK          int
	repeatPenalty float64
	penaltyWindow int
	maxTokens     int
	seed          int64
}

func (f *samplingFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{Name: "temperature", Aliases: []string{"temp"}, Usage: "sampling temperature (0 = greedy)", Destination: &f.temperature},
		&cli.Float64Flag{Name: "top-p", Usage: "nucleus sampling threshold", Destination: &f.topP},
		&cli.IntFlag{Name: "top-k", Usage: "top-k candidates (0 = disabled)", Destination: &f.topK},
		&cli.Float64Flag{Name: "repeat-penalty", Usage: "repetition penalty (1 = off)", Destination: &f.repeatPenalty},
		&cli.IntFlag{Name: "penalty-window", Usage: "tokens considered by the repetition penalty", Destination: &f.penaltyWindow},
		&cli.IntFlag{Name: "max-tokens", Aliases: []string{"n"}, Usage: "maximum tokens to generate", Destination: &f.maxTokens},
		&cli.Int64Flag{Name: "seed", Usage: "sampler seed (0 = random)", Destination: &f.seed},
	}
}

func (f *samplingFlags) request(cmd *cli.Command, prompt string) api.GenerateRequest {
	req := api.GenerateRequest{Prompt: prompt}
	if cmd.IsSet("temperature") {
		v := float32(f.temperature)
		req.Temperature = &v
	}
	if cmd.IsSet("top-p") {
		v := float32(f.topP)
		req.TopP = &v
	}
	if cmd.IsSet("top-k") {
		req.TopK = &f.topK
	}
	if cmd.IsSet("repeat-penalty") {
		v := float32(f.repeatPenalty)
		req.RepeatPenalty = &v
	}
	if cmd.IsSet("penalty-window") {
		req.PenaltyWindow = &f.penaltyWindow
	}
	if cmd.IsSet("max-tokens") {
		req.MaxTokens = &f.maxTokens
	}
	if cmd.IsSet("seed") {
		req.Seed = &f.seed
	}
	return req
}

// promptArg joins the positional arguments, or returns --prompt.
func promptArg(cmd *cli.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if cmd.Args().Len() == 0 {
		return "", cli.Exit("error: a prompt is required", 1)
	}
	return strings.Join(cmd.Args().Slice(), " "), nil
}
