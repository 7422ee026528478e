package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-sessiond/internal/api"
	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/llama"
	"github.com/23skdu/longbow-sessiond/internal/logger"
)

func generateCmd() *cli.Command {
	var (
		model    modelFlags
		sampling samplingFlags
		prompt   string
		stream   bool
		twoPhase bool
	)

	return &cli.Command{
		Name:      "generate",
		Aliases:   []string{"gen"},
		Usage:     "Load a model and generate text for a prompt",
		ArgsUsage: "[prompt]",
		Flags: append(append(model.flags(), sampling.flags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (or pass it as arguments)",
				Destination: &prompt,
			},
			&cli.BoolFlag{
				Name:        "stream",
				Usage:       "print tokens as they are sampled",
				Destination: &stream,
			},
			&cli.BoolFlag{
				Name:        "two-phase",
				Usage:       "generate into the stream buffer, then read it back token by token",
				Destination: &twoPhase,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			text, err := promptArg(cmd, prompt)
			if err != nil {
				return err
			}

			sess := engine.NewSession(llama.NewRuntime(logger.Log), engine.WithLogger(logger.Log))
			defer sess.Close()

			if err := loadModel(ctx, sess, model.request(cmd)); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			// Ctrl-C stops the generation; whatever was produced is kept.
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)
			go func() {
				if _, ok := <-sigs; ok {
					sess.StopGeneration()
				}
			}()

			samplingCfg, maxTokens := sampling.request(cmd, text).Sampling(cfg.Sampling)
			var res engine.Result
			switch {
			case twoPhase:
				res, err = generateTwoPhase(ctx, sess, text, samplingCfg, maxTokens)
			case stream:
				res, err = sess.GenerateFunc(ctx, text, samplingCfg, maxTokens, func(tok engine.Token) bool {
					fmt.Print(tok.Piece)
					return true
				})
				fmt.Println()
			default:
				res, err = sess.Generate(ctx, text, samplingCfg, maxTokens)
				if err == nil {
					fmt.Println(res.Text)
				}
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			printStats(api.NewGenerateResponse(res))
			return nil
		},
	}
}

func loadModel(ctx context.Context, sess *engine.Session, req api.LoadRequest) error {
	p := req.Params(cfg.Model)
	if p.Path == "" {
		return fmt.Errorf("%w: --model is required", engine.ErrInvalidArgument)
	}
	path, err := api.ResolveModelPath(p.Path)
	if err != nil {
		return err
	}
	if path != p.Path {
		logger.Log.Info("Resolved Ollama model", "name", p.Path, "path", path)
	}
	p.Path = path

	start := time.Now()
	if err := sess.LoadModel(ctx, p); err != nil {
		return err
	}
	info, _ := sess.ModelInfo()
	logger.Log.Info("Model loaded",
		"name", info.Name,
		"arch", info.Architecture,
		"layers", info.LayerCount,
		"context", info.ContextSize,
		"duration", time.Since(start).Round(time.Millisecond).String())
	return nil
}

func generateTwoPhase(ctx context.Context, sess *engine.Session, prompt string, cfg engine.SamplingConfig, maxTokens int) (engine.Result, error) {
	if err := sess.StreamStart(ctx, prompt, cfg, maxTokens); err != nil {
		return engine.Result{}, err
	}
	defer sess.StreamEnd()

	for {
		piece, ok := sess.StreamNext()
		if !ok {
			break
		}
		fmt.Print(piece)
	}
	fmt.Println()
	return sess.StreamResult(), nil
}

func printStats(r api.GenerateResponse) {
	tps := 0.0
	if r.GenerationTimeMs > 0 {
		tps = float64(r.TokensGenerated) / (float64(r.GenerationTimeMs) / 1000)
	}
	_, _ = fmt.Fprintf(os.Stderr, "\n%d prompt tokens, %d generated in %dms (%.2f tok/s), stop: %s\n",
		r.PromptTokens, r.TokensGenerated, r.GenerationTimeMs, tps, r.StopReason)
}
