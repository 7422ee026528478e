package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-sessiond/internal/api"
	"github.com/23skdu/longbow-sessiond/internal/gguf"
)

func infoCmd() *cli.Command {
	var (
		modelPath string
		asJSON    bool
	)

	return &cli.Command{
		Name:      "info",
		Usage:     "Print the metadata of a GGUF model",
		ArgsUsage: "[model]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "GGUF file or Ollama model name",
				Destination: &modelPath,
			},
			&cli.BoolFlag{Name: "json", Usage: "print as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := modelPath
			if name == "" {
				name = cmd.Args().First()
			}
			if name == "" {
				name = cfg.Model.Path
			}
			if name == "" {
				return cli.Exit("error: --model is required", 1)
			}
			path, err := api.ResolveModelPath(name)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}

			f, err := gguf.LoadFile(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open gguf: %v", err), 1)
			}
			defer f.Close()

			report, err := gguf.NewMetadataAnalyzer(f).Analyze()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: analyze: %v", err), 1)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("path:          %s\n", path)
			fmt.Printf("name:          %s\n", report.ModelName)
			fmt.Printf("architecture:  %s\n", report.Architecture)
			fmt.Printf("gguf version:  %d\n", f.Header.Version)
			fmt.Printf("parameters:    %s\n", humanCount(report.TotalParameters))
			fmt.Printf("tensors:       %d (%s, %s)\n", report.TensorCount, report.Quantization, humanBytes(report.MemoryEstimate))
			fmt.Printf("context:       %d\n", report.ContextLength)
			fmt.Printf("hidden size:   %d\n", report.HiddenSize)
			fmt.Printf("layers:        %d\n", report.BlockCount)
			fmt.Printf("heads:         %d (kv %d)\n", report.AttentionHeads, report.KVHeads)
			fmt.Printf("ffn size:      %d\n", report.IntermediateSize)
			fmt.Printf("vocab:         %d (%s)\n", report.VocabSize, report.TokenizerModel)
			return nil
		},
	}
}

func humanCount(n int64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.2fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.2fK", float64(n)/1e3)
	}
	return fmt.Sprintf("%d", n)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
