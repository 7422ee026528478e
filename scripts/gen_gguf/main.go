// Command gen_gguf writes a small random llama model for demos and tests.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-sessiond/internal/gguf"
	"github.com/23skdu/longbow-sessiond/internal/llama"
	"github.com/23skdu/longbow-sessiond/internal/logger"
)

var weightTypes = map[string]gguf.GGMLType{
	"f32":  gguf.GGMLTypeF32,
	"f16":  gguf.GGMLTypeF16,
	"q8_0": gguf.GGMLTypeQ8_0,
	"q4_0": gguf.GGMLTypeQ4_0,
}

func main() {
	fc := llama.DefaultFixture()
	var (
		out        string
		weightType string
	)

	app := &cli.Command{
		Name:  "gen_gguf",
		Usage: "Write a tiny random llama GGUF model",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "tiny.gguf", Usage: "output file", Destination: &out},
			&cli.StringFlag{Name: "name", Value: fc.Name, Usage: "general.name", Destination: &fc.Name},
			&cli.IntFlag{Name: "dim", Value: fc.Dim, Usage: "embedding size", Destination: &fc.Dim},
			&cli.IntFlag{Name: "hidden", Value: fc.HiddenDim, Usage: "feed-forward size", Destination: &fc.HiddenDim},
			&cli.IntFlag{Name: "layers", Value: fc.Layers, Usage: "transformer blocks", Destination: &fc.Layers},
			&cli.IntFlag{Name: "heads", Value: fc.Heads, Usage: "attention heads", Destination: &fc.Heads},
			&cli.IntFlag{Name: "kv-heads", Value: fc.KVHeads, Usage: "key/value heads", Destination: &fc.KVHeads},
			&cli.IntFlag{Name: "ctx", Value: fc.ContextLen, Usage: "trained context length", Destination: &fc.ContextLen},
			&cli.StringFlag{Name: "type", Value: "f32", Usage: "weight type (f32, f16, q8_0, q4_0)", Destination: &weightType},
			&cli.BoolFlag{Name: "tied", Usage: "share the embedding as the output matrix", Destination: &fc.TiedOutput},
			&cli.Int64Flag{Name: "seed", Value: fc.Seed, Usage: "weight seed", Destination: &fc.Seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			typ, ok := weightTypes[strings.ToLower(weightType)]
			if !ok {
				return cli.Exit(fmt.Sprintf("error: unsupported weight type %q", weightType), 1)
			}
			fc.WeightType = typ
			if err := llama.WriteFixtureFile(out, fc); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			logger.Log.Info("Wrote model", "path", out, "name", fc.Name, "layers", fc.Layers, "type", typ.String())
			return nil
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
