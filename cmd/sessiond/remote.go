package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-sessiond/internal/flightsvc"
)

var remoteAddr string

func remoteCmd() *cli.Command {
	return &cli.Command{
		Name:  "remote",
		Usage: "Call a running sessiond over Arrow Flight",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "flight-addr",
				Aliases:     []string{"a"},
				Usage:       "Flight server address (defaults to flight.addr from the config)",
				Destination: &remoteAddr,
			},
		},
		Commands: []*cli.Command{
			remoteLoadCmd(),
			remoteGenerateCmd(),
			remoteInfoCmd(),
			remoteStopCmd(),
		},
	}
}

func dialRemote() (*flightsvc.Client, error) {
	addr := remoteAddr
	if addr == "" {
		addr = cfg.Flight.Addr
	}
	c, err := flightsvc.Dial(addr)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return c, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func remoteLoadCmd() *cli.Command {
	var model modelFlags
	return &cli.Command{
		Name:  "load",
		Usage: "Load a model on the server",
		Flags: model.flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c, err := dialRemote()
			if err != nil {
				return err
			}
			defer c.Close()

			// Paths and Ollama names are resolved on the server.
			resp, err := c.LoadModel(ctx, model.request(cmd))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return printJSON(resp)
		},
	}
}

func remoteGenerateCmd() *cli.Command {
	var (
		sampling samplingFlags
		prompt   string
		stream   bool
	)
	return &cli.Command{
		Name:      "generate",
		Aliases:   []string{"gen"},
		Usage:     "Generate text with the server's model",
		ArgsUsage: "[prompt]",
		Flags: append(sampling.flags(),
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "prompt text", Destination: &prompt},
			&cli.BoolFlag{Name: "stream", Usage: "populate the stream buffer and read it back", Destination: &stream},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			text, err := promptArg(cmd, prompt)
			if err != nil {
				return err
			}
			c, err := dialRemote()
			if err != nil {
				return err
			}
			defer c.Close()

			req := sampling.request(cmd, text)
			if !stream {
				resp, err := c.Generate(ctx, req)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				fmt.Println(resp.Text)
				printStats(resp)
				return nil
			}

			if err := c.StreamStart(ctx, req); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = c.StreamEnd(context.WithoutCancel(ctx)) }()
			for {
				piece, ok, err := c.StreamNext(ctx)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				if !ok {
					break
				}
				fmt.Print(piece)
			}
			fmt.Println()
			return nil
		},
	}
}

func remoteInfoCmd() *cli.Command {
	var health bool
	return &cli.Command{
		Name:  "info",
		Usage: "Show the server's loaded model",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "health", Usage: "print the full health snapshot", Destination: &health},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c, err := dialRemote()
			if err != nil {
				return err
			}
			defer c.Close()

			if health {
				st, err := c.Health(ctx)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				return printJSON(st)
			}
			info, err := c.ModelInfo(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return printJSON(info)
		},
	}
}

func remoteStopCmd() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop the server's running generation",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c, err := dialRemote()
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.StopGeneration(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}
