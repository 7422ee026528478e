package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-sessiond/internal/config"
	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/flightsvc"
	"github.com/23skdu/longbow-sessiond/internal/llama"
	"github.com/23skdu/longbow-sessiond/internal/logger"
	"github.com/23skdu/longbow-sessiond/internal/monitoring"
	"github.com/23skdu/longbow-sessiond/internal/server"
)

func serveCmd() *cli.Command {
	var (
		model       modelFlags
		addr        string
		flightAddr  string
		metricsAddr string
		noFlight    bool
		readTimeout time.Duration
		apiKeys     []string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the session over HTTP and Arrow Flight",
		Flags: append(model.flags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "HTTP listen address",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "flight-addr",
				Usage:       "Arrow Flight listen address",
				Destination: &flightAddr,
			},
			&cli.BoolFlag{
				Name:        "no-flight",
				Usage:       "disable the Flight service",
				Destination: &noFlight,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "separate Prometheus listen address (empty disables it)",
				Destination: &metricsAddr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "HTTP read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.StringSliceFlag{
				Name:        "api-key",
				Usage:       "require this API key on /v1 routes (repeatable)",
				Destination: &apiKeys,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.IsSet("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.IsSet("flight-addr") {
				cfg.Flight.Addr = flightAddr
			}
			if noFlight {
				cfg.Flight.Enabled = false
			}
			if cmd.IsSet("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
				cfg.Metrics.Enabled = metricsAddr != ""
			}
			if cmd.IsSet("api-key") {
				cfg.Server.APIKeys = apiKeys
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logger.Log
			sess := engine.NewSession(llama.NewRuntime(log), engine.WithLogger(log))
			defer sess.Close()
			health := newHealthMonitor(cfg, log)

			// Preload when a model is named on the command line or in the config.
			if req := model.request(cmd); req.Path != "" || cfg.Model.Path != "" {
				if err := loadModel(ctx, sess, req); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}

			httpSrv := server.New(sess, health, server.Config{
				Model:    cfg.Model,
				Sampling: cfg.Sampling,
				APIKeys:  cfg.Server.APIKeys,
				Version:  version,
			}, log)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return httpSrv.Start(ctx, cfg.Server.Addr, readTimeout)
			})

			if cfg.Flight.Enabled {
				svc := flightsvc.NewService(sess, health, flightsvc.Config{
					Model:    cfg.Model,
					Sampling: cfg.Sampling,
				}, log)
				flightSrv, err := flightsvc.Listen(cfg.Flight.Addr, svc)
				if err != nil {
					stop()
					_ = g.Wait()
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				g.Go(func() error { return flightSrv.Serve(ctx) })
			}

			if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" && cfg.Metrics.Addr != cfg.Server.Addr {
				g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr, cfg.Server.ShutdownTimeout) })
			}

			// Servers drain in-flight requests on shutdown; end any running
			// generation so they do not wait for it.
			go func() {
				<-ctx.Done()
				sess.StopGeneration()
			}()

			err := g.Wait()
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info("Shut down")
			return nil
		},
	}
}

func serveMetrics(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Log.Info("Metrics serving", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// newHealthMonitor applies the configured alert thresholds.
func newHealthMonitor(c config.Config, log *logger.Logger) *monitoring.HealthMonitor {
	hm := monitoring.NewHealthMonitor(version, log)
	hm.SetThresholds(monitoring.Thresholds{
		MinTokensPerSecond: c.Health.MinTokensPerSecond,
		MaxLatency:         c.Health.MaxLatency,
	})
	return hm
}
