// Package server exposes an engine.Session over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/23skdu/longbow-sessiond/internal/api"
	"github.com/23skdu/longbow-sessiond/internal/config"
	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/logger"
	"github.com/23skdu/longbow-sessiond/internal/monitoring"
)

const maxBodyBytes = 4 << 20

type Config struct {
	Model    config.ModelConfig
	Sampling config.SamplingConfig
	APIKeys  []string
	Version  string

	// ResolveModel maps a load request path to a file. Defaults to
	// api.ResolveModelPath.
	ResolveModel func(string) (string, error)
}

type Server struct {
	sess   *engine.Session
	health *monitoring.HealthMonitor
	cfg    Config
	log    *logger.Logger
}

func New(sess *engine.Session, health *monitoring.HealthMonitor, cfg Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Log
	}
	if health == nil {
		health = monitoring.NewHealthMonitor(cfg.Version, log)
	}
	if cfg.ResolveModel == nil {
		cfg.ResolveModel = api.ResolveModelPath
	}
	return &Server{sess: sess, health: health, cfg: cfg, log: log.With("component", "http")}
}

// Register adds every route to e. The /v1 group requires an API key when
// any are configured.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)
	e.GET("/health", s.handleHealth)
	e.GET("/version", s.handleVersion)
	e.GET("/metrics", handleMetrics)

	v1 := e.Group("/v1", s.authenticate)
	v1.POST("/model", s.handle("load_model", s.handleLoadModel))
	v1.GET("/model", s.handle("model_info", s.handleModelInfo))
	v1.DELETE("/model", s.handle("unload_model", s.handleUnloadModel))
	v1.POST("/generate", s.handle("generate", s.handleGenerate))
	v1.POST("/generate/stream", s.handle("generate_stream", s.handleGenerateStream))
	v1.POST("/stream", s.handle("stream_start", s.handleStreamStart))
	v1.GET("/stream", s.handle("stream_state", s.handleStreamState))
	v1.GET("/stream/next", s.handle("stream_next", s.handleStreamNext))
	v1.DELETE("/stream", s.handle("stream_end", s.handleStreamEnd))
	v1.POST("/stop", s.handle("stop_generation", s.handleStop))
	v1.GET("/alerts", s.handle("alerts", s.handleAlerts))
	v1.DELETE("/alerts", s.handle("clear_alerts", s.handleClearAlerts))
}

// Echo builds an echo instance with the server's middleware and routes.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(requestID)
	e.Use(s.requestLogger)
	s.Register(e)
	return e
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string, readTimeout time.Duration) error {
	s.log.Info("Starting HTTP server", "addr", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			if readTimeout > 0 {
				srv.ReadHeaderTimeout = readTimeout
			}
			return nil
		},
	}
	return sc.Start(ctx, s.Echo())
}
