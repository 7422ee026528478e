package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"runtime"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-sessiond/internal/api"
	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/metrics"
	"github.com/23skdu/longbow-sessiond/internal/monitoring"
)

var metricsHandler = promhttp.Handler()

// handle records the outcome of fn and renders any error it returns.
func (s *Server) handle(op string, fn echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		err := fn(c)
		metrics.RecordRequest("http", op, err)
		if err != nil {
			return s.writeError(c, err)
		}
		return nil
	}
}

func (s *Server) writeError(c *echo.Context, err error) error {
	status, code := api.Classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "path", c.Request().URL.Path, "code", code, "error", err)
	} else {
		s.log.Debug("Request rejected", "path", c.Request().URL.Path, "code", code, "error", err)
	}
	return c.JSON(status, api.ErrorResponse{Error: err.Error(), Code: code})
}

// decode reads a JSON body into T. An empty body yields the zero value.
func decode[T any](c *echo.Context) (T, error) {
	var v T
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return v, fmt.Errorf("%w: read body: %v", engine.ErrInvalidArgument, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("%w: %v", engine.ErrInvalidArgument, err)
	}
	return v, nil
}

func (s *Server) handleLoadModel(c *echo.Context) error {
	req, err := decode[api.LoadRequest](c)
	if err != nil {
		return err
	}
	p := req.Params(s.cfg.Model)
	if p.Path == "" {
		return fmt.Errorf("%w: path is required", engine.ErrInvalidArgument)
	}
	if p.Path, err = s.cfg.ResolveModel(p.Path); err != nil {
		return err
	}
	if err := s.sess.LoadModel(c.Request().Context(), p); err != nil {
		s.health.AddAlert("error", "model", err.Error())
		return err
	}
	info, _ := s.sess.ModelInfo()
	return c.JSON(http.StatusOK, api.LoadResponse{Loaded: true, Path: p.Path, Info: info})
}

func (s *Server) handleModelInfo(c *echo.Context) error {
	info, ok := s.sess.ModelInfo()
	if !ok {
		return engine.ErrNotLoaded
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleUnloadModel(c *echo.Context) error {
	s.sess.UnloadModel()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decode[api.GenerateRequest](c)
	if err != nil {
		return err
	}
	cfg, maxTokens := req.Sampling(s.cfg.Sampling)
	res, err := s.sess.Generate(c.Request().Context(), req.Prompt, cfg, maxTokens)
	s.health.RecordInference(res.TokenCount, res.Duration, err)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, api.NewGenerateResponse(res))
}

type streamSummary struct {
	Done bool `json:"done"`
	api.GenerateResponse
}

// handleGenerateStream sends each token as a server-sent event while the
// generation runs, then a summary event.
func (s *Server) handleGenerateStream(c *echo.Context) error {
	req, err := decode[api.GenerateRequest](c)
	if err != nil {
		return err
	}
	cfg, maxTokens := req.Sampling(s.cfg.Sampling)

	ctx := c.Request().Context()
	w := newSSEWriter(c.Response())
	res, err := s.sess.GenerateFunc(ctx, req.Prompt, cfg, maxTokens, func(tok engine.Token) bool {
		if ctx.Err() != nil {
			return false
		}
		return w.send(api.TokenEvent{Index: tok.Index, Token: tok.Piece, TokenID: tok.ID}) == nil
	})
	s.health.RecordInference(res.TokenCount, res.Duration, err)
	if err != nil {
		if !w.started {
			return err
		}
		_, code := api.Classify(err)
		return w.send(api.ErrorResponse{Error: err.Error(), Code: code})
	}
	return w.send(streamSummary{Done: true, GenerateResponse: api.NewGenerateResponse(res)})
}

func (s *Server) handleStreamStart(c *echo.Context) error {
	req, err := decode[api.GenerateRequest](c)
	if err != nil {
		return err
	}
	cfg, maxTokens := req.Sampling(s.cfg.Sampling)
	if err := s.sess.StreamStart(c.Request().Context(), req.Prompt, cfg, maxTokens); err != nil {
		return err
	}
	res := s.sess.StreamResult()
	s.health.RecordInference(res.TokenCount, res.Duration, nil)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStreamNext(c *echo.Context) error {
	piece, ok := s.sess.StreamNext()
	return c.JSON(http.StatusOK, api.StreamNextResponse{Token: piece, Done: !ok})
}

func (s *Server) handleStreamState(c *echo.Context) error {
	return c.JSON(http.StatusOK, api.StreamStatus{State: s.sess.StreamState().String()})
}

func (s *Server) handleStreamEnd(c *echo.Context) error {
	s.sess.StreamEnd()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStop(c *echo.Context) error {
	s.sess.StopGeneration()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAlerts(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.health.Alerts())
}

func (s *Server) handleClearAlerts(c *echo.Context) error {
	s.health.ClearAlerts()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHealthz(c *echo.Context) error {
	return c.String(http.StatusOK, "OK\n")
}

// handleReadyz reports ready once a model is loaded.
func (s *Server) handleReadyz(c *echo.Context) error {
	if !s.sess.Loaded() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": engine.ErrNotLoaded.Error()})
	}
	return c.String(http.StatusOK, "Ready\n")
}

func (s *Server) handleHealth(c *echo.Context) error {
	status := s.health.Snapshot(monitoring.SessionInfo(s.sess))
	code := http.StatusOK
	if status.Status == monitoring.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

type versionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

func (s *Server) handleVersion(c *echo.Context) error {
	return c.JSON(http.StatusOK, versionInfo{Version: s.cfg.Version, GoVersion: runtime.Version()})
}

func handleMetrics(c *echo.Context) error {
	metricsHandler.ServeHTTP(c.Response(), c.Request())
	return nil
}

// sseWriter writes server-sent events. Headers go out with the first event.
type sseWriter struct {
	w       http.ResponseWriter
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w}
}

func (s *sseWriter) send(v any) error {
	if !s.started {
		h := s.w.Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
