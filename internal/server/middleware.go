package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/23skdu/longbow-sessiond/internal/api"
)

const headerRequestID = "X-Request-ID"

var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(headerRequestID, id)
		c.Set("request_id", id)
		return next(c)
	}
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		r := c.Request()
		if quietPaths[r.URL.Path] {
			return next(c)
		}
		start := time.Now()
		err := next(c)
		s.log.Debug("HTTP request",
			"request_id", c.Response().Header().Get(headerRequestID),
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", r.RemoteAddr,
			"duration", time.Since(start),
			"error", err)
		return err
	}
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if len(s.cfg.APIKeys) == 0 {
			return next(c)
		}
		key := extractAPIKey(c.Request())
		if key == "" {
			return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "API key required", Code: "unauthorized"})
		}
		for _, k := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
				return next(c)
			}
		}
		return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "invalid API key", Code: "unauthorized"})
	}
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for _, scheme := range []string{"ApiKey ", "Bearer "} {
		if strings.HasPrefix(auth, scheme) {
			return strings.TrimPrefix(auth, scheme)
		}
	}
	return r.URL.Query().Get("api_key")
}
