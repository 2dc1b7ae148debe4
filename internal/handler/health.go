// Package handler serves the admin HTTP endpoints that sit beside the proxy
// listener.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"webproxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz answers liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of /proxy/status.
type statusResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ListenAddr   string `json:"listen_addr"`
	UserAgent    string `json:"user_agent"`
	MaxLineBytes int    `json:"max_line_bytes"`
	RateLimited  bool   `json:"rate_limited"`
}

// Status reports the running proxy's effective settings.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:       "ok",
		Version:      string(h.version),
		ListenAddr:   h.cfg.Server.Addr(),
		UserAgent:    h.cfg.Upstream.UserAgent,
		MaxLineBytes: h.cfg.Server.MaxLineBytes,
		RateLimited:  h.cfg.Server.RateLimit.Enabled,
	})
}
