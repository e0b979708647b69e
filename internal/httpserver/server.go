// Package httpserver assembles the backend's HTTP surface: the admin and
// sessions API, the agent endpoints both transport bindings join, health and
// metrics.
package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chadiek/live-demo/internal/api"
	authmw "github.com/chadiek/live-demo/internal/middleware"
)

// Paths the agent endpoints are served on.
const (
	AgentRTCPath    = "/agent/rtc"
	AgentSocketPath = "/agent/socket"
)

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	API         *api.Handlers
	Health      Pinger
	AdminToken  string
	RTCAgent    http.Handler
	SocketAgent http.Handler
}

// New constructs the HTTP server with routes.
func New(d Deps) *echo.Echo {
	e := NewRouter()
	e.Use(authmw.AdminAuth(func() string { return d.AdminToken }, public))

	e.GET("/healthz", func(c echo.Context) error {
		if d.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := d.Health.Ping(ctx); err != nil {
				return c.String(http.StatusServiceUnavailable, "store unavailable")
			}
		}
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if d.RTCAgent != nil {
		e.GET(AgentRTCPath, echo.WrapHandler(d.RTCAgent))
	}
	if d.SocketAgent != nil {
		e.GET(AgentSocketPath, echo.WrapHandler(d.SocketAgent))
	}
	if d.API != nil {
		d.API.Register(e)
	}
	return e
}

// public reports paths that bypass the admin token. Agent endpoints check
// session tokens themselves.
func public(path string) bool {
	return path == "/healthz" || path == "/metrics" || strings.HasPrefix(path, "/agent/")
}
