// Package server exposes the chat engine over HTTP: the websocket upgrade
// endpoint, live presence/stats queries, and observability routes.
package server

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Zarpien06/Software-FPC/internal/chat"
	"github.com/Zarpien06/Software-FPC/internal/config"
)

// HealthCheck probes one dependency for the readiness endpoint.
type HealthCheck func(ctx context.Context) error

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	registry  *chat.Registry
	router    *chat.Router
	tokens    chat.TokenValidator
	access    chat.RoomAuthorizer
	clock     clockwork.Clock
	readiness map[string]HealthCheck
}

func NewServer(cfg *config.Config, registry *chat.Registry, router *chat.Router, tokens chat.TokenValidator, access chat.RoomAuthorizer, clock clockwork.Clock, readiness map[string]HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		config:    cfg,
		registry:  registry,
		router:    router,
		tokens:    tokens,
		access:    access,
		clock:     clock,
		readiness: readiness,
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
