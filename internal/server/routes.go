package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Live chat endpoints; paths match the existing frontend API client.
	s.echo.GET("/api/v1/chat/:chat_id/ws", s.handleChatSocket)
	s.echo.GET("/api/v1/chat/:chat_id/participantes", s.handleParticipants)
	s.echo.GET("/api/v1/chat/estadisticas/conexiones", s.handleStats)
}
