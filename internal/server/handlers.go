package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Zarpien06/Software-FPC/internal/chat"
)

// Policy close codes understood by the frontend chat client.
const (
	closeCodeInternalError = 4000
	closeCodeInvalidToken  = 4001
	closeCodeAccessDenied  = 4003
)

const (
	roleAdmin        = "admin"
	readinessTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // frontend is served from a different origin
	},
}

// handleChatSocket upgrades the request and hands the connection to the
// registry. Auth happens after the upgrade so the client receives a policy
// close code instead of a bare HTTP error.
func (s *Server) handleChatSocket(c echo.Context) error {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		return c.String(http.StatusBadRequest, "chat_id inválido")
	}
	token := c.QueryParam("token")

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err, "chat_id", chatID)
		return nil
	}

	ctx := c.Request().Context()

	identity, err := s.tokens.ValidateToken(ctx, token)
	if err != nil {
		closeWithPolicy(ws, s.clock, closeCodeInvalidToken, "Token inválido o expirado")
		return nil
	}

	if identity.Role != roleAdmin {
		allowed, err := s.access.CanAccess(ctx, chatID, identity.UserID)
		if err != nil {
			slog.Error("Chat access check failed", "error", err, "chat_id", chatID, "user_id", identity.UserID)
			closeWithPolicy(ws, s.clock, closeCodeInternalError, "Error interno del servidor")
			return nil
		}
		if !allowed {
			closeWithPolicy(ws, s.clock, closeCodeAccessDenied, "Acceso denegado al chat")
			return nil
		}
	}

	conn, err := s.registry.Connect(newWSSocket(ws, s.clock), chatID, identity)
	if err != nil {
		slog.Warn("Connection rejected", "error", err, "chat_id", chatID, "user_id", identity.UserID)
		return nil
	}

	slog.Info("Websocket connected", "chat_id", chatID, "user_id", identity.UserID, "connection_id", conn.ID())

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		s.router.HandleFrame(ctx, conn, data)
	}

	s.registry.Disconnect(conn, chat.ReasonNormal)
	slog.Info("Websocket disconnected", "chat_id", chatID, "user_id", identity.UserID, "connection_id", conn.ID())
	return nil
}

// closeWithPolicy sends a close frame with an application close code, then
// tears the connection down.
func closeWithPolicy(ws *websocket.Conn, clock interface{ Now() time.Time }, code int, reason string) {
	deadline := clock.Now().Add(writeDeadline)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = ws.Close()
}

// handleParticipants returns the live members of a chat room. Requires the
// same token and membership checks as the socket itself.
func (s *Server) handleParticipants(c echo.Context) error {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "chat_id inválido"})
	}

	ctx := c.Request().Context()
	identity, err := s.tokens.ValidateToken(ctx, c.QueryParam("token"))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"detail": "Token inválido o expirado"})
	}

	if identity.Role != roleAdmin {
		allowed, err := s.access.CanAccess(ctx, chatID, identity.UserID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"detail": "Error interno del servidor"})
		}
		if !allowed {
			return c.JSON(http.StatusForbidden, map[string]string{"detail": "Acceso denegado al chat"})
		}
	}

	members := s.registry.ListRoomMembers(chatID)
	return c.JSON(http.StatusOK, map[string]any{
		"chat_id":       chatID,
		"participantes": members,
		"total_activos": len(members),
	})
}

// handleStats exposes connection counts across all rooms. Admin only.
func (s *Server) handleStats(c echo.Context) error {
	identity, err := s.tokens.ValidateToken(c.Request().Context(), c.QueryParam("token"))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"detail": "Token inválido o expirado"})
	}
	if identity.Role != roleAdmin {
		return c.JSON(http.StatusForbidden, map[string]string{"detail": "Se requiere rol de administrador"})
	}
	return c.JSON(http.StatusOK, s.registry.Stats())
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness probes every registered dependency and reports per-check
// status. Any failure yields 503.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.readiness))
	for name, check := range s.readiness {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	return c.JSON(status, map[string]any{
		"status": http.StatusText(status),
		"checks": checks,
	})
}
