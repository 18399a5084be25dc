package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Zarpien06/Software-FPC/internal/metrics"
)

const (
	persistTimeout = 5 * time.Second
	previewLength  = 80

	defaultMessageType = "texto"
)

// Client-facing error messages, matching the vocabulary the frontend expects.
const (
	msgInvalidFormat   = "Formato de mensaje inválido"
	msgUnauthorized    = "Conexión no autorizada"
	msgInternalError   = "Error interno del servidor"
	msgEmptyMessage    = "El mensaje no puede estar vacío"
	msgRateLimited     = "Demasiados mensajes, espera un momento"
	msgUnknownType     = "Tipo de evento no soportado"
	msgMissingMensaje  = "mensaje_id requerido"
	msgMensajeNotFound = "Mensaje no encontrado"
)

// Router decodes inbound client frames and turns them into registry
// broadcasts or persistence hand-offs. Frames are stateless; the connection
// itself has no state machine beyond live/dead.
type Router struct {
	registry *Registry
	store    MessageStore
	notifier OfflineNotifier
	clock    clockwork.Clock
}

func NewRouter(registry *Registry, store MessageStore, notifier OfflineNotifier, clock clockwork.Clock) *Router {
	return &Router{registry: registry, store: store, notifier: notifier, clock: clock}
}

// HandleFrame processes one inbound frame from conn. Malformed input answers
// the sender with an error frame and leaves the connection open; only frames
// from unregistered connections force a disconnect.
func (rt *Router) HandleFrame(ctx context.Context, conn *Conn, data []byte) {
	conn.Touch()

	if !conn.Registered() {
		// Should be unreachable given Connect preconditions; treat as a
		// security boundary.
		rt.rejectUnregistered(conn)
		return
	}

	if !conn.limiter.Allow() {
		metrics.RateLimitedFrames.Inc()
		rt.registry.SendTo(conn, NewErrorEvent(msgRateLimited, rt.clock.Now()))
		return
	}

	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		rt.registry.SendTo(conn, NewErrorEvent(msgInvalidFormat, rt.clock.Now()))
		return
	}
	metrics.FramesReceived.WithLabelValues(frame.Tipo).Inc()

	switch frame.Tipo {
	case EventPing:
		rt.registry.SendTo(conn, NewPongEvent(rt.clock.Now()))
	case EventTyping:
		rt.registry.BroadcastToRoomExcept(conn.RoomID(), conn.UserID(),
			NewTypingEvent(EventUserTyping, conn.UserID(), conn.UserName(), rt.clock.Now()))
	case EventStopTyping:
		rt.registry.BroadcastToRoomExcept(conn.RoomID(), conn.UserID(),
			NewTypingEvent(EventUserStopTyping, conn.UserID(), conn.UserName(), rt.clock.Now()))
	case EventMessageRead:
		rt.handleMessageRead(ctx, conn, frame)
	case EventChatMessage:
		rt.handleChatMessage(ctx, conn, frame)
	default:
		rt.registry.SendTo(conn, NewErrorEvent(msgUnknownType, rt.clock.Now()))
	}
}

func (rt *Router) handleMessageRead(ctx context.Context, conn *Conn, frame ClientFrame) {
	if frame.MensajeID == 0 {
		rt.registry.SendTo(conn, NewErrorEvent(msgMissingMensaje, rt.clock.Now()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	marked, err := rt.store.MarkMessageRead(ctx, frame.MensajeID, conn.UserID())
	if err != nil {
		slog.Error("Failed to mark message read",
			"mensaje_id", frame.MensajeID, "user_id", conn.UserID(), "error", err)
		rt.registry.SendTo(conn, NewErrorEvent(msgInternalError, rt.clock.Now()))
		return
	}
	if !marked {
		rt.registry.SendTo(conn, NewErrorEvent(msgMensajeNotFound, rt.clock.Now()))
		return
	}

	rt.registry.BroadcastToRoomExcept(conn.RoomID(), conn.UserID(),
		NewMessageReadEvent(frame.MensajeID, conn.UserID(), rt.clock.Now()))
}

// handleChatMessage persists before broadcasting, so every recipient sees the
// canonical id and timestamp assigned by the store.
func (rt *Router) handleChatMessage(ctx context.Context, conn *Conn, frame ClientFrame) {
	if frame.Contenido == "" {
		rt.registry.SendTo(conn, NewErrorEvent(msgEmptyMessage, rt.clock.Now()))
		return
	}
	messageType := frame.TipoMensaje
	if messageType == "" {
		messageType = defaultMessageType
	}

	persistCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	stored, err := rt.store.PersistMessage(persistCtx, conn.RoomID(), conn.UserID(), frame.Contenido, messageType, frame.ArchivoURL)
	if err != nil {
		slog.Error("Failed to persist message",
			"chat_id", conn.RoomID(), "user_id", conn.UserID(), "error", err)
		rt.registry.SendTo(conn, NewErrorEvent(msgInternalError, rt.clock.Now()))
		return
	}

	payload := MessagePayload{
		ID:              stored.ID,
		Contenido:       frame.Contenido,
		TipoMensaje:     messageType,
		RemitenteID:     conn.UserID(),
		RemitenteNombre: conn.UserName(),
		CreatedAt:       stored.CreatedAt.Format(timeFormat),
		ArchivoURL:      frame.ArchivoURL,
	}
	rt.registry.BroadcastToRoomExcept(conn.RoomID(), conn.UserID(),
		NewNuevoMensajeEvent(conn.RoomID(), payload, rt.clock.Now()))

	if rt.notifier != nil {
		preview := frame.Contenido
		if runes := []rune(preview); len(runes) > previewLength {
			preview = string(runes[:previewLength])
		}
		go rt.notifier.NotifyOffline(context.WithoutCancel(ctx), conn.RoomID(), conn.UserID(), preview)
	}
}

// rejectUnregistered answers with an error frame and tears the socket down.
// The connection's writer is already stopped once the registry dropped it, so
// the direct write cannot interleave with broadcast traffic.
func (rt *Router) rejectUnregistered(conn *Conn) {
	slog.Warn("Frame from unregistered connection", "user_id", conn.UserID(), "chat_id", conn.RoomID())
	if data, err := json.Marshal(NewErrorEvent(msgUnauthorized, rt.clock.Now())); err == nil {
		_ = conn.socket.WriteMessage(data)
	}
	rt.registry.Disconnect(conn, ReasonUnauthorized)
	conn.stop()
}
