package chat

import "time"

// Wire vocabulary. The frontend predates this service, so the Spanish event
// names and the "tipo" discriminator are part of the protocol.
const (
	EventPing               = "ping"
	EventPong               = "pong"
	EventTyping             = "typing"
	EventStopTyping         = "stop_typing"
	EventMessageRead        = "message_read"
	EventChatMessage        = "chat_message"
	EventUserConnected      = "user_connected"
	EventUserDisconnected   = "user_disconnected"
	EventActiveUsers        = "active_users"
	EventUserTyping         = "user_typing"
	EventUserStopTyping     = "user_stop_typing"
	EventNuevoMensaje       = "nuevo_mensaje"
	EventSystemNotification = "system_notification"
	EventError              = "error"
)

// Disconnect reasons carried in user_disconnected frames.
const (
	ReasonNormal           = "normal"
	ReasonConnectionBroken = "connection_broken"
	ReasonTimeout          = "timeout"
	ReasonShutdown         = "server_shutdown"
	ReasonUnauthorized     = "unauthorized"
)

// Event is any server-to-client frame.
type Event interface{ EventType() string }

// timeFormat is the wall-clock format carried by every server frame.
const timeFormat = time.RFC3339

type baseEvent struct {
	Tipo      string `json:"tipo"`
	Timestamp string `json:"timestamp"`
}

func (e baseEvent) EventType() string { return e.Tipo }

func newBase(tipo string, now time.Time) baseEvent {
	return baseEvent{Tipo: tipo, Timestamp: now.Format(timeFormat)}
}

// UserConnectedEvent announces a new room member to everyone already present.
type UserConnectedEvent struct {
	baseEvent
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	UserRole string `json:"user_role"`
}

func NewUserConnectedEvent(userID int64, name, role string, now time.Time) UserConnectedEvent {
	return UserConnectedEvent{baseEvent: newBase(EventUserConnected, now), UserID: userID, UserName: name, UserRole: role}
}

// UserDisconnectedEvent announces that a member left and why.
type UserDisconnectedEvent struct {
	baseEvent
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	Reason   string `json:"reason"`
}

func NewUserDisconnectedEvent(userID int64, name, reason string, now time.Time) UserDisconnectedEvent {
	return UserDisconnectedEvent{baseEvent: newBase(EventUserDisconnected, now), UserID: userID, UserName: name, Reason: reason}
}

// ActiveUsersEvent is the presence snapshot sent to a freshly connected client.
type ActiveUsersEvent struct {
	baseEvent
	Usuarios []Member `json:"usuarios"`
}

func NewActiveUsersEvent(members []Member, now time.Time) ActiveUsersEvent {
	if members == nil {
		members = []Member{}
	}
	return ActiveUsersEvent{baseEvent: newBase(EventActiveUsers, now), Usuarios: members}
}

// TypingEvent covers both user_typing and user_stop_typing.
type TypingEvent struct {
	baseEvent
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}

func NewTypingEvent(tipo string, userID int64, name string, now time.Time) TypingEvent {
	return TypingEvent{baseEvent: newBase(tipo, now), UserID: userID, UserName: name}
}

// MessagePayload is the canonical persisted message inside a nuevo_mensaje
// frame. ID and CreatedAt come from the store, never from the client.
type MessagePayload struct {
	ID              int64  `json:"id"`
	Contenido       string `json:"contenido"`
	TipoMensaje     string `json:"tipo_mensaje"`
	RemitenteID     int64  `json:"remitente_id"`
	RemitenteNombre string `json:"remitente_nombre"`
	CreatedAt       string `json:"created_at"`
	ArchivoURL      string `json:"archivo_url,omitempty"`
}

type NuevoMensajeEvent struct {
	baseEvent
	ChatID  int64          `json:"chat_id"`
	Mensaje MessagePayload `json:"mensaje"`
}

func NewNuevoMensajeEvent(chatID int64, msg MessagePayload, now time.Time) NuevoMensajeEvent {
	return NuevoMensajeEvent{baseEvent: newBase(EventNuevoMensaje, now), ChatID: chatID, Mensaje: msg}
}

// MessageReadEvent propagates a read receipt to the rest of the room.
type MessageReadEvent struct {
	baseEvent
	MensajeID int64 `json:"mensaje_id"`
	UserID    int64 `json:"user_id"`
}

func NewMessageReadEvent(mensajeID, userID int64, now time.Time) MessageReadEvent {
	return MessageReadEvent{baseEvent: newBase(EventMessageRead, now), MensajeID: mensajeID, UserID: userID}
}

type PongEvent struct {
	baseEvent
}

func NewPongEvent(now time.Time) PongEvent {
	return PongEvent{baseEvent: newBase(EventPong, now)}
}

// SystemNotificationEvent is a room-wide informational frame from the backend
// itself (status changes, assignments), not from any member.
type SystemNotificationEvent struct {
	baseEvent
	Mensaje          string `json:"mensaje"`
	NotificationType string `json:"notification_type"`
}

func NewSystemNotificationEvent(message, notificationType string, now time.Time) SystemNotificationEvent {
	if notificationType == "" {
		notificationType = "info"
	}
	return SystemNotificationEvent{baseEvent: newBase(EventSystemNotification, now), Mensaje: message, NotificationType: notificationType}
}

// ErrorEvent is sent to a single client; it never terminates the session on
// its own.
type ErrorEvent struct {
	baseEvent
	Mensaje string `json:"mensaje"`
}

func NewErrorEvent(message string, now time.Time) ErrorEvent {
	return ErrorEvent{baseEvent: newBase(EventError, now), Mensaje: message}
}

// ClientFrame is the superset of fields a client may send. Tipo selects the
// action; the rest are read per-type by the router.
type ClientFrame struct {
	Tipo        string `json:"tipo"`
	MensajeID   int64  `json:"mensaje_id,omitempty"`
	Contenido   string `json:"contenido,omitempty"`
	TipoMensaje string `json:"tipo_mensaje,omitempty"`
	ArchivoURL  string `json:"archivo_url,omitempty"`
}
