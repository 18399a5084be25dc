package chat

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized is returned by TokenValidator for tokens that do not
// resolve to a user.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the already-validated user handed to the engine. The engine
// never sees raw credentials beyond the opaque token.
type Identity struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"nombre"`
	Role   string `json:"role"`
}

// TokenValidator resolves an auth token to an identity before any Connection
// is created.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Identity, error)
}

// RoomAuthorizer decides whether a user may join a room. The workshop backend
// scopes chats to the client and mechanic of a service process, plus admins.
type RoomAuthorizer interface {
	CanAccess(ctx context.Context, roomID, userID int64) (bool, error)
}

// StoredMessage is the canonical record returned by the persistence
// collaborator; broadcasts always carry these values, not client-supplied
// ones.
type StoredMessage struct {
	ID        int64
	CreatedAt time.Time
}

// MessageStore durably stores chat messages and read receipts. Persistence
// happens before broadcast so every recipient sees the persisted id and
// timestamp.
type MessageStore interface {
	PersistMessage(ctx context.Context, roomID, senderID int64, content, messageType, attachmentURL string) (StoredMessage, error)
	MarkMessageRead(ctx context.Context, messageID, readerID int64) (bool, error)
}

// OfflineNotifier is the fire-and-forget hand-off for recipients with no live
// connection. Delivery (push, email) is outside the engine.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, roomID, senderID int64, preview string)
}
