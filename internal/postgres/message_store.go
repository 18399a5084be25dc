package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Zarpien06/Software-FPC/internal/chat"
)

// MessageStore persists chat messages and read receipts. Implements
// chat.MessageStore. Column names follow the existing workshop schema.
type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// PersistMessage stores a message and returns the id and timestamp the
// database assigned. Broadcasts must use these, never client-supplied values.
func (ms *MessageStore) PersistMessage(ctx context.Context, roomID, senderID int64, content, messageType, attachmentURL string) (chat.StoredMessage, error) {
	const query = `
		INSERT INTO chat (chat_id, remitente_id, mensaje, tipo_id, archivo_url)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING mensaje_id, fecha_envio`

	var stored chat.StoredMessage
	err := ms.pool.QueryRow(ctx, query, roomID, senderID, content, messageType, attachmentURL).
		Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("failed to persist message: %w", err)
	}
	return stored, nil
}

// MarkMessageRead marks a message as read by someone other than its sender.
// Returns false when the message does not exist or the reader is the sender.
func (ms *MessageStore) MarkMessageRead(ctx context.Context, messageID, readerID int64) (bool, error) {
	const query = `
		UPDATE chat
		SET leido = TRUE, leido_at = NOW()
		WHERE mensaje_id = $1 AND remitente_id <> $2`

	tag, err := ms.pool.Exec(ctx, query, messageID, readerID)
	if err != nil {
		return false, fmt.Errorf("failed to mark message read: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
