package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RoomAuthorizer checks chat membership: a room is accessible to the client
// and the mechanic of its service process. Implements chat.RoomAuthorizer;
// admin bypass happens at the handler, not here.
type RoomAuthorizer struct {
	pool *pgxpool.Pool
}

func NewRoomAuthorizer(pool *pgxpool.Pool) *RoomAuthorizer {
	return &RoomAuthorizer{pool: pool}
}

func (ra *RoomAuthorizer) CanAccess(ctx context.Context, roomID, userID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM chats
			WHERE id = $1 AND activo AND (cliente_id = $2 OR mecanico_id = $2)
		)`

	var allowed bool
	if err := ra.pool.QueryRow(ctx, query, roomID, userID).Scan(&allowed); err != nil {
		return false, fmt.Errorf("failed to check chat access: %w", err)
	}
	return allowed, nil
}
