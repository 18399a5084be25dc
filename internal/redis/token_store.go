package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Zarpien06/Software-FPC/internal/chat"
)

const tokenKeyPrefix = "auth:token:"

// TokenStore resolves auth tokens against the session records the CRUD
// backend writes at login. Implements chat.TokenValidator.
type TokenStore struct {
	rdb *goredis.Client
}

func NewTokenStore(client *Client) *TokenStore {
	return &TokenStore{rdb: client.rdb}
}

// ValidateToken looks up the identity stored under the token. Unknown or
// expired tokens return chat.ErrUnauthorized.
func (ts *TokenStore) ValidateToken(ctx context.Context, token string) (chat.Identity, error) {
	if token == "" {
		return chat.Identity{}, chat.ErrUnauthorized
	}

	val, err := ts.rdb.Get(ctx, tokenKeyPrefix+token).Result()
	if errors.Is(err, goredis.Nil) {
		return chat.Identity{}, chat.ErrUnauthorized
	}
	if err != nil {
		return chat.Identity{}, fmt.Errorf("failed to look up token: %w", err)
	}

	var identity chat.Identity
	if err := json.Unmarshal([]byte(val), &identity); err != nil {
		return chat.Identity{}, fmt.Errorf("malformed session record: %w", err)
	}
	if identity.UserID == 0 {
		return chat.Identity{}, chat.ErrUnauthorized
	}

	return identity, nil
}
