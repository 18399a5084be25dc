package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Zarpien06/Software-FPC/internal/chat"
)

const deliveryBufferSize = 64

// PubSub implements the relay backbone (chat.Publisher and chat.Subscriber)
// on Redis Pub/Sub.
type PubSub struct {
	rdb *goredis.Client
}

// NewPubSub creates a new PubSub instance.
func NewPubSub(client *Client) *PubSub {
	return &PubSub{rdb: client.rdb}
}

// Publish sends a payload to a channel.
func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return ps.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe pattern-subscribes and streams deliveries until ctx is cancelled.
// The returned channel is closed when the subscription ends; deliveries that
// arrive faster than the receiver drains are dropped rather than allowed to
// back-pressure Redis.
func (ps *PubSub) Subscribe(ctx context.Context, pattern string) (<-chan chat.Delivery, error) {
	sub := ps.rdb.PSubscribe(ctx, pattern)

	// Force the subscription round-trip so a dead backbone fails here, not
	// silently in the pump goroutine.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to establish subscription: %w", err)
	}

	ch := make(chan chat.Delivery, deliveryBufferSize)
	go func() {
		defer close(ch)
		defer func() { _ = sub.Close() }()

		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- chat.Delivery{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					// Receiver is slow, drop.
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
