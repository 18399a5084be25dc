package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/Zarpien06/Software-FPC/internal/metrics"
)

const (
	relayChannelPrefix = "chat:events:"
	relayPattern       = relayChannelPrefix + "*"
	publishTimeout     = 2 * time.Second
)

// Publisher and Subscriber are the capability interfaces of the shared
// pub/sub backbone. The redis adapter implements both; single-instance
// deployments run without a relay at all.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Delivery is one message received from a subscribed channel.
type Delivery struct {
	Channel string
	Payload []byte
}

// Subscriber subscribes to a channel pattern. The returned channel is closed
// when ctx is cancelled or the subscription breaks.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string) (<-chan Delivery, error)
}

func relayChannel(roomID int64) string {
	return fmt.Sprintf("%s%d", relayChannelPrefix, roomID)
}

// relayEnvelope wraps a room event for cross-instance transport. Origin tags
// the publishing instance so it can drop its own events on receipt.
type relayEnvelope struct {
	RoomID int64           `json:"chat_id"`
	Tipo   string          `json:"tipo"`
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// Relay republishes locally-broadcast room events onto the backbone and
// delivers externally-published events to locally-connected members.
// Cross-instance fan-out is best-effort: backbone failures are logged and
// counted, never surfaced to clients or allowed to block local delivery.
type Relay struct {
	publisher  Publisher
	subscriber Subscriber
	origin     uuid.UUID
	breaker    *gobreaker.CircuitBreaker
}

// NewRelay creates a relay with a fresh instance identity. Wire it into the
// registry as its EventSink and start Run in a goroutine.
func NewRelay(publisher Publisher, subscriber Subscriber) *Relay {
	origin := uuid.New()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "relay-publish",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Relay circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Relay{publisher: publisher, subscriber: subscriber, origin: origin, breaker: breaker}
}

// Origin returns this instance's identity tag.
func (rl *Relay) Origin() uuid.UUID { return rl.origin }

// PublishRoomEvent implements EventSink. Called by the registry after local
// fan-out, already off the actor goroutine.
func (rl *Relay) PublishRoomEvent(roomID int64, tipo string, payload []byte) {
	env := relayEnvelope{RoomID: roomID, Tipo: tipo, Origin: rl.origin.String(), Event: payload}
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to marshal relay envelope", "chat_id", roomID, "tipo", tipo, "error", err)
		return
	}

	_, err = rl.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		return nil, rl.publisher.Publish(ctx, relayChannel(roomID), data)
	})
	if err != nil {
		metrics.RelayPublishFailures.Inc()
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Debug("Relay publish skipped, circuit open", "chat_id", roomID, "tipo", tipo)
		} else {
			slog.Warn("Relay publish failed", "chat_id", roomID, "tipo", tipo, "error", err)
		}
		return
	}
	metrics.RelayPublished.Inc()
}

// Run subscribes to all room event channels and delivers foreign events to
// the local registry. Blocks until ctx is cancelled. Events tagged with this
// instance's origin are dropped, never redelivered or republished.
func (rl *Relay) Run(ctx context.Context, registry *Registry) error {
	deliveries, err := rl.subscriber.Subscribe(ctx, relayPattern)
	if err != nil {
		return fmt.Errorf("subscribe to relay channels: %w", err)
	}
	slog.Info("Relay subscribed", "pattern", relayPattern, "origin", rl.origin.String())

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			rl.handleDelivery(registry, d)
		}
	}
}

func (rl *Relay) handleDelivery(registry *Registry, d Delivery) {
	var env relayEnvelope
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		slog.Warn("Discarding malformed relay event", "channel", d.Channel, "error", err)
		return
	}
	if env.Origin == rl.origin.String() {
		return
	}
	metrics.RelayReceived.Inc()
	registry.deliverRelayed(env.RoomID, env.Tipo, env.Event)
}
