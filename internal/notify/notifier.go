// Package notify holds the offline notification hand-off. Actual delivery
// (push, email) belongs to the notification service, not the chat engine.
package notify

import (
	"context"
	"log/slog"
)

// LogNotifier records the hand-off and nothing else. It stands in until the
// notification service consumes these events directly.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) NotifyOffline(ctx context.Context, roomID, senderID int64, preview string) {
	slog.InfoContext(ctx, "Offline notification hand-off",
		"chat_id", roomID, "sender_id", senderID, "preview", preview)
}
