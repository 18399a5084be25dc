package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Zarpien06/Software-FPC/internal/metrics"
)

// Reaper periodically evicts connections whose inactivity exceeds the
// timeout. Transport-level close is not always observable (mobile clients
// going to background drop silently), so this is the only path that reclaims
// them.
type Reaper struct {
	registry *Registry
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
}

func NewReaper(registry *Registry, clock clockwork.Clock, interval, timeout time.Duration) *Reaper {
	return &Reaper{registry: registry, clock: clock, interval: interval, timeout: timeout}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := rp.clock.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			rp.sweep()
		}
	}
}

// sweep acts on a snapshot of the registry, so eviction-triggered mutation
// never races the iteration.
func (rp *Reaper) sweep() {
	now := rp.clock.Now()
	evicted := 0
	for _, conn := range rp.registry.snapshot() {
		if now.Sub(conn.LastActivity()) > rp.timeout {
			rp.registry.Disconnect(conn, ReasonTimeout)
			metrics.ReaperEvictions.Inc()
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("Reaped idle connections", "evicted", evicted, "timeout", rp.timeout)
	}
}
