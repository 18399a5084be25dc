// Package metrics defines the Prometheus instruments of the chat engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry metrics
var (
	// ActiveConnections tracks currently registered websocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Currently registered chat connections",
		},
	)

	// ActiveRooms tracks rooms with at least one live connection.
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_rooms",
			Help: "Rooms with at least one live connection",
		},
	)

	// BroadcastsTotal counts broadcast operations by event type.
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broadcasts_total",
			Help: "Broadcast operations by event type",
		},
		[]string{"tipo"},
	)

	// SendFailuresTotal counts socket write failures.
	SendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_send_failures_total",
			Help: "Socket write failures, each evicting one connection",
		},
	)

	// SlowClientsEvicted counts connections dropped for not draining their
	// send buffer.
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_slow_clients_evicted_total",
			Help: "Connections evicted because their send buffer filled up",
		},
	)
)

// Router metrics
var (
	// FramesReceived counts inbound client frames by type.
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_frames_received_total",
			Help: "Inbound client frames by tipo",
		},
		[]string{"tipo"},
	)

	// RateLimitedFrames counts frames rejected by the per-connection limiter.
	RateLimitedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_rate_limited_frames_total",
			Help: "Inbound frames rejected by the per-connection rate limiter",
		},
	)
)

// Reaper metrics
var (
	// ReaperEvictions counts idle connections reclaimed by the reaper.
	ReaperEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_reaper_evictions_total",
			Help: "Idle connections evicted by the reaper",
		},
	)
)

// Relay metrics
var (
	// RelayPublished counts events republished onto the backbone.
	RelayPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_published_total",
			Help: "Room events published to the pub/sub backbone",
		},
	)

	// RelayReceived counts foreign events delivered locally.
	RelayReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_received_total",
			Help: "Room events received from other instances and delivered locally",
		},
	)

	// RelayPublishFailures counts best-effort publishes that were dropped.
	RelayPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_publish_failures_total",
			Help: "Relay publishes dropped due to backbone errors or open circuit",
		},
	)
)
