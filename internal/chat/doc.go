// Package chat implements the live chat connection engine: the connection
// registry with per-room presence, the inbound frame router, the idle
// connection reaper, and the optional cross-instance event relay.
//
// The registry is an actor: a single goroutine owns the room membership index
// and the reverse index together, and all mutation flows through its command
// channel. Outbound socket writes are serialized through one buffered writer
// goroutine per connection, so a slow or blocked peer is evicted instead of
// stalling a broadcast.
package chat
