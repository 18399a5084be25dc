package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/Zarpien06/Software-FPC/internal/metrics"
)

const (
	cmdBufferSize = 256
	pubBufferSize = 256
)

// Member is one entry of a presence snapshot.
type Member struct {
	UserID       int64  `json:"user_id"`
	UserName     string `json:"user_name"`
	UserRole     string `json:"user_role"`
	ConnectedAt  string `json:"connected_at"`
	LastActivity string `json:"last_activity"`
	IsActive     bool   `json:"is_active"`
}

// Stats is a point-in-time diagnostic snapshot. JSON keys match the stats
// payload the workshop frontend already consumes.
type Stats struct {
	TotalConnections int           `json:"total_connections"`
	ActiveRooms      int           `json:"active_chats"`
	PerRoom          map[int64]int `json:"chats"`
}

// EventSink receives every room-scoped event the registry broadcasts locally,
// for cross-instance fan-out. Implementations must not block.
type EventSink interface {
	PublishRoomEvent(roomID int64, tipo string, payload []byte)
}

// --- Command types ---

type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type connectCmd struct {
	baseRegistryCmd
	conn         *Conn
	errorChannel chan error
}

type disconnectCmd struct {
	baseRegistryCmd
	conn   *Conn
	reason string
}

type broadcastRoomCmd struct {
	baseRegistryCmd
	roomID        int64
	excludeUserID int64
	tipo          string
	data          []byte
	republish     bool
}

type broadcastUserCmd struct {
	baseRegistryCmd
	userID int64
	tipo   string
	data   []byte
}

type membersCmd struct {
	baseRegistryCmd
	roomID       int64
	replyChannel chan []Member
}

type statsCmd struct {
	baseRegistryCmd
	replyChannel chan Stats
}

type snapshotCmd struct {
	baseRegistryCmd
	replyChannel chan []*Conn
}

type closeCmd struct {
	baseRegistryCmd
}

// publishJob is one event queued for the relay sink.
type publishJob struct {
	roomID int64
	tipo   string
	data   []byte
}

// Registry owns every live Connection and both presence indices. A single
// goroutine processes commands, so the room index and the reverse index are
// never observed in a torn state.
type Registry struct {
	cmdCh      chan registryCmd
	clock      clockwork.Clock
	rooms      map[int64]map[*Conn]struct{}
	byConn     map[*Conn]int64
	maxPerRoom int
	sink       EventSink
	pubCh      chan publishJob
	doneCh     chan struct{}
	closed     atomic.Bool
}

// NewRegistry creates the registry and starts its actor goroutine. sink may
// be nil for single-instance deployments.
func NewRegistry(clock clockwork.Clock, maxPerRoom int, sink EventSink) *Registry {
	r := &Registry{
		cmdCh:      make(chan registryCmd, cmdBufferSize),
		clock:      clock,
		rooms:      make(map[int64]map[*Conn]struct{}),
		byConn:     make(map[*Conn]int64),
		maxPerRoom: maxPerRoom,
		sink:       sink,
		doneCh:     make(chan struct{}),
	}
	if sink != nil {
		r.pubCh = make(chan publishJob, pubBufferSize)
		go r.publishLoop()
	}
	go r.run()
	return r
}

// Connect registers an accepted socket under the given room and identity and
// returns its handle. It fails only when the room is at capacity or the
// registry is shutting down; in both cases the socket is closed.
func (r *Registry) Connect(socket Socket, roomID int64, identity Identity) (*Conn, error) {
	conn := newConn(socket, roomID, identity, r.clock)
	if r.closed.Load() {
		_ = socket.Close()
		return nil, fmt.Errorf("registry closed")
	}
	errCh := make(chan error, 1)
	r.cmdCh <- connectCmd{conn: conn, errorChannel: errCh}
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
		return conn, nil
	case <-r.doneCh:
		_ = socket.Close()
		return nil, fmt.Errorf("registry closed")
	}
}

// Disconnect removes the handle from both indices, closes the socket, and
// notifies the room. Disconnecting an unknown or already-removed handle is a
// no-op; races here are expected.
func (r *Registry) Disconnect(conn *Conn, reason string) {
	if conn == nil || r.closed.Load() {
		return
	}
	r.cmdCh <- disconnectCmd{conn: conn, reason: reason}
}

// BroadcastToRoom delivers an event to every live connection in the room.
func (r *Registry) BroadcastToRoom(roomID int64, event Event) {
	r.broadcastRoom(roomID, 0, event, true)
}

// BroadcastToRoomExcept delivers an event to every live connection in the
// room except those owned by excludeUserID.
func (r *Registry) BroadcastToRoomExcept(roomID, excludeUserID int64, event Event) {
	r.broadcastRoom(roomID, excludeUserID, event, true)
}

// deliverRelayed performs a local-only broadcast for an event that arrived
// over the relay backbone. It never republishes, preventing delivery loops.
func (r *Registry) deliverRelayed(roomID int64, tipo string, payload []byte) {
	if r.closed.Load() {
		return
	}
	r.cmdCh <- broadcastRoomCmd{roomID: roomID, tipo: tipo, data: payload, republish: false}
}

func (r *Registry) broadcastRoom(roomID, excludeUserID int64, event Event, republish bool) {
	if r.closed.Load() {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal broadcast event", "tipo", event.EventType(), "error", err)
		return
	}
	r.cmdCh <- broadcastRoomCmd{
		roomID:        roomID,
		excludeUserID: excludeUserID,
		tipo:          event.EventType(),
		data:          data,
		republish:     republish,
	}
}

// BroadcastToUser delivers an event to every connection of a user across all
// rooms, for notifications that are not room-scoped.
func (r *Registry) BroadcastToUser(userID int64, event Event) {
	if r.closed.Load() {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal user event", "tipo", event.EventType(), "error", err)
		return
	}
	r.cmdCh <- broadcastUserCmd{userID: userID, tipo: event.EventType(), data: data}
}

// SendTo delivers an event to a single connection. A failed send degrades to
// disconnecting that connection, never to an error for the caller.
func (r *Registry) SendTo(conn *Conn, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal event", "tipo", event.EventType(), "error", err)
		return
	}
	if err := conn.enqueue(data); err != nil {
		slog.Warn("Dropping slow connection", "user_id", conn.UserID(), "chat_id", conn.RoomID())
		metrics.SlowClientsEvicted.Inc()
		r.Disconnect(conn, ReasonConnectionBroken)
	}
}

// NotifyRoom broadcasts a system_notification frame to a room on behalf of
// the backend (status changes, assignments).
func (r *Registry) NotifyRoom(roomID int64, message, notificationType string) {
	r.BroadcastToRoom(roomID, NewSystemNotificationEvent(message, notificationType, r.clock.Now()))
}

// ListRoomMembers returns a point-in-time snapshot of a room's presence.
func (r *Registry) ListRoomMembers(roomID int64) []Member {
	if r.closed.Load() {
		return []Member{}
	}
	replyCh := make(chan []Member, 1)
	r.cmdCh <- membersCmd{roomID: roomID, replyChannel: replyCh}
	select {
	case members := <-replyCh:
		return members
	case <-r.doneCh:
		return []Member{}
	}
}

// Stats returns a point-in-time snapshot of connection counts.
func (r *Registry) Stats() Stats {
	if r.closed.Load() {
		return Stats{PerRoom: map[int64]int{}}
	}
	replyCh := make(chan Stats, 1)
	r.cmdCh <- statsCmd{replyChannel: replyCh}
	select {
	case stats := <-replyCh:
		return stats
	case <-r.doneCh:
		return Stats{PerRoom: map[int64]int{}}
	}
}

// snapshot returns all live connections. The reaper acts on this copy rather
// than iterating shared state.
func (r *Registry) snapshot() []*Conn {
	if r.closed.Load() {
		return nil
	}
	replyCh := make(chan []*Conn, 1)
	r.cmdCh <- snapshotCmd{replyChannel: replyCh}
	select {
	case conns := <-replyCh:
		return conns
	case <-r.doneCh:
		return nil
	}
}

// Close shuts the registry down, closing every socket. Blocks until the actor
// goroutine has exited.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.cmdCh <- closeCmd{}
	<-r.doneCh
}

func (r *Registry) run() {
	defer close(r.doneCh)
	for cmd := range r.cmdCh {
		switch c := cmd.(type) {
		case connectCmd:
			r.handleConnect(c)
		case disconnectCmd:
			r.handleDisconnect(c.conn, c.reason)
		case broadcastRoomCmd:
			r.handleBroadcastRoom(c)
		case broadcastUserCmd:
			r.handleBroadcastUser(c)
		case membersCmd:
			c.replyChannel <- r.roomMembers(c.roomID)
		case statsCmd:
			c.replyChannel <- r.stats()
		case snapshotCmd:
			c.replyChannel <- r.allConns()
		case closeCmd:
			r.handleClose()
			return
		default:
			slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (r *Registry) handleConnect(c connectCmd) {
	conn := c.conn
	room := r.rooms[conn.roomID]

	if len(room) >= r.maxPerRoom {
		slog.Warn("Rejecting connection: room at capacity",
			"chat_id", conn.roomID, "user_id", conn.userID, "max", r.maxPerRoom)
		_ = conn.socket.Close()
		c.errorChannel <- fmt.Errorf("room %d at capacity (%d)", conn.roomID, r.maxPerRoom)
		return
	}

	// Announce to existing members first, then register, then send the
	// presence snapshot. The snapshot therefore never includes the
	// connection it is sent to.
	now := r.clock.Now()
	connected := NewUserConnectedEvent(conn.userID, conn.userName, conn.userRole, now)
	if data, ok := r.encode(connected); ok {
		r.fanOut(conn.roomID, conn.userID, connected.EventType(), data)
		r.republish(conn.roomID, connected.EventType(), data)
	}

	if room == nil {
		room = make(map[*Conn]struct{})
		r.rooms[conn.roomID] = room
	}
	room[conn] = struct{}{}
	r.byConn[conn] = conn.roomID
	conn.registered.Store(true)
	conn.startWriter(func(broken *Conn) {
		r.Disconnect(broken, ReasonConnectionBroken)
	})

	snapshot := NewActiveUsersEvent(r.roomMembersExcept(conn.roomID, conn), now)
	if data, ok := r.encode(snapshot); ok {
		if err := conn.enqueue(data); err != nil {
			// Freshly started writer with an empty buffer; unreachable
			// short of the socket dying mid-handshake.
			slog.Warn("Failed to queue presence snapshot", "user_id", conn.userID, "chat_id", conn.roomID)
		}
	}

	r.updateGauges()
	slog.Info("User connected", "user_id", conn.userID, "user_name", conn.userName, "chat_id", conn.roomID,
		"room_connections", len(room))
	c.errorChannel <- nil
}

func (r *Registry) handleDisconnect(conn *Conn, reason string) {
	roomID, ok := r.byConn[conn]
	if !ok {
		return
	}

	delete(r.byConn, conn)
	if room, exists := r.rooms[roomID]; exists {
		delete(room, conn)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
	conn.registered.Store(false)
	conn.stop()

	r.updateGauges()
	slog.Info("User disconnected", "user_id", conn.userID, "user_name", conn.userName,
		"chat_id", roomID, "reason", reason)

	disconnected := NewUserDisconnectedEvent(conn.userID, conn.userName, reason, r.clock.Now())
	if data, ok := r.encode(disconnected); ok {
		r.fanOut(roomID, 0, disconnected.EventType(), data)
		r.republish(roomID, disconnected.EventType(), data)
	}
}

func (r *Registry) handleBroadcastRoom(c broadcastRoomCmd) {
	r.fanOut(c.roomID, c.excludeUserID, c.tipo, c.data)
	if c.republish {
		r.republish(c.roomID, c.tipo, c.data)
	}
}

// fanOut delivers to the local members of a room, isolating per-connection
// failures: a broken or slow connection is collected and disconnected after
// the loop, never aborting delivery to the rest.
func (r *Registry) fanOut(roomID, excludeUserID int64, tipo string, data []byte) {
	room, exists := r.rooms[roomID]
	if !exists {
		return
	}

	var broken []*Conn
	for conn := range room {
		if excludeUserID != 0 && conn.userID == excludeUserID {
			continue
		}
		if err := conn.enqueue(data); err != nil {
			broken = append(broken, conn)
		}
	}
	metrics.BroadcastsTotal.WithLabelValues(tipo).Inc()

	for _, conn := range broken {
		slog.Warn("Dropping slow connection during broadcast",
			"user_id", conn.userID, "chat_id", roomID, "tipo", tipo)
		metrics.SlowClientsEvicted.Inc()
		r.handleDisconnect(conn, ReasonConnectionBroken)
	}
}

func (r *Registry) handleBroadcastUser(c broadcastUserCmd) {
	var broken []*Conn
	for conn := range r.byConn {
		if conn.userID != c.userID {
			continue
		}
		if err := conn.enqueue(c.data); err != nil {
			broken = append(broken, conn)
		}
	}
	metrics.BroadcastsTotal.WithLabelValues(c.tipo).Inc()

	for _, conn := range broken {
		metrics.SlowClientsEvicted.Inc()
		r.handleDisconnect(conn, ReasonConnectionBroken)
	}
}

// republish queues a locally-originated event for the relay sink. A single
// publisher goroutine drains the queue, so events reach the backbone in the
// order they were broadcast and a slow backbone never blocks the actor; when
// the queue overflows the event is dropped, same as any other relay failure.
func (r *Registry) republish(roomID int64, tipo string, data []byte) {
	if r.sink == nil {
		return
	}
	select {
	case r.pubCh <- publishJob{roomID: roomID, tipo: tipo, data: data}:
	default:
		metrics.RelayPublishFailures.Inc()
		slog.Warn("Relay queue full, dropping event", "chat_id", roomID, "tipo", tipo)
	}
}

// publishLoop owns all sink calls, serializing them the same way the
// per-connection writer serializes socket writes.
func (r *Registry) publishLoop() {
	for job := range r.pubCh {
		r.sink.PublishRoomEvent(job.roomID, job.tipo, job.data)
	}
}

func (r *Registry) handleClose() {
	total := len(r.byConn)
	for conn := range r.byConn {
		conn.registered.Store(false)
		conn.stop()
	}
	r.rooms = make(map[int64]map[*Conn]struct{})
	r.byConn = make(map[*Conn]int64)
	if r.pubCh != nil {
		// Only the actor sends on pubCh, so closing here is safe; the
		// publisher drains what is queued and exits.
		close(r.pubCh)
	}
	r.updateGauges()
	slog.Info("Registry closed", "disconnected_connections", total)
}

func (r *Registry) roomMembers(roomID int64) []Member {
	return r.roomMembersExcept(roomID, nil)
}

func (r *Registry) roomMembersExcept(roomID int64, skip *Conn) []Member {
	room, exists := r.rooms[roomID]
	if !exists {
		return []Member{}
	}
	members := make([]Member, 0, len(room))
	for conn := range room {
		if conn == skip {
			continue
		}
		members = append(members, Member{
			UserID:       conn.userID,
			UserName:     conn.userName,
			UserRole:     conn.userRole,
			ConnectedAt:  conn.connectedAt.Format(timeFormat),
			LastActivity: conn.LastActivity().Format(timeFormat),
			IsActive:     true,
		})
	}
	return members
}

func (r *Registry) stats() Stats {
	perRoom := make(map[int64]int, len(r.rooms))
	for roomID, room := range r.rooms {
		perRoom[roomID] = len(room)
	}
	return Stats{
		TotalConnections: len(r.byConn),
		ActiveRooms:      len(r.rooms),
		PerRoom:          perRoom,
	}
}

func (r *Registry) allConns() []*Conn {
	conns := make([]*Conn, 0, len(r.byConn))
	for conn := range r.byConn {
		conns = append(conns, conn)
	}
	return conns
}

func (r *Registry) encode(event Event) ([]byte, bool) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal event", "tipo", event.EventType(), "error", err)
		return nil, false
	}
	return data, true
}

func (r *Registry) updateGauges() {
	metrics.ActiveConnections.Set(float64(len(r.byConn)))
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
}
