package chat

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/Zarpien06/Software-FPC/internal/metrics"
)

const (
	sendBufferSize = 32

	// Inbound frame budget per connection. Typing indicators are the
	// chattiest legitimate traffic; 10/s with a burst of 20 leaves room.
	inboundRatePerSecond = 10
	inboundBurst         = 20
)

var errSendBufferFull = errors.New("send buffer full")

// Socket is the transport capability the engine needs from an accepted
// connection. The gorilla adapter lives in internal/server; tests use
// in-memory fakes.
type Socket interface {
	WriteMessage(data []byte) error
	Close() error
}

// Conn is one accepted duplex channel bound to a user and a room. It is the
// opaque handle the registry hands out; all exported state is read-only after
// construction except the activity timestamp.
type Conn struct {
	id          uuid.UUID
	socket      Socket
	userID      int64
	userName    string
	userRole    string
	roomID      int64
	connectedAt time.Time
	clock       clockwork.Clock
	limiter     *rate.Limiter

	sendCh       chan []byte
	doneCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	registered   atomic.Bool
	onWriteError func(*Conn)

	mu           sync.Mutex
	lastActivity time.Time
}

func newConn(socket Socket, roomID int64, identity Identity, clock clockwork.Clock) *Conn {
	now := clock.Now()
	return &Conn{
		id:           uuid.New(),
		socket:       socket,
		userID:       identity.UserID,
		userName:     identity.Name,
		userRole:     identity.Role,
		roomID:       roomID,
		connectedAt:  now,
		clock:        clock,
		limiter:      rate.NewLimiter(inboundRatePerSecond, inboundBurst),
		sendCh:       make(chan []byte, sendBufferSize),
		doneCh:       make(chan struct{}),
		lastActivity: now,
	}
}

func (c *Conn) ID() uuid.UUID          { return c.id }
func (c *Conn) UserID() int64          { return c.userID }
func (c *Conn) UserName() string       { return c.userName }
func (c *Conn) UserRole() string       { return c.userRole }
func (c *Conn) RoomID() int64          { return c.roomID }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Registered reports whether the connection is currently held by the
// registry. Frames arriving on an unregistered connection are a protocol
// violation.
func (c *Conn) Registered() bool { return c.registered.Load() }

// LastActivity returns the timestamp of the last inbound frame or successful
// outbound delivery.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Touch records activity, deferring idle eviction.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()
}

// startWriter launches the single writer goroutine that owns all socket
// writes for this connection.
func (c *Conn) startWriter(onWriteError func(*Conn)) {
	c.onWriteError = onWriteError
	c.wg.Add(1)
	go c.writeLoop()
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case data := <-c.sendCh:
			if err := c.socket.WriteMessage(data); err != nil {
				metrics.SendFailuresTotal.Inc()
				if c.onWriteError != nil {
					go c.onWriteError(c)
				}
				return
			}
			c.Touch()
		case <-c.doneCh:
			return
		}
	}
}

// enqueue hands a frame to the writer without blocking. A full buffer means
// the peer is not draining its socket and reports errSendBufferFull.
func (c *Conn) enqueue(data []byte) error {
	select {
	case c.sendCh <- data:
		return nil
	case <-c.doneCh:
		return errSendBufferFull
	default:
		return errSendBufferFull
	}
}

// stop terminates the writer and closes the underlying socket. Safe to call
// more than once.
func (c *Conn) stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)
		_ = c.socket.Close()
	})
	c.wg.Wait()
}
