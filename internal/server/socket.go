package server

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const writeDeadline = 5 * time.Second

// wsSocket adapts a gorilla websocket connection to chat.Socket. Writes are
// serialized by the connection writer goroutine, so no locking here.
type wsSocket struct {
	conn  *websocket.Conn
	clock clockwork.Clock
}

func newWSSocket(conn *websocket.Conn, clock clockwork.Clock) *wsSocket {
	return &wsSocket{conn: conn, clock: clock}
}

func (s *wsSocket) WriteMessage(data []byte) error {
	_ = s.conn.SetWriteDeadline(s.clock.Now().Add(writeDeadline))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}
