package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

const sendBuffer = 256

// Conn is one live transport session. Role, room and the snapshot guard
// are only touched from the connection's read pump, or from a test that
// plays that part.
type Conn struct {
	ID     string
	Remote string
	ws     *websocket.Conn

	role         protocol.Role
	room         string
	snapshotSent bool

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewConn creates a connection with a buffered send channel. ws may be nil
// when the caller drains Send itself.
func NewConn(ws *websocket.Conn, role protocol.Role, remote string) *Conn {
	if _, ok := protocol.ParseRole(string(role)); !ok {
		role = protocol.RoleViewer
	}
	return &Conn{
		ID:     uuid.New().String(),
		Remote: remote,
		ws:     ws,
		role:   role,
		send:   make(chan []byte, sendBuffer),
	}
}

func (c *Conn) Role() protocol.Role { return c.role }
func (c *Conn) Room() string        { return c.room }

// Send is the outbound frame stream, closed when the connection closes.
func (c *Conn) Send() <-chan []byte { return c.send }

// enqueue hands a frame to the write pump without blocking. A full buffer
// drops the frame.
func (c *Conn) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// markAlive pushes back the idle deadline.
func (c *Conn) markAlive() {
	if c.ws != nil {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *Conn) short() string {
	if len(c.ID) > 8 {
		return c.ID[:8]
	}
	return c.ID
}
