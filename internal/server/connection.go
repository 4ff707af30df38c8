package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/teris-io/shortid"
)

// Connection is one live transport session of a user. The Registry owns it
// from handshake to close; the RoomManager owns its joined-room set.
type Connection struct {
	id          string
	userId      int
	connectedAt time.Time
	send        chan *ServerMessage
	done        chan struct{}

	// mu guards rooms and closed
	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func NewConnection(userId, sendBuffer int) (*Connection, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	return newConnection(id, userId, sendBuffer), nil
}

func newConnection(id string, userId, sendBuffer int) *Connection {
	return &Connection{
		id:          id,
		userId:      userId,
		connectedAt: Now(),
		send:        make(chan *ServerMessage, sendBuffer),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
	}
}

func (c *Connection) Id() string {
	return c.id
}

func (c *Connection) UserId() int {
	return c.userId
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Send returns the outbound queue drained by the transport write pump.
func (c *Connection) Send() <-chan *ServerMessage {
	return c.send
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// queueMessage enqueues msg without blocking. A full queue drops msg.
func (c *Connection) queueMessage(msg *ServerMessage) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// close marks the connection closed and releases the write pump. It reports
// whether this call performed the close.
func (c *Connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	c.closed = true
	close(c.done)
	return true
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// addRoom records a joined room. It fails once the connection is closed so
// that a join racing a disconnect cannot leave a residual membership.
func (c *Connection) addRoom(roomId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	c.rooms[roomId] = struct{}{}
	return true
}

func (c *Connection) delRoom(roomId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.rooms, roomId)
}

func (c *Connection) hasRoom(roomId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.rooms[roomId]
	return ok
}

// Rooms returns the ids of the rooms the connection has joined.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
