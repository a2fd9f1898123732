package chat

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Tyrowin/groupchat/internal/models"
)

// DefaultSendBuffer is the outbound queue capacity of a connection.
const DefaultSendBuffer = 256

// ConnID identifies one live connection for its whole lifetime.
type ConnID = uuid.UUID

// Conn is one live streaming connection as tracked by the Registry.
// Its group and user are fixed at construction.
type Conn struct {
	id       ConnID
	group    models.GroupID
	hasGroup bool
	user     models.Identity
	hasUser  bool

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// ConnOption configures a Conn at construction.
type ConnOption func(*Conn)

// WithGroup scopes the connection to a group.
func WithGroup(group models.GroupID) ConnOption {
	return func(c *Conn) {
		c.group = group
		c.hasGroup = true
	}
}

// WithUser attaches an authenticated user to the connection.
func WithUser(user models.Identity) ConnOption {
	return func(c *Conn) {
		c.user = user
		c.hasUser = true
	}
}

// NewConn creates a connection with a fresh id and an outbound queue of the
// given capacity (DefaultSendBuffer when buffer <= 0).
func NewConn(buffer int, opts ...ConnOption) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	c := &Conn{
		id:   uuid.New(),
		send: make(chan []byte, buffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the connection id.
func (c *Conn) ID() ConnID {
	return c.id
}

// Group returns the group the connection is scoped to, if any.
func (c *Conn) Group() (models.GroupID, bool) {
	return c.group, c.hasGroup
}

// User returns the authenticated user of the connection, if any.
func (c *Conn) User() (models.Identity, bool) {
	return c.user, c.hasUser
}

// Outbound is drained by the transport's single writer. It is closed by Close.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// enqueue hands a payload to the writer without blocking. It reports false
// when the queue is full or the connection is already closed.
func (c *Conn) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close closes the outbound queue. It is safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
