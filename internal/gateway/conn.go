package gateway

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// OverflowPolicy decides what happens when a connection's outbound buffer is
// full at delivery time.
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the oldest queued frame to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDisconnect closes the slow connection.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

var errOverflow = errors.New("gateway: outbound buffer overflow")

// Session is the per-connection context fixed at handshake. It is never
// mutated after the connection is created.
type Session struct {
	ConnID      string
	Principal   domain.Principal
	RemoteAddr  string
	ConnectedAt time.Time
}

// Conn is one authenticated event-channel session. Membership and the
// outbound queue are guarded by the connection's own lock, so delivery to one
// connection never waits on another.
type Conn struct {
	session Session
	policy  OverflowPolicy

	ws      *websocket.Conn
	limiter *rate.Limiter

	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
	rooms  map[domain.RoomKey]struct{}

	dropped  atomic.Uint64
	teardown sync.Once
}

func newConn(s Session, buffer int, policy OverflowPolicy) *Conn {
	if buffer < 1 {
		buffer = 1
	}
	if policy == "" {
		policy = OverflowDropOldest
	}
	return &Conn{
		session: s,
		policy:  policy,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		rooms:   make(map[domain.RoomKey]struct{}),
	}
}

// Session returns the immutable handshake context.
func (c *Conn) Session() Session { return c.session }

// ID returns the opaque connection id.
func (c *Conn) ID() string { return c.session.ConnID }

// Dropped returns how many frames were evicted by the drop-oldest policy.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// Done is closed once the connection stops accepting frames.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Rooms returns a snapshot of the connection's current membership.
func (c *Conn) Rooms() []domain.RoomKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.RoomKey, 0, len(c.rooms))
	for k := range c.rooms {
		out = append(out, k)
	}
	return out
}

// IsMember reports whether the connection currently belongs to key.
func (c *Conn) IsMember(key domain.RoomKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[key]
	return ok
}

// enqueue places frame on the outbound queue without blocking. Frames from a
// single caller keep their order; under drop-oldest the survivors stay in
// order too.
func (c *Conn) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrConnClosed
	}
	for {
		select {
		case c.send <- frame:
			return nil
		default:
		}
		if c.policy == OverflowDisconnect {
			c.closeLocked()
			return fmt.Errorf("%w (conn %s)", errOverflow, c.session.ConnID)
		}
		select {
		case <-c.send:
			c.dropped.Add(1)
		default:
		}
	}
}

// Close stops the connection from accepting frames. It does not touch room
// membership; Registry.RemoveAll does both.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
