package gateway

import (
	"errors"
	"sync"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// room is one delivery scope. Its lock is independent of every other room.
type room struct {
	mu      sync.RWMutex
	members map[*Conn]struct{}
	dead    bool // unlinked from the index; joiners must look it up again
}

// Registry maps room keys to the connections currently in them. The index
// lock is held only to look up, create or unlink a room, never while frames
// are delivered.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomKey]*room
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.RoomKey]*room)}
}

// DeliveryReport summarises one fan-out.
type DeliveryReport struct {
	Sent    int
	Evicted int // connections closed by the disconnect overflow policy
	Gone    int // connections that closed between snapshot and send
}

// Join adds c to key. Joining a room twice is a no-op. Joining after the
// connection has been torn down returns domain.ErrConnClosed.
func (r *Registry) Join(c *Conn, key domain.RoomKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrConnClosed
	}
	if _, ok := c.rooms[key]; ok {
		return nil
	}
	r.add(key, c)
	c.rooms[key] = struct{}{}
	return nil
}

// Leave removes c from key. Leaving a room not joined is a no-op.
func (r *Registry) Leave(c *Conn, key domain.RoomKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[key]; !ok {
		return
	}
	delete(c.rooms, key)
	r.remove(key, c)
}

// RemoveAll closes c and removes it from every room it belonged to. When it
// returns no later Deliver can reach c.
func (r *Registry) RemoveAll(c *Conn) {
	c.mu.Lock()
	c.closeLocked()
	keys := make([]domain.RoomKey, 0, len(c.rooms))
	for k := range c.rooms {
		keys = append(keys, k)
	}
	c.rooms = make(map[domain.RoomKey]struct{})
	c.mu.Unlock()

	for _, k := range keys {
		r.remove(k, c)
	}
}

// Members returns a snapshot of the connections in key.
func (r *Registry) Members(key domain.RoomKey) []*Conn {
	r.mu.RLock()
	rm := r.rooms[key]
	r.mu.RUnlock()
	if rm == nil {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]*Conn, 0, len(rm.members))
	for c := range rm.members {
		out = append(out, c)
	}
	return out
}

// Deliver enqueues frame on every connection currently in key. It never
// blocks on a slow connection.
func (r *Registry) Deliver(key domain.RoomKey, frame []byte) DeliveryReport {
	var rep DeliveryReport
	for _, c := range r.Members(key) {
		switch err := c.enqueue(frame); {
		case err == nil:
			rep.Sent++
		case errors.Is(err, domain.ErrConnClosed):
			rep.Gone++
		default:
			rep.Evicted++
			r.RemoveAll(c)
		}
	}
	return rep
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) add(key domain.RoomKey, c *Conn) {
	for {
		rm := r.lookupOrCreate(key)
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members[c] = struct{}{}
		rm.mu.Unlock()
		return
	}
}

func (r *Registry) lookupOrCreate(key domain.RoomKey) *room {
	r.mu.RLock()
	rm := r.rooms[key]
	r.mu.RUnlock()
	if rm != nil {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm = r.rooms[key]; rm == nil {
		rm = &room{members: make(map[*Conn]struct{})}
		r.rooms[key] = rm
	}
	return rm
}

func (r *Registry) remove(key domain.RoomKey, c *Conn) {
	r.mu.RLock()
	rm := r.rooms[key]
	r.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	delete(rm.members, c)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if !empty {
		return
	}

	r.mu.Lock()
	rm.mu.Lock()
	if len(rm.members) == 0 && r.rooms[key] == rm {
		delete(r.rooms, key)
		rm.dead = true
	}
	rm.mu.Unlock()
	r.mu.Unlock()
}
