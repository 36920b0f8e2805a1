package gateway

import (
	"fmt"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// Subscriptions lets an authenticated connection join and leave resource
// rooms. Principal and role rooms are assigned at handshake and can never be
// named by a client.
type Subscriptions struct {
	registry *Registry
}

// NewSubscriptions creates a Subscriptions backed by registry.
func NewSubscriptions(registry *Registry) *Subscriptions {
	return &Subscriptions{registry: registry}
}

// Join adds c to the resource room named by raw.
func (s *Subscriptions) Join(c *Conn, raw string) (domain.RoomKey, error) {
	key, err := s.resourceKey(raw)
	if err != nil {
		return "", err
	}
	if err := s.registry.Join(c, key); err != nil {
		return key, err
	}
	return key, nil
}

// Leave removes c from the resource room named by raw.
func (s *Subscriptions) Leave(c *Conn, raw string) (domain.RoomKey, error) {
	key, err := s.resourceKey(raw)
	if err != nil {
		return "", err
	}
	s.registry.Leave(c, key)
	return key, nil
}

func (s *Subscriptions) resourceKey(raw string) (domain.RoomKey, error) {
	key, kind, _, err := domain.ParseRoomKey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthorization, err)
	}
	if !kind.ClientJoinable() {
		return "", fmt.Errorf("%w: %s rooms are server-assigned", domain.ErrAuthorization, kind)
	}
	return key, nil
}
