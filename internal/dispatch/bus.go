package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// busMessage is the body published on the bus. Sequencing happens on the
// receiving node, so producers never send a seq.
type busMessage struct {
	Event   domain.EventName `json:"event"`
	Room    string           `json:"room"`
	Payload json.RawMessage  `json:"payload"`
}

// Publisher lets producers in other processes dispatch through the bus.
type Publisher struct {
	bus    domain.SignalBus
	prefix string
}

// NewPublisher creates a Publisher that publishes on "<prefix>:<room>".
func NewPublisher(bus domain.SignalBus, prefix string) *Publisher {
	return &Publisher{bus: bus, prefix: prefix}
}

// Publish validates and publishes one event.
func (p *Publisher) Publish(ctx context.Context, room string, event domain.EventName, payload any) error {
	key, kind, _, err := domain.ParseRoomKey(room)
	if err != nil {
		return err
	}
	if !event.Valid() || !event.AllowedIn(kind) {
		return fmt.Errorf("%w: %s on %s", domain.ErrUnknownEvent, event, key)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(busMessage{Event: event, Room: string(key), Payload: raw})
	if err != nil {
		return fmt.Errorf("dispatch: marshal bus message: %w", err)
	}
	return p.bus.Publish(ctx, p.prefix+":"+string(key), data)
}

// BusBridge re-dispatches bus messages on the local Router.
type BusBridge struct {
	bus    domain.SignalBus
	router *Router
	prefix string
	logger *slog.Logger
}

// NewBusBridge creates a BusBridge listening on "<prefix>:*".
func NewBusBridge(bus domain.SignalBus, router *Router, prefix string, logger *slog.Logger) *BusBridge {
	return &BusBridge{
		bus:    bus,
		router: router,
		prefix: prefix,
		logger: logger.With(slog.String("component", "bus_bridge")),
	}
}

// Run subscribes and forwards until ctx is cancelled or the subscription
// ends.
func (b *BusBridge) Run(ctx context.Context) error {
	pattern := b.prefix + ":*"
	msgCh, err := b.bus.Subscribe(ctx, pattern)
	if err != nil {
		return fmt.Errorf("dispatch: subscribe %s: %w", pattern, err)
	}
	b.logger.Info("bus bridge: subscribed", slog.String("pattern", pattern))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgCh:
			if !ok {
				b.logger.Warn("bus bridge: subscription closed", slog.String("pattern", pattern))
				return nil
			}
			b.forward(ctx, data)
		}
	}
}

func (b *BusBridge) forward(ctx context.Context, data []byte) {
	var msg busMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Warn("bus bridge: malformed message", slog.String("error", err.Error()))
		return
	}
	room := strings.TrimSpace(msg.Room)
	if _, err := b.router.Dispatch(ctx, room, msg.Event, msg.Payload); err != nil {
		b.logger.Warn("bus bridge: dispatch refused",
			slog.String("event", string(msg.Event)),
			slog.String("room", room),
			slog.String("error", err.Error()),
		)
	}
}
