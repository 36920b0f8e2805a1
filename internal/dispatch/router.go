// Package dispatch routes server events to rooms on the event channel.
// Producers call Router.Dispatch directly, over the internal HTTP endpoint or
// through the Redis bus bridge.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/livewager/internal/domain"
	"github.com/alanyoungcy/livewager/internal/gateway"
)

// Deliverer fans a frame out to every member of a room.
type Deliverer interface {
	Deliver(key domain.RoomKey, frame []byte) gateway.DeliveryReport
}

// Observer sees every envelope before it is delivered. Observers keep
// server-side state (latest quotes, balances) in step with what clients see.
type Observer interface {
	Observe(ctx context.Context, env domain.Envelope) error
}

// Result describes one dispatch.
type Result struct {
	Seq     uint64 `json:"seq"`
	Sent    int    `json:"sent"`
	Evicted int    `json:"evicted"`
}

// roomSeq serialises dispatches into one room.
type roomSeq struct {
	mu  sync.Mutex
	seq uint64
}

// Router validates, sequences and delivers events. Each room has its own
// lock and sequence counter; dispatches into different rooms never wait on
// each other.
type Router struct {
	deliverer Deliverer
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	rooms map[domain.RoomKey]*roomSeq
}

// NewRouter creates a Router delivering through d.
func NewRouter(d Deliverer, logger *slog.Logger, observers ...Observer) *Router {
	return &Router{
		deliverer: d,
		observers: observers,
		logger:    logger.With(slog.String("component", "dispatch")),
		now:       time.Now,
		rooms:     make(map[domain.RoomKey]*roomSeq),
	}
}

// Dispatch delivers payload as event to every current member of room.
// Frames dispatched into one room reach every member in the same order.
func (r *Router) Dispatch(ctx context.Context, room string, event domain.EventName, payload any) (Result, error) {
	key, kind, _, err := domain.ParseRoomKey(room)
	if err != nil {
		return Result{}, err
	}
	if !event.Valid() {
		return Result{}, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, event)
	}
	if !event.AllowedIn(kind) {
		return Result{}, fmt.Errorf("%w: %s is not delivered on %s rooms", domain.ErrInvalidRoom, event, kind)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Result{}, err
	}

	rs := r.seqFor(key)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	env := domain.Envelope{
		Event:   event,
		Room:    key,
		Seq:     rs.seq + 1,
		Payload: raw,
		SentAt:  r.now().UTC(),
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: marshal envelope: %w", err)
	}
	rs.seq = env.Seq

	for _, o := range r.observers {
		if err := o.Observe(ctx, env); err != nil {
			r.logger.Warn("dispatch: observer failed",
				slog.String("event", string(event)),
				slog.String("room", string(key)),
				slog.String("error", err.Error()),
			)
		}
	}

	rep := r.deliverer.Deliver(key, frame)
	if rep.Evicted > 0 {
		r.logger.Warn("dispatch: slow consumers evicted",
			slog.String("room", string(key)),
			slog.Int("evicted", rep.Evicted),
		)
	}
	r.logger.Debug("dispatch: delivered",
		slog.String("event", string(event)),
		slog.String("room", string(key)),
		slog.Uint64("seq", env.Seq),
		slog.Int("sent", rep.Sent),
	)
	return Result{Seq: env.Seq, Sent: rep.Sent, Evicted: rep.Evicted}, nil
}

func (r *Router) seqFor(key domain.RoomKey) *roomSeq {
	r.mu.RLock()
	rs := r.rooms[key]
	r.mu.RUnlock()
	if rs != nil {
		return rs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rs = r.rooms[key]; rs == nil {
		rs = &roomSeq{}
		r.rooms[key] = rs
	}
	return rs
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", domain.ErrValidation)
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", domain.ErrValidation)
		}
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("dispatch: marshal payload: %w", err)
		}
		return data, nil
	}
}
