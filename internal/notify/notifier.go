// Package notify alerts operators about submissions that need attention.
// Alerts go to every registered sender (Telegram, Discord) and can be
// filtered by event type and throttled per event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operator alert events.
const (
	EventWagerStatusUnknown = "wager_status_unknown"
	EventLedgerUnavailable  = "ledger_unavailable"
	EventArchiveFailed      = "archive_failed"
)

// Sender delivers one alert to an operator channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify forwards
// only allowed event types and at most one alert per event per interval;
// NotifyAll bypasses both.
type Notifier struct {
	senders  []Sender
	events   map[string]bool // allowed event types
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotifier creates a Notifier that will deliver to the given senders. If
// events is empty, all event types are allowed. A zero interval disables
// throttling.
func NewNotifier(senders []Sender, events []string, interval time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		interval: interval,
		logger:   logger.With(slog.String("component", "notifier")),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Notify sends a notification for event unless it is filtered out or
// throttled.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if !n.allow(event) {
		n.logger.DebugContext(ctx, "event throttled", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) allow(event string) bool {
	if n.interval <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[event]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.interval), 1)
		n.limiters[event] = l
	}
	return l.Allow()
}

// dispatch sends to every sender. One sender failing does not stop the rest;
// the failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
