package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// QuoteObserver records odds and market status into a QuoteCache so the
// submission path can check a wager against the price clients were shown.
type QuoteObserver struct {
	cache domain.QuoteCache
}

// NewQuoteObserver creates a QuoteObserver.
func NewQuoteObserver(cache domain.QuoteCache) *QuoteObserver {
	return &QuoteObserver{cache: cache}
}

// Observe implements Observer.
func (o *QuoteObserver) Observe(ctx context.Context, env domain.Envelope) error {
	switch env.Event {
	case domain.EventOddsByTier, domain.EventBookmakerOdds, domain.EventFancyOdds:
		var p domain.OddsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("quote observer: decode %s: %w", env.Event, err)
		}
		for _, q := range p.Quotes {
			if q.MarketID == "" || !q.Side.Valid() {
				continue
			}
			if q.MatchID == "" {
				q.MatchID = p.MatchID
			}
			if err := o.cache.SetQuote(ctx, q); err != nil {
				return err
			}
		}

	case domain.EventMatchStatusChange:
		var p domain.MatchStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("quote observer: decode %s: %w", env.Event, err)
		}
		switch {
		case p.Status == "":
			return nil
		case p.MarketID != "":
			return o.cache.SetStatus(ctx, p.MarketID, p.Status)
		case p.MatchID != "":
			return o.cache.SetMatchStatus(ctx, p.MatchID, p.Status)
		}
	}
	return nil
}

// BalanceObserver records balance-change events into a BalanceCache.
type BalanceObserver struct {
	cache domain.BalanceCache
}

// NewBalanceObserver creates a BalanceObserver.
func NewBalanceObserver(cache domain.BalanceCache) *BalanceObserver {
	return &BalanceObserver{cache: cache}
}

// Observe implements Observer.
func (o *BalanceObserver) Observe(ctx context.Context, env domain.Envelope) error {
	if env.Event != domain.EventBalanceChange {
		return nil
	}
	var snap domain.BalanceSnapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		return fmt.Errorf("balance observer: decode: %w", err)
	}
	if snap.PrincipalID == "" {
		snap.PrincipalID = strings.TrimPrefix(string(env.Room), string(domain.RoomUser)+":")
	}
	if snap.AsOf.IsZero() {
		snap.AsOf = env.SentAt
	}
	return o.cache.SetBalance(ctx, snap)
}
