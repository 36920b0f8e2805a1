package wager

import (
	"context"
	"encoding/json"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// Watch applies stream events to the slip until ctx is cancelled or events
// is closed. Events that do not concern the slip are ignored.
func (s *Slip) Watch(ctx context.Context, events <-chan domain.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return nil
			}
			s.Apply(env)
		}
	}
}

// Apply applies a single envelope.
func (s *Slip) Apply(env domain.Envelope) {
	switch env.Event {
	case domain.EventMatchStatusChange:
		var p domain.MatchStatusPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.Status == "" {
			return
		}
		if p.MarketID != "" {
			s.ApplyMarketStatus(p.MarketID, p.Status)
			return
		}
		// A match-wide status applies to every market of the match.
		s.mu.Lock()
		matches := s.state != StateIdle && p.MatchID != "" && p.MatchID == s.quote.MatchID
		market := s.quote.MarketID
		s.mu.Unlock()
		if matches {
			s.ApplyMarketStatus(market, p.Status)
		}

	case domain.EventBalanceChange:
		if env.Room != domain.UserRoom(s.principalID) {
			return
		}
		var snap domain.BalanceSnapshot
		if json.Unmarshal(env.Payload, &snap) != nil {
			return
		}
		s.ApplyBalance(snap)

	case domain.EventWagerStatusChange:
		if env.Room != domain.UserRoom(s.principalID) {
			return
		}
		var p domain.WagerStatusPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.ApplyWagerStatus(p)

	case domain.EventOddsByTier, domain.EventBookmakerOdds, domain.EventFancyOdds:
		var p domain.OddsPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		for _, q := range p.Quotes {
			s.ApplyQuote(q)
		}
	}
}
