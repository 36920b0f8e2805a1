package domain

import (
	"encoding/json"
	"time"
)

// EventName is one of the fixed event types delivered over the event channel.
type EventName string

const (
	EventOddsByTier        EventName = "odds-by-tier"
	EventBookmakerOdds     EventName = "bookmaker-odds"
	EventFancyOdds         EventName = "fancy-odds"
	EventLiveScore         EventName = "live-score"
	EventBalanceChange     EventName = "balance-change"
	EventWagerStatusChange EventName = "wager-status-change"
	EventAnnouncementNew   EventName = "announcement-new"
	EventMatchStatusChange EventName = "match-status-change"
	EventMatchListChanged  EventName = "match-list-changed"
)

// eventScopes lists the room kinds each event may be dispatched on.
var eventScopes = map[EventName][]RoomKind{
	EventOddsByTier:        {RoomMatch, RoomCasino},
	EventBookmakerOdds:     {RoomMatch},
	EventFancyOdds:         {RoomMatch},
	EventLiveScore:         {RoomMatch},
	EventMatchStatusChange: {RoomMatch, RoomCasino},
	EventBalanceChange:     {RoomUser},
	EventWagerStatusChange: {RoomUser},
	EventAnnouncementNew:   {RoomRole, RoomUser},
	EventMatchListChanged:  {RoomRole, RoomUser},
}

// Valid reports whether e is part of the event taxonomy.
func (e EventName) Valid() bool {
	_, ok := eventScopes[e]
	return ok
}

// AllowedIn reports whether e may be dispatched on a room of kind k.
func (e EventName) AllowedIn(k RoomKind) bool {
	for _, allowed := range eventScopes[e] {
		if allowed == k {
			return true
		}
	}
	return false
}

// Envelope is the frame delivered to every member of a room. Seq increases
// monotonically per room on a single node.
type Envelope struct {
	Event   EventName       `json:"event"`
	Room    RoomKey         `json:"room"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// MatchStatusPayload is carried by match-status-change events.
type MatchStatusPayload struct {
	MatchID  string       `json:"match_id"`
	MarketID string       `json:"market_id,omitempty"`
	Status   MarketStatus `json:"status"`
}

// OddsPayload is carried by odds-by-tier, bookmaker-odds and fancy-odds.
type OddsPayload struct {
	MatchID string  `json:"match_id"`
	Quotes  []Quote `json:"quotes"`
}

// WagerStatusPayload is carried by wager-status-change events.
type WagerStatusPayload struct {
	WagerID        string          `json:"wager_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       string          `json:"market_id"`
	Outcome        Outcome         `json:"outcome"`
	Reason         RejectionReason `json:"reason,omitempty"`
}
