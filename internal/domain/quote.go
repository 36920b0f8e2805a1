package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is one of the two opposing positions of a two-outcome market.
type Side string

const (
	SideBack Side = "back"
	SideLay  Side = "lay"
	SideYes  Side = "yes"
	SideNo   Side = "no"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	switch s {
	case SideBack, SideLay, SideYes, SideNo:
		return true
	}
	return false
}

// BackStyle reports whether s risks the stake for a multiple-of-stake payout.
// Lay-style sides risk the computed profit instead.
func (s Side) BackStyle() bool {
	return s == SideBack || s == SideYes
}

// MarketStatus gates whether wagers may be submitted against a quote.
type MarketStatus string

const (
	MarketOpen         MarketStatus = "open"
	MarketSuspended    MarketStatus = "suspended"
	MarketInPlayLocked MarketStatus = "in-play-locked"
)

// Tradable reports whether submissions are permitted under s.
func (s MarketStatus) Tradable() bool {
	return s == MarketOpen
}

// Quote is an immutable price snapshot for one side of a market. A newer
// Version supersedes an older one.
type Quote struct {
	MarketID  string          `json:"market_id"`
	MatchID   string          `json:"match_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Status    MarketStatus    `json:"status"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SeedRate converts the quoted decimal odds into the composer's rate
// convention (odds 1.90 -> rate 190).
func (q Quote) SeedRate() decimal.Decimal {
	return q.Price.Mul(decimal.NewFromInt(100))
}

// BalanceSnapshot is the ledger's view of a principal's funds.
type BalanceSnapshot struct {
	PrincipalID string          `json:"principal_id"`
	Balance     decimal.Decimal `json:"balance"`
	Exposure    decimal.Decimal `json:"exposure"`
	AsOf        time.Time       `json:"as_of"`
}

// Available is the headroom a new wager is checked against. The ledger
// reports balance net of open exposure, so exposure is informational here.
func (b BalanceSnapshot) Available() decimal.Decimal {
	return b.Balance
}
