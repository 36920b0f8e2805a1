package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Profit is the payout convention shared by composer and server:
// stake * rate / 100.
func Profit(stake, rate decimal.Decimal) decimal.Decimal {
	return stake.Mul(rate).Div(hundred)
}

// Loss is the amount risked on the stake side.
func Loss(stake decimal.Decimal) decimal.Decimal {
	return stake
}

// Liability returns what a wager on side puts at risk against the
// principal's available balance.
func Liability(side Side, stake, rate decimal.Decimal) decimal.Decimal {
	if side.BackStyle() {
		return Loss(stake)
	}
	return Profit(stake, rate)
}

// Submission is the wire request sent to the submission boundary.
type Submission struct {
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       string          `json:"market_id"`
	MatchID        string          `json:"match_id,omitempty"`
	Side           Side            `json:"side"`
	Rate           decimal.Decimal `json:"rate"`
	Stake          decimal.Decimal `json:"stake"`
	Profit         decimal.Decimal `json:"profit"`
	Loss           decimal.Decimal `json:"loss"`
	QuoteVersion   int64           `json:"quote_version,omitempty"`
}

// Outcome distinguishes the three ways a submission can end.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeUnknown  Outcome = "unknown"
)

// SubmissionResult is the typed response of the submission boundary.
type SubmissionResult struct {
	Outcome Outcome         `json:"outcome"`
	WagerID string          `json:"wager_id,omitempty"`
	Reason  RejectionReason `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Accepted builds an acceptance result.
func Accepted(wagerID string) SubmissionResult {
	return SubmissionResult{Outcome: OutcomeAccepted, WagerID: wagerID}
}

// Rejected builds a rejection result from err.
func Rejected(err error) SubmissionResult {
	return SubmissionResult{
		Outcome: OutcomeRejected,
		Reason:  ReasonFor(err),
		Message: UserMessage(err),
	}
}

// Unknown builds an ambiguous result for a submission whose fate could not
// be observed.
func Unknown() SubmissionResult {
	return SubmissionResult{
		Outcome: OutcomeUnknown,
		Reason:  ReasonStatusUnknown,
		Message: UserMessage(ErrStatusUnknown),
	}
}

// Err returns the sentinel for a non-accepted result, or nil.
func (r SubmissionResult) Err() error {
	switch r.Outcome {
	case OutcomeAccepted:
		return nil
	case OutcomeUnknown:
		return ErrStatusUnknown
	default:
		return ReasonError(r.Reason)
	}
}

// WagerRecord is the journal entry kept for every submission seen by the
// server, whatever its outcome.
type WagerRecord struct {
	ID             string          `json:"id"`
	PrincipalID    string          `json:"principal_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       string          `json:"market_id"`
	MatchID        string          `json:"match_id,omitempty"`
	Side           Side            `json:"side"`
	Rate           decimal.Decimal `json:"rate"`
	Stake          decimal.Decimal `json:"stake"`
	Profit         decimal.Decimal `json:"profit"`
	Loss           decimal.Decimal `json:"loss"`
	Outcome        Outcome         `json:"outcome"`
	Reason         RejectionReason `json:"reason,omitempty"`
	LedgerWagerID  string          `json:"ledger_wager_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
}
