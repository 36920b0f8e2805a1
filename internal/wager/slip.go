// Package wager holds the client-side wager composer: a slip that turns a
// selected quote into a validated submission and tracks the one request it
// may have in flight.
package wager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// State is the slip's position in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateEditing    State = "editing"
	StateSubmitting State = "submitting"
)

// Submitter sends a composed wager to the submission boundary. A returned
// error means no typed result was observed.
type Submitter interface {
	Submit(ctx context.Context, sub domain.Submission) (domain.SubmissionResult, error)
}

// Config tunes a Slip.
type Config struct {
	Chips   []decimal.Decimal
	Timeout time.Duration
}

// DefaultChips are the stake increments offered when none are configured.
var DefaultChips = []decimal.Decimal{
	decimal.NewFromInt(100),
	decimal.NewFromInt(500),
	decimal.NewFromInt(1000),
	decimal.NewFromInt(5000),
}

// Slip is one in-progress wager. It is safe for concurrent use; at most one
// submission is outstanding at a time.
type Slip struct {
	principalID string
	submitter   Submitter
	chips       []decimal.Decimal
	timeout     time.Duration
	newKey      func() string

	mu        sync.Mutex
	state     State
	quote     domain.Quote
	status    domain.MarketStatus
	rate      decimal.Decimal
	stake     decimal.Decimal
	available decimal.Decimal
	key       string
	last      *domain.SubmissionResult
}

// NewSlip creates an idle slip for principalID.
func NewSlip(principalID string, submitter Submitter, cfg Config) *Slip {
	if len(cfg.Chips) == 0 {
		cfg.Chips = DefaultChips
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Slip{
		principalID: principalID,
		submitter:   submitter,
		chips:       cfg.Chips,
		timeout:     cfg.Timeout,
		newKey:      uuid.NewString,
		state:       StateIdle,
	}
}

// Select opens the slip on one side of q. The rate is seeded from the quoted
// price and the stake starts at zero.
func (s *Slip) Select(q domain.Quote, balance domain.BalanceSnapshot) error {
	if q.MarketID == "" || !q.Side.Valid() {
		return fmt.Errorf("%w: quote has no market or side", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSubmitting {
		return domain.ErrSubmissionInFlight
	}
	s.quote = q
	s.status = q.Status
	if s.status == "" {
		s.status = domain.MarketOpen
	}
	s.rate = q.SeedRate()
	s.stake = decimal.Zero
	if balance.PrincipalID == "" || balance.PrincipalID == s.principalID {
		s.available = balance.Available()
	}
	s.key = s.newKey()
	s.last = nil
	s.state = StateEditing
	return nil
}

// AddChip increments the stake by one of the configured chip amounts.
func (s *Slip) AddChip(amount decimal.Decimal) error {
	if !s.isChip(amount) {
		return fmt.Errorf("%w: %s is not a chip amount", domain.ErrValidation, amount)
	}
	return s.edit(func() { s.stake = s.stake.Add(amount) })
}

// SetStake replaces the stake.
func (s *Slip) SetStake(stake decimal.Decimal) error {
	return s.edit(func() { s.stake = stake })
}

// SetRate replaces the rate.
func (s *Slip) SetRate(rate decimal.Decimal) error {
	return s.edit(func() { s.rate = rate })
}

// SetSide switches the slip to the opposite side of the same market.
func (s *Slip) SetSide(side domain.Side) error {
	if !side.Valid() {
		return fmt.Errorf("%w: unknown side %q", domain.ErrValidation, side)
	}
	return s.edit(func() { s.quote.Side = side })
}

// edit applies a mutation in Editing. Any change to what would be submitted
// is a new intent and gets a new idempotency key.
func (s *Slip) edit(mutate func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateSubmitting:
		return domain.ErrSubmissionInFlight
	case StateIdle:
		return fmt.Errorf("%w: no quote selected", domain.ErrValidation)
	}
	before := s.fingerprint()
	mutate()
	if s.fingerprint() != before {
		s.key = s.newKey()
		s.last = nil
	}
	return nil
}

func (s *Slip) fingerprint() string {
	return string(s.quote.Side) + "|" + s.rate.String() + "|" + s.stake.String()
}

func (s *Slip) isChip(amount decimal.Decimal) bool {
	for _, c := range s.chips {
		if c.Equal(amount) {
			return true
		}
	}
	return false
}

// ApplyMarketStatus records a status change for marketID. A suspended or
// locked market disables submission without discarding the slip.
func (s *Slip) ApplyMarketStatus(marketID string, status domain.MarketStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || marketID != s.quote.MarketID {
		return
	}
	s.status = status
}

// ApplyBalance records the ledger's latest snapshot for the slip's principal.
func (s *Slip) ApplyBalance(snap domain.BalanceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.PrincipalID != "" && snap.PrincipalID != s.principalID {
		return
	}
	s.available = snap.Available()
}

// ApplyQuote refreshes the quote the slip was opened on. The edited rate is
// left alone. A quote may close the market but never reopen it; only a
// status event does that.
func (s *Slip) ApplyQuote(q domain.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || q.MarketID != s.quote.MarketID || q.Side != s.quote.Side {
		return
	}
	if q.Version < s.quote.Version {
		return
	}
	s.quote.Price = q.Price
	s.quote.Size = q.Size
	s.quote.Version = q.Version
	s.quote.UpdatedAt = q.UpdatedAt
	if q.Status != "" && !q.Status.Tradable() {
		s.status = q.Status
	}
}

// SufficientFunds reports whether the current liability fits the available
// balance.
func (s *Slip) SufficientFunds() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sufficientFunds()
}

func (s *Slip) sufficientFunds() bool {
	return domain.Liability(s.quote.Side, s.stake, s.rate).LessThanOrEqual(s.available)
}

// Blockers lists every reason the slip cannot be submitted right now.
func (s *Slip) Blockers() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockers()
}

func (s *Slip) blockers() []error {
	var out []error
	switch s.state {
	case StateIdle:
		return []error{fmt.Errorf("%w: no quote selected", domain.ErrValidation)}
	case StateSubmitting:
		return []error{domain.ErrSubmissionInFlight}
	}
	if !s.rate.IsPositive() || !s.stake.IsPositive() {
		out = append(out, fmt.Errorf("%w: rate and stake must be positive", domain.ErrValidation))
	}
	if !s.sufficientFunds() {
		out = append(out, domain.ErrInsufficientFunds)
	}
	if !s.status.Tradable() {
		out = append(out, fmt.Errorf("%w: %s", domain.ErrMarketState, s.status))
	}
	return out
}

// CanSubmit reports whether Submit would issue a request.
func (s *Slip) CanSubmit() bool {
	return len(s.Blockers()) == 0
}

// Submit sends the slip. It issues at most one request and never retries.
// A second call while the first is outstanding returns
// domain.ErrSubmissionInFlight without contacting the submitter. When no
// response arrives within the configured timeout the result is
// domain.OutcomeUnknown and the error is domain.ErrStatusUnknown.
func (s *Slip) Submit(ctx context.Context) (domain.SubmissionResult, error) {
	s.mu.Lock()
	if blockers := s.blockers(); len(blockers) > 0 {
		s.mu.Unlock()
		return domain.SubmissionResult{}, errors.Join(blockers...)
	}
	sub := s.submission()
	s.state = StateSubmitting
	s.last = nil
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := s.submitter.Submit(callCtx, sub)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err != nil && (timedOut || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrStatusUnknown)):
		res = domain.Unknown()
	case err != nil:
		res = domain.Rejected(fmt.Errorf("%w: %v", domain.ErrTransport, err))
	case res.Outcome == "":
		res = domain.Unknown()
	}

	s.settle(res)
	return res, res.Err()
}

func (s *Slip) submission() domain.Submission {
	return domain.Submission{
		IdempotencyKey: s.key,
		MarketID:       s.quote.MarketID,
		MatchID:        s.quote.MatchID,
		Side:           s.quote.Side,
		Rate:           s.rate,
		Stake:          s.stake,
		Profit:         domain.Profit(s.stake, s.rate),
		Loss:           domain.Loss(s.stake),
		QuoteVersion:   s.quote.Version,
	}
}

// settle leaves Submitting. Acceptance clears the slip; anything else keeps
// the values and the idempotency key so an explicit retry is deduplicated.
// Balance is not adjusted here; the ledger's balance-change event does that.
func (s *Slip) settle(res domain.SubmissionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleLocked(res)
}

func (s *Slip) settleLocked(res domain.SubmissionResult) {
	s.last = &res
	if res.Outcome == domain.OutcomeAccepted {
		s.quote = domain.Quote{}
		s.status = ""
		s.rate = decimal.Zero
		s.stake = decimal.Zero
		s.key = ""
		s.state = StateIdle
		return
	}
	s.state = StateEditing
}

// ApplyWagerStatus resolves an earlier unknown outcome once the server
// reports what became of the same idempotency key. Statuses for other keys,
// or arriving while the slip is not waiting on an unknown outcome, are
// ignored.
func (s *Slip) ApplyWagerStatus(p domain.WagerStatusPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEditing || s.last == nil || s.last.Outcome != domain.OutcomeUnknown {
		return
	}
	if p.IdempotencyKey == "" || p.IdempotencyKey != s.key {
		return
	}
	switch p.Outcome {
	case domain.OutcomeAccepted:
		s.settleLocked(domain.Accepted(p.WagerID))
	case domain.OutcomeRejected:
		s.settleLocked(domain.Rejected(domain.ReasonError(p.Reason)))
	}
}

// Clear abandons the slip.
func (s *Slip) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSubmitting {
		return domain.ErrSubmissionInFlight
	}
	s.quote = domain.Quote{}
	s.status = ""
	s.rate = decimal.Zero
	s.stake = decimal.Zero
	s.key = ""
	s.last = nil
	s.state = StateIdle
	return nil
}

// View is a consistent snapshot of the slip for rendering.
type View struct {
	State           State                    `json:"state"`
	MarketID        string                   `json:"market_id,omitempty"`
	MatchID         string                   `json:"match_id,omitempty"`
	Side            domain.Side              `json:"side,omitempty"`
	Status          domain.MarketStatus      `json:"status,omitempty"`
	Rate            decimal.Decimal          `json:"rate"`
	Stake           decimal.Decimal          `json:"stake"`
	Profit          decimal.Decimal          `json:"profit"`
	Loss            decimal.Decimal          `json:"loss"`
	Available       decimal.Decimal          `json:"available"`
	SufficientFunds bool                     `json:"sufficient_funds"`
	CanSubmit       bool                     `json:"can_submit"`
	Blockers        []string                 `json:"blockers,omitempty"`
	IdempotencyKey  string                   `json:"idempotency_key,omitempty"`
	Last            *domain.SubmissionResult `json:"last,omitempty"`
}

// View returns the current snapshot.
func (s *Slip) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	blockers := s.blockers()
	v := View{
		State:           s.state,
		MarketID:        s.quote.MarketID,
		MatchID:         s.quote.MatchID,
		Side:            s.quote.Side,
		Status:          s.status,
		Rate:            s.rate,
		Stake:           s.stake,
		Profit:          domain.Profit(s.stake, s.rate),
		Loss:            domain.Loss(s.stake),
		Available:       s.available,
		SufficientFunds: s.sufficientFunds(),
		CanSubmit:       len(blockers) == 0,
		IdempotencyKey:  s.key,
		Last:            s.last,
	}
	for _, b := range blockers {
		v.Blockers = append(v.Blockers, domain.UserMessage(b))
	}
	return v
}
