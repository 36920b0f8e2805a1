package wager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/livewager/internal/domain"
)

type fakeSubmitter struct {
	calls   atomic.Int32
	gate    chan struct{} // when set, Submit blocks until closed or ctx ends
	result  domain.SubmissionResult
	err     error
	lastSub domain.Submission
	mu      sync.Mutex
}

func (f *fakeSubmitter) Submit(ctx context.Context, sub domain.Submission) (domain.SubmissionResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastSub = sub
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.SubmissionResult{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func yesQuote() domain.Quote {
	return domain.Quote{
		MarketID: "m-1001", MatchID: "1001", Side: domain.SideYes,
		Price: dec("1.90"), Status: domain.MarketOpen, Version: 1,
	}
}

func balance(amount string) domain.BalanceSnapshot {
	return domain.BalanceSnapshot{PrincipalID: "42", Balance: dec(amount)}
}

func openSlip(t *testing.T, sub Submitter, bal string) *Slip {
	t.Helper()
	s := NewSlip("42", sub, Config{Timeout: 200 * time.Millisecond})
	if err := s.Select(yesQuote(), balance(bal)); err != nil {
		t.Fatalf("select: %v", err)
	}
	return s
}

func TestChipsComputeProfitAndLoss(t *testing.T) {
	s := openSlip(t, &fakeSubmitter{}, "5000")

	v := s.View()
	if !v.Rate.Equal(dec("190")) || !v.Stake.IsZero() {
		t.Fatalf("seeded rate %s stake %s, want 190 and 0", v.Rate, v.Stake)
	}

	if err := s.AddChip(dec("1000")); err != nil {
		t.Fatal(err)
	}
	if err := s.AddChip(dec("500")); err != nil {
		t.Fatal(err)
	}

	v = s.View()
	if !v.Stake.Equal(dec("1500")) {
		t.Errorf("stake = %s, want 1500", v.Stake)
	}
	if !v.Profit.Equal(dec("2850")) {
		t.Errorf("profit = %s, want 2850", v.Profit)
	}
	if !v.Loss.Equal(dec("1500")) {
		t.Errorf("loss = %s, want 1500", v.Loss)
	}
	if !v.SufficientFunds || !v.CanSubmit {
		t.Errorf("sufficient=%v canSubmit=%v, want both true", v.SufficientFunds, v.CanSubmit)
	}
}

func TestAddChipRejectsUnknownAmount(t *testing.T) {
	s := openSlip(t, &fakeSubmitter{}, "5000")
	if err := s.AddChip(dec("250")); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestSufficientFunds(t *testing.T) {
	tests := []struct {
		name  string
		side  domain.Side
		stake string
		rate  string
		want  bool
	}{
		{"back within balance", domain.SideBack, "5000", "190", true},
		{"back over balance", domain.SideBack, "5001", "190", false},
		{"yes at balance", domain.SideYes, "5000", "500", true},
		{"lay profit within", domain.SideLay, "2000", "250", true},
		{"lay profit over", domain.SideLay, "2000", "251", false},
		{"no profit over", domain.SideNo, "4000", "190", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSlip("42", &fakeSubmitter{}, Config{})
			q := yesQuote()
			q.Side = tt.side
			s.Select(q, balance("5000"))
			s.SetStake(dec(tt.stake))
			s.SetRate(dec(tt.rate))
			if got := s.SufficientFunds(); got != tt.want {
				t.Errorf("SufficientFunds = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLocalBlockersMakeNoCall(t *testing.T) {
	tests := []struct {
		name    string
		stake   string
		rate    string
		wantErr error
	}{
		{"insufficient funds", "6000", "190", domain.ErrInsufficientFunds},
		{"zero stake", "0", "190", domain.ErrValidation},
		{"negative rate", "100", "-5", domain.ErrValidation},
		{"zero rate", "100", "0", domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{result: domain.Accepted("w1")}
			s := openSlip(t, sub, "5000")
			s.SetStake(dec(tt.stake))
			s.SetRate(dec(tt.rate))

			if s.CanSubmit() {
				t.Fatal("CanSubmit should be false")
			}
			_, err := s.Submit(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if n := sub.calls.Load(); n != 0 {
				t.Errorf("submitter called %d times", n)
			}
			if s.View().State != StateEditing {
				t.Errorf("state = %s, want editing", s.View().State)
			}
		})
	}
}

func TestSuspensionDisablesSubmit(t *testing.T) {
	sub := &fakeSubmitter{result: domain.Accepted("w1")}
	s := openSlip(t, sub, "5000")
	s.SetStake(dec("1500"))

	s.Apply(statusEvent("m-1001", domain.MarketSuspended))
	if s.CanSubmit() {
		t.Fatal("submit enabled while suspended")
	}
	v := s.View()
	if !v.Stake.Equal(dec("1500")) || !v.Rate.Equal(dec("190")) {
		t.Errorf("slip values changed on suspension: %+v", v)
	}
	if _, err := s.Submit(context.Background()); !errors.Is(err, domain.ErrMarketState) {
		t.Errorf("err = %v, want ErrMarketState", err)
	}

	s.Apply(statusEvent("m-other", domain.MarketOpen))
	if s.CanSubmit() {
		t.Fatal("another market's status re-enabled submit")
	}
	s.Apply(statusEvent("m-1001", domain.MarketInPlayLocked))
	if s.CanSubmit() {
		t.Fatal("submit enabled while locked")
	}
	s.Apply(statusEvent("m-1001", domain.MarketOpen))
	if !s.CanSubmit() {
		t.Fatal("submit still disabled after reopen")
	}
	if n := sub.calls.Load(); n != 0 {
		t.Errorf("submitter called %d times", n)
	}
}

func TestOddsTickDoesNotReopenSuspendedMarket(t *testing.T) {
	s := openSlip(t, &fakeSubmitter{result: domain.Accepted("w1")}, "5000")
	s.SetStake(dec("500"))
	s.Apply(statusEvent("m-1001", domain.MarketSuspended))

	q := yesQuote()
	q.Version = 2
	s.Apply(oddsEvent(q))
	if s.CanSubmit() {
		t.Fatal("open odds tick re-enabled a suspended slip")
	}
	if v := s.View(); v.Status != domain.MarketSuspended {
		t.Errorf("status = %s, want suspended", v.Status)
	}

	q.Version = 3
	q.Status = domain.MarketInPlayLocked
	s.Apply(oddsEvent(q))
	if v := s.View(); v.Status != domain.MarketInPlayLocked {
		t.Errorf("status = %s, want locked from quote", v.Status)
	}

	s.Apply(statusEvent("m-1001", domain.MarketOpen))
	if !s.CanSubmit() {
		t.Fatal("status event did not reopen the slip")
	}
}

func oddsEvent(q domain.Quote) domain.Envelope {
	raw, _ := json.Marshal(domain.OddsPayload{MatchID: q.MatchID, Quotes: []domain.Quote{q}})
	return domain.Envelope{Event: domain.EventOddsByTier, Room: domain.MatchRoom(q.MatchID), Payload: raw}
}

func statusEvent(market string, status domain.MarketStatus) domain.Envelope {
	raw, _ := json.Marshal(domain.MatchStatusPayload{MatchID: "1001", MarketID: market, Status: status})
	return domain.Envelope{Event: domain.EventMatchStatusChange, Room: domain.MatchRoom("1001"), Payload: raw}
}

func TestAcceptedClearsSlip(t *testing.T) {
	sub := &fakeSubmitter{result: domain.Accepted("w-77")}
	s := openSlip(t, sub, "5000")
	s.SetStake(dec("1500"))
	key := s.View().IdempotencyKey

	res, err := s.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Outcome != domain.OutcomeAccepted || res.WagerID != "w-77" {
		t.Errorf("result = %+v", res)
	}

	sent := sub.lastSub
	if sent.IdempotencyKey != key || !sent.Profit.Equal(dec("2850")) || !sent.Loss.Equal(dec("1500")) {
		t.Errorf("submission = %+v", sent)
	}

	v := s.View()
	if v.State != StateIdle || !v.Stake.IsZero() || v.MarketID != "" {
		t.Errorf("slip not cleared: %+v", v)
	}
	if v.Last == nil || v.Last.Outcome != domain.OutcomeAccepted {
		t.Errorf("confirmation missing: %+v", v.Last)
	}
	if !v.Available.Equal(dec("5000")) {
		t.Errorf("available = %s; balance must wait for the ledger event", v.Available)
	}
}

func TestRejectionKeepsValues(t *testing.T) {
	sub := &fakeSubmitter{result: domain.Rejected(domain.ErrRateOutOfTolerance)}
	s := openSlip(t, sub, "5000")
	s.SetStake(dec("1000"))
	key := s.View().IdempotencyKey

	res, err := s.Submit(context.Background())
	if !errors.Is(err, domain.ErrRateOutOfTolerance) {
		t.Fatalf("err = %v", err)
	}
	if res.Reason != domain.ReasonRateOutOfTolerance || res.Message == "" {
		t.Errorf("result = %+v", res)
	}

	v := s.View()
	if v.State != StateEditing || !v.Stake.Equal(dec("1000")) {
		t.Errorf("values lost: %+v", v)
	}
	if v.IdempotencyKey != key {
		t.Error("key changed without an edit")
	}

	s.SetRate(dec("185"))
	if s.View().IdempotencyKey == key {
		t.Error("key kept after the rate changed")
	}
}

func TestTimeoutIsUnknownAndNotRetried(t *testing.T) {
	sub := &fakeSubmitter{gate: make(chan struct{}), result: domain.Accepted("late")}
	s := openSlip(t, sub, "5000")
	s.SetStake(dec("1500"))

	res, err := s.Submit(context.Background())
	if !errors.Is(err, domain.ErrStatusUnknown) {
		t.Fatalf("err = %v, want ErrStatusUnknown", err)
	}
	if res.Outcome != domain.OutcomeUnknown || res.Reason != domain.ReasonStatusUnknown {
		t.Errorf("result = %+v", res)
	}
	if n := sub.calls.Load(); n != 1 {
		t.Errorf("submitter called %d times, want exactly 1", n)
	}
	if s.View().State != StateEditing {
		t.Errorf("state = %s, want editing", s.View().State)
	}
}

func TestTransportErrorIsRejected(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("connection refused")}
	s := openSlip(t, sub, "5000")
	s.SetStake(dec("100"))

	res, err := s.Submit(context.Background())
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if res.Reason != domain.ReasonTransport {
		t.Errorf("reason = %s", res.Reason)
	}
}

func TestSecondSubmitWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	sub := &fakeSubmitter{gate: gate, result: domain.Accepted("w1")}
	s := NewSlip("42", sub, Config{Timeout: 5 * time.Second})
	s.Select(yesQuote(), balance("5000"))
	s.SetStake(dec("1500"))

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.View().State != StateSubmitting {
		if time.Now().After(deadline) {
			t.Fatal("first submit never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.Submit(context.Background()); !errors.Is(err, domain.ErrSubmissionInFlight) {
		t.Errorf("second submit err = %v, want ErrSubmissionInFlight", err)
	}
	if err := s.SetStake(dec("10")); !errors.Is(err, domain.ErrSubmissionInFlight) {
		t.Errorf("edit during submit err = %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if n := sub.calls.Load(); n != 1 {
		t.Errorf("submitter called %d times, want 1", n)
	}
}

func TestWatchAppliesBalanceForOwnRoomOnly(t *testing.T) {
	s := openSlip(t, &fakeSubmitter{}, "5000")
	s.SetStake(dec("4000"))

	events := make(chan domain.Envelope, 2)
	other, _ := json.Marshal(domain.BalanceSnapshot{PrincipalID: "7", Balance: dec("1")})
	mine, _ := json.Marshal(domain.BalanceSnapshot{Balance: dec("3000")})
	events <- domain.Envelope{Event: domain.EventBalanceChange, Room: domain.UserRoom("7"), Payload: other}
	events <- domain.Envelope{Event: domain.EventBalanceChange, Room: domain.UserRoom("42"), Payload: mine}
	close(events)

	if err := s.Watch(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	v := s.View()
	if !v.Available.Equal(dec("3000")) {
		t.Errorf("available = %s, want 3000", v.Available)
	}
	if v.SufficientFunds {
		t.Error("4000 stake should exceed 3000 available")
	}
}

func TestWagerStatusResolvesUnknown(t *testing.T) {
	sub := &fakeSubmitter{gate: make(chan struct{})}
	s := openSlip(t, sub, "5000")
	s.SetStake(dec("500"))

	if _, err := s.Submit(context.Background()); !errors.Is(err, domain.ErrStatusUnknown) {
		t.Fatalf("err = %v, want ErrStatusUnknown", err)
	}
	key := s.View().IdempotencyKey

	stale, _ := json.Marshal(domain.WagerStatusPayload{IdempotencyKey: "other", Outcome: domain.OutcomeAccepted})
	s.Apply(domain.Envelope{Event: domain.EventWagerStatusChange, Room: domain.UserRoom("42"), Payload: stale})
	if v := s.View(); v.State != StateEditing || v.Last.Outcome != domain.OutcomeUnknown {
		t.Fatalf("foreign key changed the slip: %+v", v)
	}

	resolved, _ := json.Marshal(domain.WagerStatusPayload{IdempotencyKey: key, WagerID: "L9", Outcome: domain.OutcomeAccepted})
	s.Apply(domain.Envelope{Event: domain.EventWagerStatusChange, Room: domain.UserRoom("42"), Payload: resolved})
	v := s.View()
	if v.State != StateIdle || v.Last == nil || v.Last.Outcome != domain.OutcomeAccepted || v.Last.WagerID != "L9" {
		t.Fatalf("view after resolution = %+v", v)
	}
	if n := sub.calls.Load(); n != 1 {
		t.Fatalf("submitter called %d times", n)
	}
}
