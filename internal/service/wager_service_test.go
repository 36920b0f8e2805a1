package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	rediscache "github.com/alanyoungcy/livewager/internal/cache/redis"
	"github.com/alanyoungcy/livewager/internal/dispatch"
	"github.com/alanyoungcy/livewager/internal/domain"
)

// ── fakes ──

type memWagers struct {
	mu   sync.Mutex
	recs map[string]domain.WagerRecord
}

func newMemWagers() *memWagers { return &memWagers{recs: make(map[string]domain.WagerRecord)} }

func (m *memWagers) Create(_ context.Context, rec domain.WagerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.PrincipalID == rec.PrincipalID && r.IdempotencyKey == rec.IdempotencyKey {
			return domain.ErrAlreadyExists
		}
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *memWagers) UpdateOutcome(_ context.Context, id string, outcome domain.Outcome, reason domain.RejectionReason, ledgerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Outcome, r.Reason, r.LedgerWagerID = outcome, reason, ledgerID
	m.recs[id] = r
	return nil
}

func (m *memWagers) Reopen(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok || r.Outcome != domain.OutcomeRejected {
		return domain.ErrNotFound
	}
	r.Outcome, r.Reason, r.LedgerWagerID, r.CreatedAt = domain.OutcomeUnknown, domain.ReasonNone, "", at
	m.recs[id] = r
	return nil
}

func (m *memWagers) GetByKey(_ context.Context, principalID, key string) (domain.WagerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.PrincipalID == principalID && r.IdempotencyKey == key {
			return r, nil
		}
	}
	return domain.WagerRecord{}, domain.ErrNotFound
}

func (m *memWagers) ListByPrincipal(_ context.Context, principalID string, opts domain.ListOpts) ([]domain.WagerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WagerRecord
	for _, r := range m.recs {
		if r.PrincipalID == principalID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memWagers) ListBefore(context.Context, time.Time) ([]domain.WagerRecord, error) {
	return nil, nil
}

func (m *memWagers) ListUnknown(_ context.Context, limit int) ([]domain.WagerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WagerRecord
	for _, r := range m.recs {
		if r.Outcome == domain.OutcomeUnknown && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memWagers) DeleteByID(context.Context, []string) (int64, error) { return 0, nil }

func (m *memWagers) byKey(t *testing.T, principalID, key string) domain.WagerRecord {
	t.Helper()
	r, err := m.GetByKey(context.Background(), principalID, key)
	if err != nil {
		t.Fatalf("journal entry %s/%s: %v", principalID, key, err)
	}
	return r
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event, _ string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type fakeLedger struct {
	calls   atomic.Int32
	place   func(ctx context.Context, sub domain.Submission) (domain.SubmissionResult, error)
	lookup  func(key string) (domain.SubmissionResult, error)
	balance *domain.BalanceSnapshot
}

func (l *fakeLedger) Place(ctx context.Context, _ string, sub domain.Submission) (domain.SubmissionResult, error) {
	l.calls.Add(1)
	if l.place == nil {
		return domain.Accepted("L-" + sub.IdempotencyKey), nil
	}
	return l.place(ctx, sub)
}

func (l *fakeLedger) Lookup(_ context.Context, _, key string) (domain.SubmissionResult, error) {
	return l.lookup(key)
}

func (l *fakeLedger) Balance(_ context.Context, principalID string) (domain.BalanceSnapshot, error) {
	if l.balance == nil {
		return domain.BalanceSnapshot{}, errors.New("ledger: balance: unavailable")
	}
	return *l.balance, nil
}

type dispatched struct {
	room    string
	event   domain.EventName
	payload domain.WagerStatusPayload
}

type recDispatcher struct {
	mu  sync.Mutex
	got []dispatched
}

func (d *recDispatcher) Dispatch(_ context.Context, room string, event domain.EventName, payload any) (dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, _ := payload.(domain.WagerStatusPayload)
	d.got = append(d.got, dispatched{room: room, event: event, payload: p})
	return dispatch.Result{Seq: uint64(len(d.got))}, nil
}

func (d *recDispatcher) last(t *testing.T) dispatched {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.got) == 0 {
		t.Fatal("nothing dispatched")
	}
	return d.got[len(d.got)-1]
}

type recAlerts struct {
	mu     sync.Mutex
	events []string
}

func (a *recAlerts) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

// ── harness ──

type harness struct {
	svc      *WagerService
	wagers   *memWagers
	audit    *memAudit
	ledger   *fakeLedger
	disp     *recDispatcher
	alerts   *recAlerts
	quotes   *rediscache.QuoteCache
	balances *rediscache.BalanceCache
}

type harnessOpts struct {
	toleranceBps  int64
	submitTimeout time.Duration
	rateLimit     int
	noBalance     bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	rc := rediscache.Wrap(rdb, "lw")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		wagers:   newMemWagers(),
		audit:    &memAudit{},
		ledger:   &fakeLedger{},
		disp:     &recDispatcher{},
		alerts:   &recAlerts{},
		quotes:   rediscache.NewQuoteCache(rc),
		balances: rediscache.NewBalanceCache(rc),
	}

	ctx := context.Background()
	if err := h.quotes.SetQuote(ctx, domain.Quote{
		MarketID: "m1", MatchID: "1001", Side: domain.SideBack,
		Price: decimal.RequireFromString("1.90"), Size: decimal.NewFromInt(500),
		Status: domain.MarketOpen, Version: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.quotes.SetQuote(ctx, domain.Quote{
		MarketID: "m1", MatchID: "1001", Side: domain.SideLay,
		Price: decimal.RequireFromString("1.90"), Size: decimal.NewFromInt(500),
		Status: domain.MarketOpen, Version: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if !opts.noBalance {
		if err := h.balances.SetBalance(ctx, domain.BalanceSnapshot{
			PrincipalID: "42", Balance: decimal.NewFromInt(1000), AsOf: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	risk := NewRiskService(h.quotes, h.balances, h.ledger, RiskConfig{RateToleranceBps: opts.toleranceBps}, logger)
	h.svc = NewWagerService(h.wagers, h.audit, rediscache.NewRateLimiter(rc), rediscache.NewIdempotencyStore(rc),
		risk, h.ledger, h.disp, h.alerts,
		WagerConfig{SubmitTimeout: opts.submitTimeout, RateLimit: opts.rateLimit, RateWindow: time.Minute},
		logger)
	return h
}

var punter = domain.Principal{ID: "42", Role: domain.RolePunter}

func submission(key string, side domain.Side, stake, rate int64) domain.Submission {
	s, r := decimal.NewFromInt(stake), decimal.NewFromInt(rate)
	return domain.Submission{
		IdempotencyKey: key,
		MarketID:       "m1",
		MatchID:        "1001",
		Side:           side,
		Rate:           r,
		Stake:          s,
		Profit:         domain.Profit(s, r),
		Loss:           domain.Loss(s),
	}
}

func place(t *testing.T, h *harness, sub domain.Submission) domain.SubmissionResult {
	t.Helper()
	res, err := h.svc.Place(context.Background(), punter, sub)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	return res
}

// ── tests ──

func TestPlaceAcceptedAndReplayed(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	sub := submission("k1", domain.SideBack, 500, 190)

	res := place(t, h, sub)
	if res.Outcome != domain.OutcomeAccepted || res.WagerID != "L-k1" {
		t.Fatalf("result = %+v", res)
	}

	rec := h.wagers.byKey(t, "42", "k1")
	if rec.Outcome != domain.OutcomeAccepted || rec.LedgerWagerID != "L-k1" {
		t.Fatalf("journal = %+v", rec)
	}
	if !rec.Profit.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("journal profit = %s", rec.Profit)
	}
	if !h.audit.has("wager.accepted") {
		t.Fatal("no audit entry")
	}
	d := h.disp.last(t)
	if d.room != "user:42" || d.event != domain.EventWagerStatusChange || d.payload.Outcome != domain.OutcomeAccepted {
		t.Fatalf("dispatch = %+v", d)
	}

	again := place(t, h, sub)
	if again != res {
		t.Fatalf("replay = %+v, want %+v", again, res)
	}
	if n := h.ledger.calls.Load(); n != 1 {
		t.Fatalf("ledger calls = %d, want 1", n)
	}
}

func TestPlaceValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cases := []struct {
		name   string
		mutate func(*domain.Submission)
	}{
		{"missing key", func(s *domain.Submission) { s.IdempotencyKey = "" }},
		{"missing market", func(s *domain.Submission) { s.MarketID = " " }},
		{"unknown side", func(s *domain.Submission) { s.Side = "over" }},
		{"zero stake", func(s *domain.Submission) { s.Stake = decimal.Zero }},
		{"negative rate", func(s *domain.Submission) { s.Rate = decimal.NewFromInt(-5) }},
		{"profit mismatch", func(s *domain.Submission) { s.Profit = s.Profit.Add(decimal.NewFromInt(1)) }},
		{"loss mismatch", func(s *domain.Submission) { s.Loss = decimal.NewFromInt(1) }},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := submission(fmt.Sprintf("v%d", i), domain.SideBack, 500, 190)
			tc.mutate(&sub)
			res := place(t, h, sub)
			if res.Outcome != domain.OutcomeRejected || res.Reason != domain.ReasonValidation {
				t.Fatalf("result = %+v", res)
			}
		})
	}
	if n := h.ledger.calls.Load(); n != 0 {
		t.Fatalf("ledger called %d times for invalid submissions", n)
	}
}

func TestPlaceRefusedWhileMarketSuspended(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	sub := submission("k-susp", domain.SideBack, 500, 190)

	if err := h.quotes.SetStatus(ctx, "m1", domain.MarketSuspended); err != nil {
		t.Fatal(err)
	}
	res := place(t, h, sub)
	if res.Reason != domain.ReasonMarketSuspended {
		t.Fatalf("result = %+v", res)
	}
	if !h.audit.has("wager.refused") {
		t.Fatal("refusal not audited")
	}
	if d := h.disp.last(t); d.payload.Reason != domain.ReasonMarketSuspended {
		t.Fatalf("dispatch = %+v", d)
	}

	// The key is released, so the same intent goes through once reopened.
	if err := h.quotes.SetStatus(ctx, "m1", domain.MarketOpen); err != nil {
		t.Fatal(err)
	}
	if res := place(t, h, sub); res.Outcome != domain.OutcomeAccepted {
		t.Fatalf("after reopen = %+v", res)
	}
}

func TestPlaceRefusedWhileMatchSuspended(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	obs := dispatch.NewQuoteObserver(h.quotes)

	matchStatus := func(status domain.MarketStatus) {
		t.Helper()
		raw, _ := json.Marshal(domain.MatchStatusPayload{MatchID: "1001", Status: status})
		env := domain.Envelope{Event: domain.EventMatchStatusChange, Room: domain.MatchRoom("1001"), Payload: raw}
		if err := obs.Observe(ctx, env); err != nil {
			t.Fatal(err)
		}
	}

	matchStatus(domain.MarketSuspended)
	sub := submission("k-match-susp", domain.SideBack, 500, 190)
	res := place(t, h, sub)
	if res.Outcome != domain.OutcomeRejected || res.Reason != domain.ReasonMarketSuspended {
		t.Fatalf("wager on suspended match = %+v", res)
	}
	if n := h.ledger.calls.Load(); n != 0 {
		t.Fatalf("ledger called %d times", n)
	}

	matchStatus(domain.MarketOpen)
	if res := place(t, h, sub); res.Outcome != domain.OutcomeAccepted {
		t.Fatalf("after match reopened = %+v", res)
	}
}

func TestPlaceRateTolerance(t *testing.T) {
	cases := []struct {
		name string
		bps  int64
		rate int64
		want domain.Outcome
	}{
		{"exact match", 0, 190, domain.OutcomeAccepted},
		{"moved with zero tolerance", 0, 191, domain.OutcomeRejected},
		{"within 100 bps", 100, 191, domain.OutcomeAccepted},
		{"beyond 100 bps", 100, 193, domain.OutcomeRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{toleranceBps: tc.bps})
			res := place(t, h, submission("k", domain.SideBack, 100, tc.rate))
			if res.Outcome != tc.want {
				t.Fatalf("result = %+v, want %s", res, tc.want)
			}
			if tc.want == domain.OutcomeRejected && res.Reason != domain.ReasonRateOutOfTolerance {
				t.Fatalf("reason = %s", res.Reason)
			}
		})
	}
}

func TestPlaceInsufficientFunds(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cases := []struct {
		name  string
		side  domain.Side
		stake int64
	}{
		{"back stake above balance", domain.SideBack, 2000},
		{"lay liability above balance", domain.SideLay, 600}, // 600 * 190 / 100 = 1140
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := place(t, h, submission("f-"+string(tc.side), tc.side, tc.stake, 190))
			if res.Reason != domain.ReasonInsufficientFunds {
				t.Fatalf("result = %+v", res)
			}
		})
	}
	if n := h.ledger.calls.Load(); n != 0 {
		t.Fatalf("ledger calls = %d", n)
	}
}

func TestPlaceFallsBackToLedgerBalance(t *testing.T) {
	h := newHarness(t, harnessOpts{noBalance: true})
	h.ledger.balance = &domain.BalanceSnapshot{Balance: decimal.NewFromInt(50)}

	res := place(t, h, submission("k-bal", domain.SideBack, 100, 190))
	if res.Reason != domain.ReasonInsufficientFunds {
		t.Fatalf("result = %+v", res)
	}
	snap, err := h.balances.GetBalance(context.Background(), "42")
	if err != nil || !snap.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("balance not cached: %+v, %v", snap, err)
	}
}

func TestPlaceTimeoutIsUnknown(t *testing.T) {
	h := newHarness(t, harnessOpts{submitTimeout: 50 * time.Millisecond})
	h.ledger.place = func(ctx context.Context, _ domain.Submission) (domain.SubmissionResult, error) {
		<-ctx.Done()
		return domain.SubmissionResult{}, fmt.Errorf("ledger: place: %w", domain.ErrStatusUnknown)
	}
	sub := submission("k-slow", domain.SideBack, 500, 190)

	res := place(t, h, sub)
	if res.Outcome != domain.OutcomeUnknown {
		t.Fatalf("result = %+v", res)
	}
	if rec := h.wagers.byKey(t, "42", "k-slow"); rec.Outcome != domain.OutcomeUnknown {
		t.Fatalf("journal outcome = %s", rec.Outcome)
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0] != "wager_status_unknown" {
		t.Fatalf("alerts = %v", h.alerts.events)
	}

	// Never auto-retried: a resubmission replays the unknown result.
	if again := place(t, h, sub); again.Outcome != domain.OutcomeUnknown {
		t.Fatalf("replay = %+v", again)
	}
	if n := h.ledger.calls.Load(); n != 1 {
		t.Fatalf("ledger calls = %d, want 1", n)
	}
}

func TestPlaceTransportFailureAllowsRetry(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	down := true
	h.ledger.place = func(_ context.Context, sub domain.Submission) (domain.SubmissionResult, error) {
		if down {
			return domain.SubmissionResult{}, fmt.Errorf("ledger: place: dial: %w", domain.ErrTransport)
		}
		return domain.Accepted("L-retry"), nil
	}
	sub := submission("k-net", domain.SideBack, 500, 190)

	res := place(t, h, sub)
	if res.Outcome != domain.OutcomeRejected || res.Reason != domain.ReasonTransport {
		t.Fatalf("result = %+v", res)
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0] != "ledger_unavailable" {
		t.Fatalf("alerts = %v", h.alerts.events)
	}

	down = false
	res = place(t, h, sub)
	if res.Outcome != domain.OutcomeAccepted {
		t.Fatalf("retry = %+v", res)
	}
	if rec := h.wagers.byKey(t, "42", "k-net"); rec.Outcome != domain.OutcomeAccepted || rec.LedgerWagerID != "L-retry" {
		t.Fatalf("journal = %+v", rec)
	}
}

func TestPlaceDuplicateWhileInFlight(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	entered := make(chan struct{})
	release := make(chan struct{})
	h.ledger.place = func(context.Context, domain.Submission) (domain.SubmissionResult, error) {
		close(entered)
		<-release
		return domain.Accepted("L-once"), nil
	}
	sub := submission("k-dup", domain.SideBack, 500, 190)

	done := make(chan domain.SubmissionResult, 1)
	go func() {
		res, _ := h.svc.Place(context.Background(), punter, sub)
		done <- res
	}()
	<-entered

	if res := place(t, h, sub); res.Reason != domain.ReasonDuplicate {
		t.Fatalf("second submit = %+v", res)
	}
	close(release)
	if res := <-done; res.Outcome != domain.OutcomeAccepted {
		t.Fatalf("first submit = %+v", res)
	}
	if n := h.ledger.calls.Load(); n != 1 {
		t.Fatalf("ledger calls = %d", n)
	}
}

func TestPlaceRateLimited(t *testing.T) {
	h := newHarness(t, harnessOpts{rateLimit: 2})
	for i := 0; i < 2; i++ {
		if res := place(t, h, submission(fmt.Sprintf("r%d", i), domain.SideBack, 100, 190)); res.Outcome != domain.OutcomeAccepted {
			t.Fatalf("submit %d = %+v", i, res)
		}
	}
	if res := place(t, h, submission("r2", domain.SideBack, 100, 190)); res.Reason != domain.ReasonRateLimited {
		t.Fatalf("third submit = %+v", res)
	}
}

func TestReconcileResolvesUnknown(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	for _, key := range []string{"seen", "never", "still"} {
		sub := submission(key, domain.SideBack, 100, 190)
		if err := h.wagers.Create(ctx, domain.WagerRecord{
			ID: "w-" + key, PrincipalID: "42", IdempotencyKey: key, MarketID: "m1",
			Side: sub.Side, Rate: sub.Rate, Stake: sub.Stake, Profit: sub.Profit, Loss: sub.Loss,
			Outcome: domain.OutcomeUnknown, CreatedAt: old,
		}); err != nil {
			t.Fatal(err)
		}
	}
	h.ledger.lookup = func(key string) (domain.SubmissionResult, error) {
		switch key {
		case "seen":
			return domain.Accepted("L-seen"), nil
		case "never":
			return domain.SubmissionResult{}, domain.ErrNotFound
		default:
			return domain.Unknown(), nil
		}
	}

	n, err := h.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 2 {
		t.Fatalf("resolved = %d, want 2", n)
	}
	if rec := h.wagers.byKey(t, "42", "seen"); rec.Outcome != domain.OutcomeAccepted || rec.LedgerWagerID != "L-seen" {
		t.Fatalf("seen = %+v", rec)
	}
	if rec := h.wagers.byKey(t, "42", "never"); rec.Outcome != domain.OutcomeRejected || rec.Reason != domain.ReasonTransport {
		t.Fatalf("never = %+v", rec)
	}
	if rec := h.wagers.byKey(t, "42", "still"); rec.Outcome != domain.OutcomeUnknown {
		t.Fatalf("still = %+v", rec)
	}
	if !h.audit.has("wager.reconciled") {
		t.Fatal("reconcile not audited")
	}
}

func TestReconcileSkipsReopenedAttemptInFlight(t *testing.T) {
	h := newHarness(t, harnessOpts{submitTimeout: 5 * time.Second})
	ctx := context.Background()
	sub := submission("k-again", domain.SideBack, 100, 190)
	old := time.Now().Add(-time.Hour)
	if err := h.wagers.Create(ctx, domain.WagerRecord{
		ID: "w-again", PrincipalID: "42", IdempotencyKey: "k-again", MarketID: "m1",
		Side: sub.Side, Rate: sub.Rate, Stake: sub.Stake, Profit: sub.Profit, Loss: sub.Loss,
		Outcome: domain.OutcomeRejected, Reason: domain.ReasonTransport, CreatedAt: old,
	}); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	h.ledger.place = func(ctx context.Context, sub domain.Submission) (domain.SubmissionResult, error) {
		close(started)
		select {
		case <-release:
			return domain.Accepted("L-again"), nil
		case <-ctx.Done():
			return domain.SubmissionResult{}, ctx.Err()
		}
	}
	var lookups atomic.Int32
	h.ledger.lookup = func(string) (domain.SubmissionResult, error) {
		lookups.Add(1)
		return domain.SubmissionResult{}, domain.ErrNotFound
	}

	done := make(chan domain.SubmissionResult, 1)
	go func() {
		res, _ := h.svc.Place(ctx, punter, sub)
		done <- res
	}()
	<-started

	rec := h.wagers.byKey(t, "42", "k-again")
	if rec.Outcome != domain.OutcomeUnknown || !rec.CreatedAt.After(old) {
		t.Fatalf("reopened row = %+v", rec)
	}
	n, err := h.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 0 || lookups.Load() != 0 {
		t.Fatalf("reconciled %d rows with %d lookups while the attempt was in flight", n, lookups.Load())
	}

	close(release)
	if res := <-done; res.Outcome != domain.OutcomeAccepted {
		t.Fatalf("result = %+v", res)
	}
	if rec := h.wagers.byKey(t, "42", "k-again"); rec.Outcome != domain.OutcomeAccepted || rec.LedgerWagerID != "L-again" {
		t.Fatalf("journal = %+v", rec)
	}
}

func TestHistory(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	place(t, h, submission("h1", domain.SideBack, 100, 190))
	recs, err := h.svc.History(context.Background(), "42", domain.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].IdempotencyKey != "h1" {
		t.Fatalf("history = %+v", recs)
	}
}

func TestWithinTolerance(t *testing.T) {
	live := decimal.NewFromInt(200)
	cases := []struct {
		submitted string
		bps       int64
		want      bool
	}{
		{"200", 0, true},
		{"200.01", 0, false},
		{"202", 100, true},
		{"198", 100, true},
		{"202.5", 100, false},
	}
	for _, tc := range cases {
		if got := WithinTolerance(decimal.RequireFromString(tc.submitted), live, tc.bps); got != tc.want {
			t.Errorf("WithinTolerance(%s, 200, %d) = %v, want %v", tc.submitted, tc.bps, got, tc.want)
		}
	}
}
