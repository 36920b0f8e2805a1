// Package service holds the server-side submission path: validation, risk
// checks, idempotency, the ledger call and the journal around it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/livewager/internal/dispatch"
	"github.com/alanyoungcy/livewager/internal/domain"
	"github.com/alanyoungcy/livewager/internal/notify"
)

// Ledger is the submission boundary.
type Ledger interface {
	Place(ctx context.Context, principalID string, sub domain.Submission) (domain.SubmissionResult, error)
	Lookup(ctx context.Context, principalID, key string) (domain.SubmissionResult, error)
}

// Dispatcher pushes events to gateway rooms.
type Dispatcher interface {
	Dispatch(ctx context.Context, room string, event domain.EventName, payload any) (dispatch.Result, error)
}

// Alerter notifies operators.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// WagerConfig holds submission policy.
type WagerConfig struct {
	SubmitTimeout  time.Duration
	IdempotencyTTL time.Duration
	RateLimit      int
	RateWindow     time.Duration
}

func (c *WagerConfig) setDefaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 10 * time.Second
	}
}

// WagerService validates submissions and forwards them to the ledger exactly
// once per idempotency key.
type WagerService struct {
	wagers     domain.WagerStore
	audit      domain.AuditStore
	limiter    domain.RateLimiter
	idem       domain.IdempotencyStore
	risk       *RiskService
	ledger     Ledger
	dispatcher Dispatcher
	alerts     Alerter
	cfg        WagerConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewWagerService creates a WagerService with all required dependencies.
// dispatcher and alerts may be nil.
func NewWagerService(
	wagers domain.WagerStore,
	audit domain.AuditStore,
	limiter domain.RateLimiter,
	idem domain.IdempotencyStore,
	risk *RiskService,
	ledger Ledger,
	dispatcher Dispatcher,
	alerts Alerter,
	cfg WagerConfig,
	logger *slog.Logger,
) *WagerService {
	cfg.setDefaults()
	return &WagerService{
		wagers:     wagers,
		audit:      audit,
		limiter:    limiter,
		idem:       idem,
		risk:       risk,
		ledger:     ledger,
		dispatcher: dispatcher,
		alerts:     alerts,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "wager_service")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Place runs a submission through the full server-side path and returns its
// typed result. Refusals are results, not errors: the error is non-nil only
// when an internal dependency failed before any decision was reached.
func (s *WagerService) Place(ctx context.Context, p domain.Principal, sub domain.Submission) (domain.SubmissionResult, error) {
	allowed, err := s.limiter.Allow(ctx, "submit:"+p.ID, s.cfg.RateLimit, s.cfg.RateWindow)
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("wager_service: rate limiter: %w", err)
	}
	if !allowed {
		return domain.Rejected(domain.ErrRateLimited), nil
	}

	if err := ValidateSubmission(sub); err != nil {
		s.logger.InfoContext(ctx, "submission refused",
			slog.String("principal_id", p.ID),
			slog.String("error", err.Error()))
		return domain.Rejected(err), nil
	}

	idemKey := p.ID + ":" + sub.IdempotencyKey
	reserved, prior, err := s.idem.Reserve(ctx, idemKey, s.cfg.IdempotencyTTL)
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("wager_service: reserve: %w", err)
	}
	if !reserved {
		if prior.Outcome == "" {
			return domain.Rejected(domain.ErrDuplicateSubmission), nil
		}
		s.logger.InfoContext(ctx, "replaying recorded result",
			slog.String("principal_id", p.ID),
			slog.String("idempotency_key", sub.IdempotencyKey),
			slog.String("outcome", string(prior.Outcome)))
		return prior, nil
	}

	res, err := s.place(ctx, p, sub)
	if err != nil {
		s.release(ctx, idemKey)
		return domain.SubmissionResult{}, err
	}
	s.finish(ctx, idemKey, res)
	s.publish(ctx, p.ID, sub, res)
	return res, nil
}

// place holds the reserved portion of Place.
func (s *WagerService) place(ctx context.Context, p domain.Principal, sub domain.Submission) (domain.SubmissionResult, error) {
	if err := s.risk.PreSubmitCheck(ctx, p.ID, sub); err != nil {
		if !isRefusal(err) {
			return domain.SubmissionResult{}, err
		}
		res := domain.Rejected(err)
		s.logAudit(ctx, "wager.refused", p.ID, sub, res)
		return res, nil
	}

	rec, res, err := s.journal(ctx, p, sub)
	if err != nil || res.Outcome != "" {
		return res, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	res, err = s.ledger.Place(callCtx, p.ID, sub)
	cancel()
	if err != nil {
		res = s.classifyLedgerError(ctx, p.ID, sub, err)
	}

	if err := s.wagers.UpdateOutcome(ctx, rec.ID, res.Outcome, res.Reason, res.WagerID); err != nil {
		s.logger.ErrorContext(ctx, "journal outcome failed",
			slog.String("wager_id", rec.ID),
			slog.String("error", err.Error()))
	}
	s.logAudit(ctx, "wager."+string(res.Outcome), p.ID, sub, res)

	s.logger.InfoContext(ctx, "submission settled",
		slog.String("principal_id", p.ID),
		slog.String("idempotency_key", sub.IdempotencyKey),
		slog.String("market_id", sub.MarketID),
		slog.String("outcome", string(res.Outcome)),
		slog.String("reason", string(res.Reason)),
	)
	return res, nil
}

// journal records the submission before the ledger call so an unknown
// outcome can be reconciled later. A key whose earlier attempt was rejected
// reuses that row; any other existing row means the key was already used.
func (s *WagerService) journal(ctx context.Context, p domain.Principal, sub domain.Submission) (domain.WagerRecord, domain.SubmissionResult, error) {
	rec := domain.WagerRecord{
		ID:             uuid.NewString(),
		PrincipalID:    p.ID,
		IdempotencyKey: sub.IdempotencyKey,
		MarketID:       sub.MarketID,
		MatchID:        sub.MatchID,
		Side:           sub.Side,
		Rate:           sub.Rate,
		Stake:          sub.Stake,
		Profit:         sub.Profit,
		Loss:           sub.Loss,
		Outcome:        domain.OutcomeUnknown,
		CreatedAt:      s.now(),
	}
	err := s.wagers.Create(ctx, rec)
	if err == nil {
		return rec, domain.SubmissionResult{}, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return rec, domain.SubmissionResult{}, fmt.Errorf("wager_service: journal: %w", err)
	}

	existing, err := s.wagers.GetByKey(ctx, p.ID, sub.IdempotencyKey)
	if err != nil {
		return rec, domain.SubmissionResult{}, fmt.Errorf("wager_service: load journal entry: %w", err)
	}
	if existing.Outcome != domain.OutcomeRejected {
		return rec, domain.Rejected(domain.ErrDuplicateSubmission), nil
	}
	if err := s.wagers.Reopen(ctx, existing.ID, rec.CreatedAt); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Another attempt reopened it first.
			return rec, domain.Rejected(domain.ErrDuplicateSubmission), nil
		}
		return rec, domain.SubmissionResult{}, fmt.Errorf("wager_service: reopen journal entry: %w", err)
	}
	existing.Outcome, existing.Reason, existing.LedgerWagerID = domain.OutcomeUnknown, domain.ReasonNone, ""
	existing.CreatedAt = rec.CreatedAt
	return existing, domain.SubmissionResult{}, nil
}

func (s *WagerService) classifyLedgerError(ctx context.Context, principalID string, sub domain.Submission, err error) domain.SubmissionResult {
	attrs := []any{
		slog.String("principal_id", principalID),
		slog.String("idempotency_key", sub.IdempotencyKey),
		slog.String("error", err.Error()),
	}
	if errors.Is(err, domain.ErrTransport) {
		s.logger.WarnContext(ctx, "ledger unreachable", attrs...)
		s.alert(ctx, notify.EventLedgerUnavailable, "Ledger unavailable",
			fmt.Sprintf("Submission %s could not reach the ledger: %v", sub.IdempotencyKey, err))
		return domain.Rejected(domain.ErrTransport)
	}
	s.logger.WarnContext(ctx, "submission outcome unknown", attrs...)
	s.alert(ctx, notify.EventWagerStatusUnknown, "Wager status unknown",
		fmt.Sprintf("Principal %s, key %s, market %s: %v", principalID, sub.IdempotencyKey, sub.MarketID, err))
	return domain.Unknown()
}

// finish records the result against the idempotency key. A rejection frees
// the key so the same intent can be resubmitted once the cause is fixed.
func (s *WagerService) finish(ctx context.Context, key string, res domain.SubmissionResult) {
	if res.Outcome == domain.OutcomeRejected && res.Reason != domain.ReasonDuplicate {
		s.release(ctx, key)
		return
	}
	if err := s.idem.Complete(ctx, key, res, s.cfg.IdempotencyTTL); err != nil {
		s.logger.ErrorContext(ctx, "idempotency complete failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

func (s *WagerService) release(ctx context.Context, key string) {
	if err := s.idem.Release(ctx, key); err != nil {
		s.logger.ErrorContext(ctx, "idempotency release failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// publish tells every session of the principal how the submission ended.
func (s *WagerService) publish(ctx context.Context, principalID string, sub domain.Submission, res domain.SubmissionResult) {
	if s.dispatcher == nil {
		return
	}
	payload := domain.WagerStatusPayload{
		WagerID:        res.WagerID,
		IdempotencyKey: sub.IdempotencyKey,
		MarketID:       sub.MarketID,
		Outcome:        res.Outcome,
		Reason:         res.Reason,
	}
	room := string(domain.UserRoom(principalID))
	if _, err := s.dispatcher.Dispatch(ctx, room, domain.EventWagerStatusChange, payload); err != nil {
		s.logger.WarnContext(ctx, "status dispatch failed",
			slog.String("room", room),
			slog.String("error", err.Error()))
	}
}

func (s *WagerService) alert(ctx context.Context, event, title, message string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (s *WagerService) logAudit(ctx context.Context, event, principalID string, sub domain.Submission, res domain.SubmissionResult) {
	detail := map[string]any{
		"idempotency_key": sub.IdempotencyKey,
		"market_id":       sub.MarketID,
		"side":            string(sub.Side),
		"rate":            sub.Rate.String(),
		"stake":           sub.Stake.String(),
		"outcome":         string(res.Outcome),
	}
	if res.Reason != domain.ReasonNone {
		detail["reason"] = string(res.Reason)
	}
	if res.WagerID != "" {
		detail["ledger_wager_id"] = res.WagerID
	}
	if err := s.audit.Log(ctx, event, principalID, detail); err != nil {
		s.logger.ErrorContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// History returns the principal's journal, newest first.
func (s *WagerService) History(ctx context.Context, principalID string, opts domain.ListOpts) ([]domain.WagerRecord, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	recs, err := s.wagers.ListByPrincipal(ctx, principalID, opts)
	if err != nil {
		return nil, fmt.Errorf("wager_service: history: %w", err)
	}
	return recs, nil
}

// ValidateSubmission checks the structure of sub and that its derived
// fields match the shared payout convention.
func ValidateSubmission(sub domain.Submission) error {
	var problems []string
	if strings.TrimSpace(sub.IdempotencyKey) == "" {
		problems = append(problems, "idempotency_key is required")
	}
	if strings.TrimSpace(sub.MarketID) == "" {
		problems = append(problems, "market_id is required")
	}
	if !sub.Side.Valid() {
		problems = append(problems, fmt.Sprintf("unknown side %q", sub.Side))
	}
	if !sub.Rate.IsPositive() {
		problems = append(problems, "rate must be greater than zero")
	}
	if !sub.Stake.IsPositive() {
		problems = append(problems, "stake must be greater than zero")
	}
	if len(problems) == 0 {
		if want := domain.Profit(sub.Stake, sub.Rate); !sub.Profit.Equal(want) {
			problems = append(problems, fmt.Sprintf("profit %s does not match %s", sub.Profit, want))
		}
		if want := domain.Loss(sub.Stake); !sub.Loss.Equal(want) {
			problems = append(problems, fmt.Sprintf("loss %s does not match %s", sub.Loss, want))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func isRefusal(err error) bool {
	return errors.Is(err, domain.ErrMarketState) ||
		errors.Is(err, domain.ErrRateOutOfTolerance) ||
		errors.Is(err, domain.ErrInsufficientFunds)
}
