package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/livewager/internal/domain"
)

const reconcileBatch = 100

// Reconcile asks the ledger about journal entries whose outcome is still
// unknown and records whatever it now knows. It returns how many entries
// were resolved.
func (s *WagerService) Reconcile(ctx context.Context) (int, error) {
	pending, err := s.wagers.ListUnknown(ctx, reconcileBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if s.now().Sub(rec.CreatedAt) < s.cfg.SubmitTimeout {
			continue // may still be in flight
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		res, err := s.ledger.Lookup(callCtx, rec.PrincipalID, rec.IdempotencyKey)
		cancel()
		switch {
		case errors.Is(err, domain.ErrNotFound):
			res = domain.Rejected(domain.ErrTransport)
		case err != nil:
			s.logger.WarnContext(ctx, "reconcile lookup failed",
				slog.String("wager_id", rec.ID),
				slog.String("error", err.Error()))
			continue
		case res.Outcome == domain.OutcomeUnknown:
			continue
		}

		if err := s.wagers.UpdateOutcome(ctx, rec.ID, res.Outcome, res.Reason, res.WagerID); err != nil {
			s.logger.ErrorContext(ctx, "reconcile update failed",
				slog.String("wager_id", rec.ID),
				slog.String("error", err.Error()))
			continue
		}

		sub := domain.Submission{IdempotencyKey: rec.IdempotencyKey, MarketID: rec.MarketID, Side: rec.Side, Rate: rec.Rate, Stake: rec.Stake}
		s.finish(ctx, rec.PrincipalID+":"+rec.IdempotencyKey, res)
		s.logAudit(ctx, "wager.reconciled", rec.PrincipalID, sub, res)
		s.publish(ctx, rec.PrincipalID, sub, res)
		resolved++

		s.logger.InfoContext(ctx, "unknown submission resolved",
			slog.String("wager_id", rec.ID),
			slog.String("outcome", string(res.Outcome)))
	}
	return resolved, nil
}

// RunReconciler calls Reconcile every interval until ctx is cancelled.
func (s *WagerService) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "reconcile failed", slog.String("error", err.Error()))
			}
		}
	}
}
