package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/livewager/internal/domain"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// BalanceSource fetches a fresh balance when the cache has none.
type BalanceSource interface {
	Balance(ctx context.Context, principalID string) (domain.BalanceSnapshot, error)
}

// RiskConfig holds the tunable parameters for pre-submission checks.
type RiskConfig struct {
	// RateToleranceBps is how far the submitted rate may sit from the live
	// quote. Zero requires an exact match.
	RateToleranceBps int64
	// BalanceTimeout bounds the fallback balance fetch.
	BalanceTimeout time.Duration
}

// RiskService checks a submission against live market state and the
// principal's funds before it is forwarded to the ledger.
type RiskService struct {
	quotes   domain.QuoteCache
	balances domain.BalanceCache
	source   BalanceSource
	cfg      RiskConfig
	logger   *slog.Logger
}

// NewRiskService creates a RiskService. source may be nil, in which case a
// principal without a cached balance is left for the ledger to judge.
func NewRiskService(
	quotes domain.QuoteCache,
	balances domain.BalanceCache,
	source BalanceSource,
	cfg RiskConfig,
	logger *slog.Logger,
) *RiskService {
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = 2 * time.Second
	}
	return &RiskService{
		quotes:   quotes,
		balances: balances,
		source:   source,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "risk_service")),
	}
}

// PreSubmitCheck returns nil when sub may be forwarded. A refusal wraps
// domain.ErrMarketState, domain.ErrRateOutOfTolerance or
// domain.ErrInsufficientFunds; any other error is an infrastructure failure.
//
// Checks performed:
//  1. Market and match status are both open
//  2. Submitted rate is within tolerance of the live quote
//  3. Liability fits the available balance
func (s *RiskService) PreSubmitCheck(ctx context.Context, principalID string, sub domain.Submission) error {
	quote, err := s.quotes.GetQuote(ctx, sub.MarketID, sub.Side)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: no live quote for %s/%s", domain.ErrMarketState, sub.MarketID, sub.Side)
	}
	if err != nil {
		return fmt.Errorf("risk_service: get quote: %w", err)
	}

	// Check 1: the market-wide status wins over the status on the quote.
	status, err := s.quotes.GetStatus(ctx, sub.MarketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = quote.Status
	case err != nil:
		return fmt.Errorf("risk_service: get market status: %w", err)
	}
	if !status.Tradable() {
		return fmt.Errorf("%w: market %s is %s", domain.ErrMarketState, sub.MarketID, status)
	}
	matchID := quote.MatchID
	if matchID == "" {
		matchID = sub.MatchID
	}
	if matchID != "" {
		status, err := s.quotes.GetMatchStatus(ctx, matchID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return fmt.Errorf("risk_service: get match status: %w", err)
		case !status.Tradable():
			return fmt.Errorf("%w: match %s is %s", domain.ErrMarketState, matchID, status)
		}
	}

	// Check 2: rate tolerance.
	live := quote.SeedRate()
	if !live.IsPositive() {
		return fmt.Errorf("%w: market %s has no price", domain.ErrMarketState, sub.MarketID)
	}
	if !WithinTolerance(sub.Rate, live, s.cfg.RateToleranceBps) {
		return fmt.Errorf("%w: submitted %s, live %s", domain.ErrRateOutOfTolerance, sub.Rate, live)
	}

	// Check 3: funds.
	snap, ok, err := s.balance(ctx, principalID)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.DebugContext(ctx, "no balance snapshot; deferring funds check to ledger",
			slog.String("principal_id", principalID))
		return nil
	}
	liability := domain.Liability(sub.Side, sub.Stake, sub.Rate)
	if liability.GreaterThan(snap.Available()) {
		s.logger.InfoContext(ctx, "insufficient funds",
			slog.String("principal_id", principalID),
			slog.String("liability", liability.String()),
			slog.String("available", snap.Available().String()),
		)
		return fmt.Errorf("%w: liability %s exceeds available %s", domain.ErrInsufficientFunds, liability, snap.Available())
	}
	return nil
}

func (s *RiskService) balance(ctx context.Context, principalID string) (domain.BalanceSnapshot, bool, error) {
	snap, err := s.balances.GetBalance(ctx, principalID)
	if err == nil {
		return snap, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.BalanceSnapshot{}, false, fmt.Errorf("risk_service: get balance: %w", err)
	}
	if s.source == nil {
		return domain.BalanceSnapshot{}, false, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.BalanceTimeout)
	defer cancel()
	snap, err = s.source.Balance(fetchCtx, principalID)
	if err != nil {
		s.logger.WarnContext(ctx, "balance fetch failed",
			slog.String("principal_id", principalID),
			slog.String("error", err.Error()))
		return domain.BalanceSnapshot{}, false, nil
	}
	if snap.PrincipalID == "" {
		snap.PrincipalID = principalID
	}
	if err := s.balances.SetBalance(ctx, snap); err != nil {
		s.logger.WarnContext(ctx, "balance cache write failed", slog.String("error", err.Error()))
	}
	return snap, true, nil
}

// WithinTolerance reports whether submitted lies within bps basis points of
// live.
func WithinTolerance(submitted, live decimal.Decimal, bps int64) bool {
	diff := submitted.Sub(live).Abs()
	if bps <= 0 {
		return diff.IsZero()
	}
	limit := live.Mul(decimal.NewFromInt(bps)).Div(bpsDenominator)
	return diff.LessThanOrEqual(limit)
}
