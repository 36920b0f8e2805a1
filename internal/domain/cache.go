package domain

import (
	"context"
	"time"
)

// QuoteCache holds the latest quote per (market, side) and the latest status
// per market as seen on the dispatch path.
type QuoteCache interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, marketID string, side Side) (Quote, error)
	SetStatus(ctx context.Context, marketID string, status MarketStatus) error
	GetStatus(ctx context.Context, marketID string) (MarketStatus, error)
	// Match status covers every market of the match and is kept apart from
	// per-market status.
	SetMatchStatus(ctx context.Context, matchID string, status MarketStatus) error
	GetMatchStatus(ctx context.Context, matchID string) (MarketStatus, error)
}

// BalanceCache holds the latest balance snapshot per principal.
type BalanceCache interface {
	SetBalance(ctx context.Context, snap BalanceSnapshot) error
	GetBalance(ctx context.Context, principalID string) (BalanceSnapshot, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus is the cross-process pub/sub used by producers that run outside
// the gateway process.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// IdempotencyStore remembers what became of each submission key so a
// repeated request is answered from the record instead of reaching the
// ledger twice.
type IdempotencyStore interface {
	// Reserve claims key. When it is already claimed, reserved is false and
	// prior holds the recorded result, or a zero result while the first
	// request is still in flight.
	Reserve(ctx context.Context, key string, ttl time.Duration) (reserved bool, prior SubmissionResult, err error)
	// Complete records the final result for key.
	Complete(ctx context.Context, key string, res SubmissionResult, ttl time.Duration) error
	// Release forgets key so it can be submitted again.
	Release(ctx context.Context, key string) error
}
