package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/livewager/internal/domain"
)

//go:embed scripts/set_quote.lua
var setQuoteLua string

// QuoteCache implements domain.QuoteCache using Redis hashes.
// Each quote lives at "<prefix>:quote:{market}:{side}" with fields price,
// size, status, version, match and ts (Unix nanoseconds). Market status is a
// plain string at "<prefix>:market_status:{market}", match status at
// "<prefix>:match_status:{match}".
type QuoteCache struct {
	c        *Client
	setQuote *redis.Script
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{c: c, setQuote: redis.NewScript(setQuoteLua)}
}

// SetQuote stores q unless a newer version of the same quote is cached.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	ts := q.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	key := qc.c.key("quote", q.MarketID, string(q.Side))
	err := qc.setQuote.Run(ctx, qc.c.rdb, []string{key},
		q.Version,
		"price", q.Price.String(),
		"size", q.Size.String(),
		"status", string(q.Status),
		"version", strconv.FormatInt(q.Version, 10),
		"match", q.MatchID,
		"ts", strconv.FormatInt(ts.UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set quote %s/%s: %w", q.MarketID, q.Side, err)
	}
	return nil
}

// GetQuote returns the latest quote for one side of a market.
// It returns domain.ErrNotFound when nothing is cached.
func (qc *QuoteCache) GetQuote(ctx context.Context, marketID string, side domain.Side) (domain.Quote, error) {
	vals, err := qc.c.rdb.HGetAll(ctx, qc.c.key("quote", marketID, string(side))).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s/%s: %w", marketID, side, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}

	q := domain.Quote{
		MarketID: marketID,
		MatchID:  vals["match"],
		Side:     side,
		Status:   domain.MarketStatus(vals["status"]),
	}
	if q.Price, err = decimal.NewFromString(vals["price"]); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse price %s: %w", marketID, err)
	}
	if s := vals["size"]; s != "" {
		if q.Size, err = decimal.NewFromString(s); err != nil {
			return domain.Quote{}, fmt.Errorf("redis: parse size %s: %w", marketID, err)
		}
	}
	if q.Version, err = strconv.ParseInt(vals["version"], 10, 64); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse version %s: %w", marketID, err)
	}
	if tsNano, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		q.UpdatedAt = time.Unix(0, tsNano)
	}
	return q, nil
}

// SetStatus records the market's current status.
func (qc *QuoteCache) SetStatus(ctx context.Context, marketID string, status domain.MarketStatus) error {
	if err := qc.c.rdb.Set(ctx, qc.c.key("market_status", marketID), string(status), 0).Err(); err != nil {
		return fmt.Errorf("redis: set status %s: %w", marketID, err)
	}
	return nil
}

// GetStatus returns the market's status, or domain.ErrNotFound.
func (qc *QuoteCache) GetStatus(ctx context.Context, marketID string) (domain.MarketStatus, error) {
	s, err := qc.c.rdb.Get(ctx, qc.c.key("market_status", marketID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("redis: get status %s: %w", marketID, err)
	}
	return domain.MarketStatus(s), nil
}

// SetMatchStatus records a status covering every market of matchID.
func (qc *QuoteCache) SetMatchStatus(ctx context.Context, matchID string, status domain.MarketStatus) error {
	if err := qc.c.rdb.Set(ctx, qc.c.key("match_status", matchID), string(status), 0).Err(); err != nil {
		return fmt.Errorf("redis: set match status %s: %w", matchID, err)
	}
	return nil
}

// GetMatchStatus returns the match-wide status, or domain.ErrNotFound.
func (qc *QuoteCache) GetMatchStatus(ctx context.Context, matchID string) (domain.MarketStatus, error) {
	s, err := qc.c.rdb.Get(ctx, qc.c.key("match_status", matchID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("redis: get match status %s: %w", matchID, err)
	}
	return domain.MarketStatus(s), nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
