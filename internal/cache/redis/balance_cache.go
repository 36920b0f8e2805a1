package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// BalanceCache implements domain.BalanceCache with one hash per principal at
// "<prefix>:balance:{principal}".
type BalanceCache struct {
	c *Client
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{c: c}
}

// SetBalance stores snap.
func (bc *BalanceCache) SetBalance(ctx context.Context, snap domain.BalanceSnapshot) error {
	asOf := snap.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	fields := map[string]interface{}{
		"balance":  snap.Balance.String(),
		"exposure": snap.Exposure.String(),
		"as_of":    strconv.FormatInt(asOf.UnixNano(), 10),
	}
	if err := bc.c.rdb.HSet(ctx, bc.c.key("balance", snap.PrincipalID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set balance %s: %w", snap.PrincipalID, err)
	}
	return nil
}

// GetBalance returns the latest snapshot, or domain.ErrNotFound.
func (bc *BalanceCache) GetBalance(ctx context.Context, principalID string) (domain.BalanceSnapshot, error) {
	vals, err := bc.c.rdb.HGetAll(ctx, bc.c.key("balance", principalID)).Result()
	if err != nil {
		return domain.BalanceSnapshot{}, fmt.Errorf("redis: get balance %s: %w", principalID, err)
	}
	if len(vals) == 0 {
		return domain.BalanceSnapshot{}, domain.ErrNotFound
	}

	snap := domain.BalanceSnapshot{PrincipalID: principalID}
	if snap.Balance, err = decimal.NewFromString(vals["balance"]); err != nil {
		return domain.BalanceSnapshot{}, fmt.Errorf("redis: parse balance %s: %w", principalID, err)
	}
	if e := vals["exposure"]; e != "" {
		if snap.Exposure, err = decimal.NewFromString(e); err != nil {
			return domain.BalanceSnapshot{}, fmt.Errorf("redis: parse exposure %s: %w", principalID, err)
		}
	}
	if ns, err := strconv.ParseInt(vals["as_of"], 10, 64); err == nil {
		snap.AsOf = time.Unix(0, ns)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.BalanceCache = (*BalanceCache)(nil)
