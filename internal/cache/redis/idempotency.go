package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/livewager/internal/domain"
)

const pendingMarker = "pending"

// IdempotencyStore implements domain.IdempotencyStore with one string per key
// at "<prefix>:wager:{key}". The value is "pending" while the first request
// is in flight and the JSON result afterwards.
type IdempotencyStore struct {
	c *Client
}

// NewIdempotencyStore creates an IdempotencyStore backed by the given Client.
func NewIdempotencyStore(c *Client) *IdempotencyStore {
	return &IdempotencyStore{c: c}
}

// Reserve implements domain.IdempotencyStore.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, domain.SubmissionResult, error) {
	k := s.c.key("wager", key)
	ok, err := s.c.rdb.SetNX(ctx, k, pendingMarker, ttl).Result()
	if err != nil {
		return false, domain.SubmissionResult{}, fmt.Errorf("redis: reserve %s: %w", key, err)
	}
	if ok {
		return true, domain.SubmissionResult{}, nil
	}

	val, err := s.c.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired or released between the two calls.
		return s.Reserve(ctx, key, ttl)
	}
	if err != nil {
		return false, domain.SubmissionResult{}, fmt.Errorf("redis: read reservation %s: %w", key, err)
	}
	if val == pendingMarker {
		return false, domain.SubmissionResult{}, nil
	}

	var prior domain.SubmissionResult
	if err := json.Unmarshal([]byte(val), &prior); err != nil {
		return false, domain.SubmissionResult{}, fmt.Errorf("redis: decode reservation %s: %w", key, err)
	}
	return false, prior, nil
}

// Complete implements domain.IdempotencyStore.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, res domain.SubmissionResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("redis: encode result %s: %w", key, err)
	}
	if err := s.c.rdb.Set(ctx, s.c.key("wager", key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: complete %s: %w", key, err)
	}
	return nil
}

// Release implements domain.IdempotencyStore.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.c.rdb.Del(ctx, s.c.key("wager", key)).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)
