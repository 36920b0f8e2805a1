package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// WagerStore implements domain.WagerStore using PostgreSQL. Amounts are
// written and read as text so decimal precision survives the round trip.
type WagerStore struct {
	pool *pgxpool.Pool
}

// NewWagerStore creates a new WagerStore backed by the given connection pool.
func NewWagerStore(pool *pgxpool.Pool) *WagerStore {
	return &WagerStore{pool: pool}
}

// Create journals a submission. A second record with the same principal and
// idempotency key returns domain.ErrAlreadyExists.
func (s *WagerStore) Create(ctx context.Context, rec domain.WagerRecord) error {
	const query = `
		INSERT INTO wagers (
			id, principal_id, idempotency_key, market_id, match_id, side,
			rate, stake, profit, loss,
			outcome, reason, ledger_wager_id, created_at, settled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::text::numeric, $8::text::numeric, $9::text::numeric, $10::text::numeric,
			$11, $12, $13, $14, $15
		)`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.PrincipalID, rec.IdempotencyKey, rec.MarketID, rec.MatchID, string(rec.Side),
		rec.Rate.String(), rec.Stake.String(), rec.Profit.String(), rec.Loss.String(),
		string(rec.Outcome), string(rec.Reason), rec.LedgerWagerID, createdAt, rec.SettledAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create wager %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateOutcome records how a submission ended. Settled time is set for
// accepted and rejected outcomes and left empty while the outcome is
// unknown.
func (s *WagerStore) UpdateOutcome(ctx context.Context, id string, outcome domain.Outcome, reason domain.RejectionReason, ledgerWagerID string) error {
	const query = `
		UPDATE wagers
		SET outcome = $1, reason = $2, ledger_wager_id = $3,
		    settled_at = CASE WHEN $1 = 'unknown' THEN NULL ELSE NOW() END
		WHERE id = $4`

	tag, err := s.pool.Exec(ctx, query, string(outcome), string(reason), ledgerWagerID, id)
	if err != nil {
		return fmt.Errorf("postgres: update wager outcome %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Reopen marks a rejected wager unknown again and restarts its clock, so the
// reconciler treats the new attempt as in flight. Only rejected rows move.
func (s *WagerStore) Reopen(ctx context.Context, id string, at time.Time) error {
	const query = `
		UPDATE wagers
		SET outcome = 'unknown', reason = '', ledger_wager_id = '',
		    settled_at = NULL, created_at = $2
		WHERE id = $1 AND outcome = 'rejected'`

	tag, err := s.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("postgres: reopen wager %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const wagerSelectCols = `id, principal_id, idempotency_key, market_id, match_id, side,
	rate::text, stake::text, profit::text, loss::text,
	outcome, reason, ledger_wager_id, created_at, settled_at`

func scanWager(scanner interface{ Scan(dest ...any) error }) (domain.WagerRecord, error) {
	var w domain.WagerRecord
	var side, outcome, reason string
	var rate, stake, profit, loss string

	err := scanner.Scan(
		&w.ID, &w.PrincipalID, &w.IdempotencyKey, &w.MarketID, &w.MatchID, &side,
		&rate, &stake, &profit, &loss,
		&outcome, &reason, &w.LedgerWagerID, &w.CreatedAt, &w.SettledAt,
	)
	if err != nil {
		return domain.WagerRecord{}, err
	}

	w.Side = domain.Side(side)
	w.Outcome = domain.Outcome(outcome)
	w.Reason = domain.RejectionReason(reason)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&w.Rate, rate}, {&w.Stake, stake}, {&w.Profit, profit}, {&w.Loss, loss}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.WagerRecord{}, fmt.Errorf("parse amount %q: %w", f.src, err)
		}
	}
	return w, nil
}

// GetByKey returns the record for a principal's idempotency key.
func (s *WagerStore) GetByKey(ctx context.Context, principalID, idempotencyKey string) (domain.WagerRecord, error) {
	query := `SELECT ` + wagerSelectCols + ` FROM wagers WHERE principal_id = $1 AND idempotency_key = $2`

	w, err := scanWager(s.pool.QueryRow(ctx, query, principalID, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WagerRecord{}, domain.ErrNotFound
		}
		return domain.WagerRecord{}, fmt.Errorf("postgres: get wager %s/%s: %w", principalID, idempotencyKey, err)
	}
	return w, nil
}

// ListByPrincipal returns a principal's wagers, newest first.
func (s *WagerStore) ListByPrincipal(ctx context.Context, principalID string, opts domain.ListOpts) ([]domain.WagerRecord, error) {
	query, args := newSelect(`SELECT `+wagerSelectCols+` FROM wagers`).
		and("principal_id", "=", principalID).
		window(opts).
		build()
	return s.list(ctx, query, args...)
}

// ListBefore returns settled wagers created strictly before the cutoff,
// oldest first. Wagers with an unknown outcome are never returned.
func (s *WagerStore) ListBefore(ctx context.Context, before time.Time) ([]domain.WagerRecord, error) {
	query := `SELECT ` + wagerSelectCols + ` FROM wagers
		WHERE created_at < $1 AND outcome IN ('accepted', 'rejected')
		ORDER BY created_at ASC`
	return s.list(ctx, query, before)
}

// ListUnknown returns wagers whose outcome is still unknown, oldest first.
func (s *WagerStore) ListUnknown(ctx context.Context, limit int) ([]domain.WagerRecord, error) {
	query := `SELECT ` + wagerSelectCols + ` FROM wagers
		WHERE outcome = 'unknown' ORDER BY created_at ASC LIMIT $1`
	return s.list(ctx, query, limit)
}

// DeleteByID removes the given wagers.
func (s *WagerStore) DeleteByID(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM wagers WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete %d wagers: %w", len(ids), err)
	}
	return tag.RowsAffected(), nil
}

func (s *WagerStore) list(ctx context.Context, query string, args ...any) ([]domain.WagerRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list wagers: %w", err)
	}
	defer rows.Close()

	var out []domain.WagerRecord
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan wager: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list wagers rows: %w", err)
	}
	return out, nil
}

// Compile-time interface checks.
var (
	_ domain.WagerStore = (*WagerStore)(nil)
	_ domain.AuditStore = (*AuditStore)(nil)
)
