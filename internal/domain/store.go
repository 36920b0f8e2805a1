package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// WagerStore journals submissions and their outcomes.
type WagerStore interface {
	Create(ctx context.Context, rec WagerRecord) error
	UpdateOutcome(ctx context.Context, id string, outcome Outcome, reason RejectionReason, ledgerWagerID string) error
	// Reopen returns a rejected entry to unknown for a new attempt made at
	// the given time.
	Reopen(ctx context.Context, id string, at time.Time) error
	GetByKey(ctx context.Context, principalID, idempotencyKey string) (WagerRecord, error)
	ListByPrincipal(ctx context.Context, principalID string, opts ListOpts) ([]WagerRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]WagerRecord, error)
	ListUnknown(ctx context.Context, limit int) ([]WagerRecord, error)
	DeleteByID(ctx context.Context, ids []string) (int64, error)
}

// AuditEntry is a single row of the append-only audit log.
type AuditEntry struct {
	ID          int64          `json:"id"`
	Event       string         `json:"event"`
	PrincipalID string         `json:"principal_id,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event, principalID string, detail map[string]any) error
	List(ctx context.Context, principalID string, opts ListOpts) ([]AuditEntry, error)
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads objects back from storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Archiver moves old journal rows to cold storage.
type Archiver interface {
	ArchiveWagers(ctx context.Context, before time.Time) (int64, error)
}
