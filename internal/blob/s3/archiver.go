package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// archiveLockTTL bounds how long one node may hold the archive lock.
const archiveLockTTL = 10 * time.Minute

// eventArchiveFailed is the operator alert raised when a scheduled run fails.
const eventArchiveFailed = "archive_failed"

// Alerter notifies operators.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// WagerArchiveStore is the slice of the wager journal the archiver needs.
type WagerArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.WagerRecord, error)
	DeleteByID(ctx context.Context, ids []string) (int64, error)
}

// ArchiveImpl implements domain.Archiver. Settled wagers older than the
// cutoff are written to object storage as JSONL, read back to confirm the
// upload, and only then removed from the journal. Wagers whose outcome is
// still unknown are never archived.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	wagers WagerArchiveStore
	audit  domain.AuditStore
	locks  domain.LockManager
	alerts Alerter
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates a new ArchiveImpl. locks may be nil when only one
// node runs the archive job.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	wagers WagerArchiveStore,
	audit domain.AuditStore,
	locks domain.LockManager,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		wagers: wagers,
		audit:  audit,
		locks:  locks,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// WithAlerts makes scheduled runs report failures through alerts.
func (a *ArchiveImpl) WithAlerts(alerts Alerter) *ArchiveImpl {
	a.alerts = alerts
	return a
}

// ArchiveWagers archives settled wagers created before the cutoff and
// returns how many were moved. When another node holds the archive lock it
// returns 0 and domain.ErrLockHeld.
func (a *ArchiveImpl) ArchiveWagers(ctx context.Context, before time.Time) (int64, error) {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, "archive:wagers", archiveLockTTL)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive wagers: %w", err)
		}
		defer unlock()
	}

	wagers, err := a.wagers.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive wagers query: %w", err)
	}
	if len(wagers) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(wagers)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive wagers marshal: %w", err)
	}

	path := archivePath(before, a.now())
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive wagers upload: %w", err)
	}

	if err := a.verify(ctx, path, int64(len(buf))); err != nil {
		return 0, err
	}

	ids := make([]string, len(wagers))
	for i, w := range wagers {
		ids[i] = w.ID
	}
	deleted, err := a.wagers.DeleteByID(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive wagers prune: %w", err)
	}

	a.logger.Info("archiver: wagers archived",
		slog.String("path", path),
		slog.Int("count", len(wagers)),
		slog.Int64("deleted", deleted),
	)

	if err := a.audit.Log(ctx, "archive.wagers", "", map[string]any{
		"path":    path,
		"count":   len(wagers),
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive wagers audit log: %w", err)
	}
	return deleted, nil
}

// verify reads the object back and checks its size.
func (a *ArchiveImpl) verify(ctx context.Context, path string, want int64) error {
	rc, err := a.reader.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive wagers verify: %w", err)
	}
	defer rc.Close()

	got, err := io.Copy(io.Discard, rc)
	if err != nil {
		return fmt.Errorf("s3blob: archive wagers verify read: %w", err)
	}
	if got != want {
		return fmt.Errorf("s3blob: archive wagers verify %s: %d bytes stored, %d written", path, got, want)
	}
	return nil
}

// Run archives every interval until ctx is cancelled, moving wagers older
// than retention.
func (a *ArchiveImpl) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.ArchiveWagers(ctx, a.now().Add(-retention))
			switch {
			case errors.Is(err, domain.ErrLockHeld):
				a.logger.Debug("archiver: another node is archiving")
			case err != nil:
				a.logger.Error("archiver: run failed", slog.String("error", err.Error()))
				if a.alerts != nil {
					if nerr := a.alerts.Notify(ctx, eventArchiveFailed, "Wager archive failed", err.Error()); nerr != nil {
						a.logger.Warn("archiver: alert failed", slog.String("error", nerr.Error()))
					}
				}
			case n > 0:
				a.logger.Info("archiver: run complete", slog.Int64("archived", n))
			}
		}
	}
}

// archivePath builds the object key for one archive run, partitioned by the
// cutoff day:
//
//	wagers/2025/01/31/1738281600.jsonl
func archivePath(before, runAt time.Time) string {
	return fmt.Sprintf("wagers/%s/%d.jsonl", before.UTC().Format("2006/01/02"), runAt.Unix())
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface checks.
var (
	_ domain.Archiver   = (*ArchiveImpl)(nil)
	_ domain.BlobWriter = (*Writer)(nil)
	_ domain.BlobReader = (*Reader)(nil)
)
