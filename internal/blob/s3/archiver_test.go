package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/livewager/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	corrupt bool
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if m.corrupt {
		b = b[:len(b)/2]
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type memWagers struct {
	rows    []domain.WagerRecord
	deleted []string
}

func (m *memWagers) ListBefore(_ context.Context, before time.Time) ([]domain.WagerRecord, error) {
	var out []domain.WagerRecord
	for _, w := range m.rows {
		if w.CreatedAt.Before(before) && w.Outcome != domain.OutcomeUnknown {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memWagers) DeleteByID(_ context.Context, ids []string) (int64, error) {
	m.deleted = append(m.deleted, ids...)
	return int64(len(ids)), nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event, _ string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func fixture() *memWagers {
	base := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	return &memWagers{rows: []domain.WagerRecord{
		{ID: "a", PrincipalID: "42", Outcome: domain.OutcomeAccepted, Stake: decimal.NewFromInt(10), CreatedAt: base.Add(-48 * time.Hour)},
		{ID: "b", PrincipalID: "42", Outcome: domain.OutcomeRejected, Stake: decimal.NewFromInt(20), CreatedAt: base.Add(-47 * time.Hour)},
		{ID: "c", PrincipalID: "7", Outcome: domain.OutcomeUnknown, CreatedAt: base.Add(-46 * time.Hour)},
		{ID: "d", PrincipalID: "7", Outcome: domain.OutcomeAccepted, CreatedAt: base},
	}}
}

func newTestArchiver(blobs *memBlobs, wagers *memWagers, audit *memAudit, locks domain.LockManager) *ArchiveImpl {
	a := NewArchiver(blobs, blobs, wagers, audit, locks, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Unix(1738324800, 0) }
	return a
}

func TestArchiveWagers(t *testing.T) {
	blobs := &memBlobs{objects: map[string][]byte{}}
	wagers := fixture()
	audit := &memAudit{}
	a := newTestArchiver(blobs, wagers, audit, nil)

	cutoff := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchiveWagers(context.Background(), cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("archived = %d, want 2", n)
	}

	data, ok := blobs.objects["wagers/2025/01/31/1738324800.jsonl"]
	if !ok {
		t.Fatalf("objects = %v", blobs.objects)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	var first domain.WagerRecord
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil || first.ID != "a" {
		t.Errorf("first line = %s (%v)", lines[0], err)
	}
	if strings.Join(wagers.deleted, ",") != "a,b" {
		t.Errorf("deleted = %v; unknown and recent wagers must stay", wagers.deleted)
	}
	if len(audit.events) != 1 || audit.events[0] != "archive.wagers" {
		t.Errorf("audit = %v", audit.events)
	}
}

func TestArchiveKeepsRowsWhenVerifyFails(t *testing.T) {
	blobs := &memBlobs{objects: map[string][]byte{}, corrupt: true}
	wagers := fixture()
	a := newTestArchiver(blobs, wagers, &memAudit{}, nil)

	if _, err := a.ArchiveWagers(context.Background(), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)); err == nil {
		t.Fatal("expected verification failure")
	}
	if len(wagers.deleted) != 0 {
		t.Errorf("rows deleted despite failed verification: %v", wagers.deleted)
	}
}

func TestArchiveRespectsLock(t *testing.T) {
	blobs := &memBlobs{objects: map[string][]byte{}}
	wagers := fixture()
	a := newTestArchiver(blobs, wagers, &memAudit{}, heldLock{})

	if _, err := a.ArchiveWagers(context.Background(), time.Now()); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
	if len(blobs.objects) != 0 {
		t.Error("uploaded while another node held the lock")
	}
}

type recAlerts struct {
	mu     sync.Mutex
	events []string
}

func (r *recAlerts) Notify(_ context.Context, event, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recAlerts) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestRunAlertsOnFailure(t *testing.T) {
	blobs := &memBlobs{objects: map[string][]byte{}, corrupt: true}
	alerts := &recAlerts{}
	a := NewArchiver(blobs, blobs, fixture(), &memAudit{}, nil, slog.New(slog.NewJSONHandler(io.Discard, nil))).
		WithAlerts(alerts)
	a.now = func() time.Time { return time.Date(2025, 2, 5, 0, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, 10*time.Millisecond, 24*time.Hour) }()

	deadline := time.Now().Add(2 * time.Second)
	for alerts.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if alerts.count() == 0 {
		t.Fatal("no archive_failed alert raised")
	}
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if alerts.events[0] != "archive_failed" {
		t.Fatalf("event = %q", alerts.events[0])
	}
}
