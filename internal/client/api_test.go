package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/livewager/internal/domain"
)

func testSubmission() domain.Submission {
	stake := decimal.NewFromInt(500)
	rate := decimal.NewFromInt(190)
	return domain.Submission{
		IdempotencyKey: "k1",
		MarketID:       "m1",
		Side:           domain.SideBack,
		Rate:           rate,
		Stake:          stake,
		Profit:         domain.Profit(stake, rate),
		Loss:           domain.Loss(stake),
	}
}

func TestSubmit(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		want    domain.SubmissionResult
		wantErr error
	}{
		{"accepted", http.StatusCreated, `{"outcome":"accepted","wager_id":"L1"}`, domain.Accepted("L1"), nil},
		{"duplicate", http.StatusConflict, `{"outcome":"rejected","reason":"duplicate_request","message":"m"}`,
			domain.SubmissionResult{Outcome: domain.OutcomeRejected, Reason: domain.ReasonDuplicate, Message: "m"}, nil},
		{"unknown", http.StatusAccepted, `{"outcome":"unknown","reason":"status_unknown"}`,
			domain.SubmissionResult{Outcome: domain.OutcomeUnknown, Reason: domain.ReasonStatusUnknown}, nil},
		{"bearer refused", http.StatusUnauthorized, `{"error":"Your session has expired. Sign in again."}`, domain.Rejected(domain.ErrAuthentication), nil},
		{"api rate limit", http.StatusTooManyRequests, `{"error":"rate limit exceeded"}`, domain.Rejected(domain.ErrRateLimited), nil},
		{"proxy error page", http.StatusBadGateway, `<html>bad gateway</html>`, domain.Rejected(domain.ErrTransport), nil},
		{"garbled success", http.StatusCreated, `not json`, domain.SubmissionResult{}, domain.ErrStatusUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/api/wagers" {
					t.Errorf("request = %s %s", r.Method, r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("authorization = %q", got)
				}
				var sub domain.Submission
				if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.IdempotencyKey != "k1" {
					t.Errorf("body = %+v, %v", sub, err)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			got, err := NewAPIClient(srv.URL, "tok", "").Submit(context.Background(), testSubmission())
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("result = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestSubmitServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewAPIClient(url, "tok", "").Submit(context.Background(), testSubmission())
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
}

func TestSubmitDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewAPIClient(srv.URL, "tok", "").Submit(ctx, testSubmission())
	if !errors.Is(err, domain.ErrStatusUnknown) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestHistory(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "10" || q.Get("since") != "2026-01-02T03:04:05Z" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"wagers":[{"id":"w1","principal_id":"42","idempotency_key":"k1","outcome":"accepted"}]}`))
	}))
	defer srv.Close()

	recs, err := NewAPIClient(srv.URL, "tok", "").History(context.Background(), domain.ListOpts{Limit: 10, Since: &since})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "w1" || recs[0].Outcome != domain.OutcomeAccepted {
		t.Fatalf("records = %+v", recs)
	}
}

func TestHistoryUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"expired"}`))
	}))
	defer srv.Close()

	if _, err := NewAPIClient(srv.URL, "tok", "").History(context.Background(), domain.ListOpts{}); !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatch(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		wantQueued bool
		wantSent   int
		wantErr    error
	}{
		{"direct", http.StatusOK, `{"seq":7,"sent":3,"evicted":0}`, false, 3, nil},
		{"bus", http.StatusAccepted, `{"queued":true}`, true, 0, nil},
		{"bad room", http.StatusBadRequest, `{"error":"invalid room key"}`, false, 0, domain.ErrValidation},
		{"wrong key", http.StatusUnauthorized, `{"error":"unauthorized"}`, false, 0, domain.ErrAuthentication},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get(InternalKeyHeader) != "ik" {
					t.Errorf("internal key = %q", r.Header.Get(InternalKeyHeader))
				}
				var req struct {
					Room    string          `json:"room"`
					Event   string          `json:"event"`
					Payload json.RawMessage `json:"payload"`
				}
				json.NewDecoder(r.Body).Decode(&req)
				if req.Room != "match:1" || req.Event != "live-score" || string(req.Payload) != `{"home":2}` {
					t.Errorf("request = %+v", req)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewAPIClient(srv.URL, "", "ik")
			res, queued, err := c.Dispatch(context.Background(), "match:1", domain.EventLiveScore, json.RawMessage(`{"home":2}`))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if queued != tc.wantQueued || res.Sent != tc.wantSent {
				t.Fatalf("res = %+v queued = %v", res, queued)
			}
		})
	}
}
