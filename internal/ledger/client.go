// Package ledger is the REST client for the ledger and bet-matching
// collaborator: the boundary wagers are submitted to and balances are read
// from.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/livewager/internal/crypto"
	"github.com/alanyoungcy/livewager/internal/domain"
)

// IdempotencyHeader carries the submission's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// Client talks to the ledger over HTTP.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// NewClient creates a ledger client. baseURL is the API root, e.g.
// "https://ledger.internal/v1". A zero timeout defers entirely to the
// caller's context.
func NewClient(baseURL string, auth *crypto.HMACAuth, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// placeRequest is the body of POST /wagers.
type placeRequest struct {
	PrincipalID string `json:"principal_id"`
	domain.Submission
}

// Place submits a wager. A typed result is returned whenever the ledger
// answered, including rejections. The error is non-nil only when no answer
// was observed: it wraps domain.ErrTransport when the request certainly did
// not reach the ledger and domain.ErrStatusUnknown when it may have.
func (c *Client) Place(ctx context.Context, principalID string, sub domain.Submission) (domain.SubmissionResult, error) {
	hdr := map[string]string{IdempotencyHeader: sub.IdempotencyKey}
	status, body, err := c.do(ctx, http.MethodPost, "/wagers", placeRequest{PrincipalID: principalID, Submission: sub}, hdr)
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("ledger: place: %w", err)
	}

	switch {
	case status == http.StatusConflict:
		return domain.Rejected(domain.ErrDuplicateSubmission), nil
	case status == http.StatusGatewayTimeout:
		return domain.SubmissionResult{}, fmt.Errorf("ledger: place: HTTP %d: %w", status, domain.ErrStatusUnknown)
	case status >= 500:
		return domain.SubmissionResult{}, fmt.Errorf("ledger: place: HTTP %d: %w", status, domain.ErrTransport)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.SubmissionResult{}, fmt.Errorf("ledger: place: HTTP %d (check ledger credentials): %w", status, domain.ErrTransport)
	}

	var res domain.SubmissionResult
	if err := json.Unmarshal(body, &res); err != nil {
		if status >= 200 && status < 300 {
			return domain.SubmissionResult{}, fmt.Errorf("ledger: decode place response: %v: %w", err, domain.ErrStatusUnknown)
		}
		return domain.Rejected(domain.ErrValidation), nil
	}
	return normalise(status, res), nil
}

// normalise turns a decoded ledger answer into a result the client can act
// on. Messages are regenerated from the reason so ledger wording never leaks.
func normalise(status int, res domain.SubmissionResult) domain.SubmissionResult {
	switch {
	case status >= 200 && status < 300 && (res.Outcome == "" || res.Outcome == domain.OutcomeAccepted):
		return domain.Accepted(res.WagerID)
	case res.Outcome == domain.OutcomeUnknown:
		return domain.Unknown()
	default:
		return domain.Rejected(domain.ReasonError(res.Reason))
	}
}

// Lookup asks the ledger what became of the submission with key. It returns
// domain.ErrNotFound when the ledger never saw it.
func (c *Client) Lookup(ctx context.Context, principalID, key string) (domain.SubmissionResult, error) {
	path := "/wagers/" + url.PathEscape(key) + "?" + url.Values{"principal_id": {principalID}}.Encode()
	status, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("ledger: lookup %s: %w", key, err)
	}
	if status == http.StatusNotFound {
		return domain.SubmissionResult{}, domain.ErrNotFound
	}
	if err := checkStatus(status, body); err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("ledger: lookup %s: %w", key, err)
	}

	var res domain.SubmissionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("ledger: decode lookup: %w", err)
	}
	return normalise(status, res), nil
}

// Balance returns the principal's current balance snapshot.
func (c *Client) Balance(ctx context.Context, principalID string) (domain.BalanceSnapshot, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/balances/"+url.PathEscape(principalID), nil, nil)
	if err != nil {
		return domain.BalanceSnapshot{}, fmt.Errorf("ledger: balance %s: %w", principalID, err)
	}
	if status == http.StatusNotFound {
		return domain.BalanceSnapshot{}, domain.ErrNotFound
	}
	if err := checkStatus(status, body); err != nil {
		return domain.BalanceSnapshot{}, fmt.Errorf("ledger: balance %s: %w", principalID, err)
	}

	var snap domain.BalanceSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return domain.BalanceSnapshot{}, fmt.Errorf("ledger: decode balance: %w", err)
	}
	if snap.PrincipalID == "" {
		snap.PrincipalID = principalID
	}
	return snap, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, signs, sends and reads a request. Errors are classified as
// domain.ErrTransport or domain.ErrStatusUnknown; HTTP status handling is
// left to the caller.
func (c *Client) do(ctx context.Context, method, path string, reqBody any, headers map[string]string) (int, []byte, error) {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %v: %w", err, domain.ErrTransport)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, req.URL.RequestURI(), string(payload)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %v: %w", err, domain.ErrStatusUnknown)
	}
	return resp.StatusCode, respBody, nil
}

// classify decides whether a failed round trip could have reached the
// ledger. Only failures to connect are known not to have.
func classify(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("http request: %v: %w", err, domain.ErrTransport)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("http request: %v: %w", err, domain.ErrTransport)
	}
	return fmt.Errorf("http request: %v: %w", err, domain.ErrStatusUnknown)
}

// apiError is the ledger's error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// checkStatus maps non-2xx HTTP status codes to errors.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var e apiError
	_ = json.Unmarshal(body, &e)

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("unauthorized: %s (%s): %w", e.Message, e.Code, domain.ErrTransport)
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: %s (%s): %w", e.Message, e.Code, domain.ErrRateLimited)
	default:
		return fmt.Errorf("HTTP %d: %s (%s): %w", status, e.Message, e.Code, domain.ErrTransport)
	}
}
