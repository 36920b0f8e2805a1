package client

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
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/livewager/internal/dispatch"
	"github.com/alanyoungcy/livewager/internal/domain"
)

// InternalKeyHeader authenticates trusted producers on /internal routes.
const InternalKeyHeader = "X-Internal-Key"

// APIClient calls the livewager HTTP API. It implements wager.Submitter so a
// slip can submit through the server.
type APIClient struct {
	baseURL     string
	token       string
	internalKey string
	httpClient  *http.Client
}

// NewAPIClient creates a client for baseURL, e.g. "https://host". token
// authenticates principal routes; internalKey, when set, authenticates
// Dispatch.
func NewAPIClient(baseURL, token, internalKey string) *APIClient {
	return &APIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		internalKey: internalKey,
		httpClient:  &http.Client{},
	}
}

// Submit posts a submission. Every answer from the server becomes a typed
// result. The error is non-nil only when no answer was observed: it wraps
// domain.ErrTransport when the request never left and
// domain.ErrStatusUnknown when it may have been processed.
func (c *APIClient) Submit(ctx context.Context, sub domain.Submission) (domain.SubmissionResult, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/api/wagers", sub, c.bearer())
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("client: submit: %w", err)
	}

	switch status {
	case http.StatusUnauthorized:
		return domain.Rejected(domain.ErrAuthentication), nil
	case http.StatusTooManyRequests:
		return domain.Rejected(domain.ErrRateLimited), nil
	}

	var res domain.SubmissionResult
	if err := json.Unmarshal(body, &res); err != nil || res.Outcome == "" {
		if status >= 200 && status < 300 {
			return domain.SubmissionResult{}, fmt.Errorf("client: submit: undecodable HTTP %d answer: %w", status, domain.ErrStatusUnknown)
		}
		if status >= 500 {
			return domain.Rejected(domain.ErrTransport), nil
		}
		return domain.Rejected(domain.ErrValidation), nil
	}
	return res, nil
}

type historyResponse struct {
	Wagers []domain.WagerRecord `json:"wagers"`
}

// History lists the caller's own submissions, newest first.
func (c *APIClient) History(ctx context.Context, opts domain.ListOpts) ([]domain.WagerRecord, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Since != nil {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Until != nil {
		q.Set("until", opts.Until.UTC().Format(time.RFC3339))
	}
	path := "/api/wagers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	status, body, err := c.do(ctx, http.MethodGet, path, nil, c.bearer())
	if err != nil {
		return nil, fmt.Errorf("client: history: %w", err)
	}
	if err := checkStatus(status, body); err != nil {
		return nil, fmt.Errorf("client: history: %w", err)
	}

	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("client: decode history: %w", err)
	}
	return resp.Wagers, nil
}

type dispatchRequest struct {
	Room    string           `json:"room"`
	Event   domain.EventName `json:"event"`
	Payload any              `json:"payload"`
}

// Dispatch pushes an event through the internal endpoint. queued reports
// that the server handed the event to the bus instead of delivering it
// directly, in which case res is zero.
func (c *APIClient) Dispatch(ctx context.Context, room string, event domain.EventName, payload any) (res dispatch.Result, queued bool, err error) {
	hdr := map[string]string{InternalKeyHeader: c.internalKey}
	status, body, err := c.do(ctx, http.MethodPost, "/internal/dispatch", dispatchRequest{Room: room, Event: event, Payload: payload}, hdr)
	if err != nil {
		return dispatch.Result{}, false, fmt.Errorf("client: dispatch: %w", err)
	}
	if err := checkStatus(status, body); err != nil {
		return dispatch.Result{}, false, fmt.Errorf("client: dispatch %s to %s: %w", event, room, err)
	}
	if status == http.StatusAccepted {
		return dispatch.Result{}, true, nil
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return dispatch.Result{}, false, fmt.Errorf("client: decode dispatch: %w", err)
	}
	return res, false, nil
}

func (c *APIClient) bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.token}
}

func (c *APIClient) do(ctx context.Context, method, path string, reqBody any, headers map[string]string) (int, []byte, error) {
	var payload io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %v: %w", err, domain.ErrStatusUnknown)
	}
	return resp.StatusCode, body, nil
}

// classify separates failures that certainly left nothing on the server
// from ones that may have.
func classify(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("http request: %v: %w", err, domain.ErrTransport)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("http request: %v: %w", err, domain.ErrTransport)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("http request: %w: %w", err, domain.ErrStatusUnknown)
	}
	return fmt.Errorf("http request: %v: %w", err, domain.ErrStatusUnknown)
}

type apiError struct {
	Error string `json:"error"`
}

func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var e apiError
	_ = json.Unmarshal(body, &e)

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("HTTP %d: %s: %w", status, e.Error, domain.ErrAuthentication)
	case http.StatusTooManyRequests:
		return fmt.Errorf("HTTP %d: %s: %w", status, e.Error, domain.ErrRateLimited)
	case http.StatusBadRequest:
		return fmt.Errorf("HTTP %d: %s: %w", status, e.Error, domain.ErrValidation)
	default:
		return fmt.Errorf("HTTP %d: %s: %w", status, e.Error, domain.ErrTransport)
	}
}
