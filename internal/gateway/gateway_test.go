package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/livewager/internal/auth"
	"github.com/alanyoungcy/livewager/internal/domain"
)

const testSecret = "gateway-test-secret"

type harness struct {
	gw     *Gateway
	reg    *Registry
	srv    *httptest.Server
	issuer *auth.Issuer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := NewRegistry()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	gw := New(cfg, auth.NewVerifier(testSecret, "", 0), reg, logger)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(srv.Close)
	return &harness{gw: gw, reg: reg, srv: srv, issuer: auth.NewIssuer(testSecret, "")}
}

func (h *harness) dial(t *testing.T, p domain.Principal, ttl time.Duration) *websocket.Conn {
	t.Helper()
	token, err := h.issuer.Issue(p, ttl)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http"), hdr)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })

	hello := readFrame(t, ws)
	if hello["type"] != "hello" {
		t.Fatalf("first frame = %v, want hello", hello)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandshakeRequiresToken(t *testing.T) {
	h := newHarness(t, Config{})
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"wrong key", func() string {
			tok, _ := auth.NewIssuer("other", "").Issue(domain.Principal{ID: "1", Role: domain.RolePunter}, time.Minute)
			return tok
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := http.Header{}
			if tt.token != "" {
				hdr.Set("Authorization", "Bearer "+tt.token)
			}
			_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
			if err == nil {
				t.Fatal("expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("resp = %v, want 401", resp)
			}
		})
	}
	if n := h.gw.Stats().Rooms; n != 0 {
		t.Errorf("rooms = %d after refused handshakes, want 0", n)
	}
}

func TestMandatoryRoomsAndDelivery(t *testing.T) {
	h := newHarness(t, Config{})
	ws42 := h.dial(t, domain.Principal{ID: "42", Role: domain.RolePunter}, time.Minute)
	ws7 := h.dial(t, domain.Principal{ID: "7", Role: domain.RolePunter}, time.Minute)

	waitFor(t, func() bool { return len(h.reg.Members(domain.RoleRoom(domain.RolePunter))) == 2 })

	rep := h.reg.Deliver(domain.UserRoom("42"), []byte(`{"event":"balance-change"}`))
	if rep.Sent != 1 {
		t.Fatalf("sent = %d, want 1", rep.Sent)
	}
	if got := readFrame(t, ws42); got["event"] != "balance-change" {
		t.Errorf("principal 42 got %v", got)
	}

	// Principal 7 must see nothing; a ping round trip proves the queue is empty.
	ws7.WriteJSON(clientMsg{Action: "ping", ID: "p1"})
	if got := readFrame(t, ws7); got["type"] != "pong" {
		t.Errorf("principal 7 got %v, want pong", got)
	}
}

func TestJoinAndRefusal(t *testing.T) {
	h := newHarness(t, Config{})
	ws := h.dial(t, domain.Principal{ID: "9", Role: domain.RolePunter}, time.Minute)

	ws.WriteJSON(clientMsg{Action: "join", Room: "match:1001", ID: "a"})
	ack := readFrame(t, ws)
	if ack["type"] != "ack" || ack["room"] != "match:1001" {
		t.Fatalf("join reply = %v", ack)
	}

	ws.WriteJSON(clientMsg{Action: "join", Room: "user:42", ID: "b"})
	refusal := readFrame(t, ws)
	if refusal["type"] != "error" || refusal["code"] != "authorization" {
		t.Fatalf("join user:42 reply = %v", refusal)
	}
	if len(h.reg.Members(domain.UserRoom("42"))) != 0 {
		t.Fatal("client joined another principal's room")
	}

	// The connection survives the refusal.
	h.reg.Deliver(domain.MatchRoom("1001"), []byte(`{"event":"live-score"}`))
	if got := readFrame(t, ws); got["event"] != "live-score" {
		t.Errorf("got %v, want live-score", got)
	}

	ws.WriteJSON(clientMsg{Action: "leave", Room: "match:1001", ID: "c"})
	if got := readFrame(t, ws); got["type"] != "ack" {
		t.Fatalf("leave reply = %v", got)
	}
	if n := len(h.reg.Members(domain.MatchRoom("1001"))); n != 0 {
		t.Errorf("members after leave = %d", n)
	}
}

func TestDisconnectRemovesMembership(t *testing.T) {
	h := newHarness(t, Config{})
	ws := h.dial(t, domain.Principal{ID: "5", Role: domain.RoleAgent}, time.Minute)
	ws.WriteJSON(clientMsg{Action: "join", Rooms: []string{"match:1", "casino:2"}})
	readFrame(t, ws)
	readFrame(t, ws)

	ws.Close()
	waitFor(t, func() bool { return h.gw.Stats().Connections == 0 })

	if n := h.gw.Stats().Rooms; n != 0 {
		t.Errorf("rooms = %d after disconnect, want 0", n)
	}
}

func TestExpiredTokenDisconnects(t *testing.T) {
	h := newHarness(t, Config{ExpiryCheckInterval: 50 * time.Millisecond})
	ws := h.dial(t, domain.Principal{ID: "3", Role: domain.RolePunter}, 2*time.Second)

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want close error", err)
	}
	if ce.Code != closeTokenExpired {
		t.Errorf("close code = %d, want %d", ce.Code, closeTokenExpired)
	}
	waitFor(t, func() bool { return len(h.reg.Members(domain.UserRoom("3"))) == 0 })
}

func TestRunClosesSessions(t *testing.T) {
	h := newHarness(t, Config{})
	h.dial(t, domain.Principal{ID: "1", Role: domain.RolePunter}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.gw.Run(ctx) }()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run err = %v", err)
	}
	waitFor(t, func() bool { return h.gw.Stats().Connections == 0 })
}
