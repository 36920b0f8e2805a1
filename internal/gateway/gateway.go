// Package gateway implements the authenticated event channel: websocket
// sessions, the room registry they are delivered through, and the
// client-facing join/leave protocol.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/livewager/internal/auth"
	"github.com/alanyoungcy/livewager/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// closeTokenExpired is the application close code sent when the
	// session's credential runs out.
	closeTokenExpired = 4001
)

// Authenticator verifies a bearer credential.
type Authenticator interface {
	Verify(token string) (domain.Principal, error)
}

// Config holds gateway tuning.
type Config struct {
	SendBuffer          int
	Overflow            OverflowPolicy
	ExpiryCheckInterval time.Duration
	MaxMessageSize      int64
	JoinRatePerSec      float64
	JoinBurst           int
	AllowQueryToken     bool
	AllowedOrigins      []string
}

func (c *Config) setDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.Overflow == "" {
		c.Overflow = OverflowDropOldest
	}
	if c.ExpiryCheckInterval <= 0 {
		c.ExpiryCheckInterval = 15 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.JoinRatePerSec <= 0 {
		c.JoinRatePerSec = 10
	}
	if c.JoinBurst <= 0 {
		c.JoinBurst = 20
	}
}

// Gateway accepts event-channel connections, authenticates them and enrols
// them into their principal and role rooms.
type Gateway struct {
	cfg      Config
	auth     Authenticator
	registry *Registry
	subs     *Subscriptions
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

// New creates a Gateway that delivers through registry.
func New(cfg Config, authn Authenticator, registry *Registry, logger *slog.Logger) *Gateway {
	cfg.setDefaults()
	g := &Gateway{
		cfg:      cfg,
		auth:     authn,
		registry: registry,
		subs:     NewSubscriptions(registry),
		logger:   logger.With(slog.String("component", "gateway")),
		now:      time.Now,
		conns:    make(map[*Conn]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Stats is a point-in-time view of gateway load.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// Stats returns the current connection and room counts.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	n := len(g.conns)
	g.mu.RUnlock()
	return Stats{Connections: n, Rooms: g.registry.RoomCount()}
}

// Run blocks until ctx is cancelled, then disconnects every session.
func (g *Gateway) Run(ctx context.Context) error {
	<-ctx.Done()

	g.mu.RLock()
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		g.closeWith(c, websocket.CloseGoingAway, "server shutting down")
	}
	g.logger.Info("gateway: stopped", slog.Int("disconnected", len(conns)))
	return ctx.Err()
}

// HandleWS authenticates the handshake, upgrades it and starts the session.
// Unauthenticated requests are refused before any room is touched.
// GET /ws
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	principal, err := g.auth.Verify(auth.TokenFromRequest(r, g.cfg.AllowQueryToken))
	if err != nil {
		g.logger.Warn("gateway: handshake refused",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": domain.UserMessage(err)})
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("gateway: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConn(Session{
		ConnID:      uuid.NewString(),
		Principal:   principal,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: g.now().UTC(),
	}, g.cfg.SendBuffer, g.cfg.Overflow)
	c.ws = ws
	c.limiter = rate.NewLimiter(rate.Limit(g.cfg.JoinRatePerSec), g.cfg.JoinBurst)

	// Mandatory rooms. Keys are built here, never taken from the client.
	for _, key := range []domain.RoomKey{
		domain.UserRoom(principal.ID),
		domain.RoleRoom(principal.Role),
	} {
		if err := g.registry.Join(c, key); err != nil {
			g.logger.Error("gateway: enrol failed", slog.String("room", string(key)), slog.String("error", err.Error()))
			g.teardown(c)
			return
		}
	}

	g.mu.Lock()
	g.conns[c] = struct{}{}
	total := len(g.conns)
	g.mu.Unlock()

	g.logger.Info("gateway: client connected",
		slog.String("conn_id", c.ID()),
		slog.String("principal", principal.ID),
		slog.String("role", string(principal.Role)),
		slog.Int("total_clients", total),
	)

	g.sendControl(c, controlFrame{
		Type:      "hello",
		ConnID:    c.ID(),
		Rooms:     c.Rooms(),
		ExpiresAt: principal.ExpiresAt,
	})

	go g.writePump(c)
	go g.readPump(c)
}

// teardown removes c from every room and releases its socket. It runs once
// per connection, from whichever pump notices the disconnect first.
func (g *Gateway) teardown(c *Conn) {
	c.teardown.Do(func() {
		g.registry.RemoveAll(c)

		g.mu.Lock()
		delete(g.conns, c)
		total := len(g.conns)
		g.mu.Unlock()

		if c.ws != nil {
			_ = c.ws.Close()
		}
		g.logger.Info("gateway: client disconnected",
			slog.String("conn_id", c.ID()),
			slog.String("principal", c.session.Principal.ID),
			slog.Uint64("dropped_frames", c.Dropped()),
			slog.Int("total_clients", total),
		)
	})
}

// closeWith sends a close frame and tears the session down.
func (g *Gateway) closeWith(c *Conn, code int, text string) {
	if c.ws != nil {
		msg := websocket.FormatCloseMessage(code, text)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	g.teardown(c)
}

// clientMsg is the JSON message a client sends to manage subscriptions.
type clientMsg struct {
	Action string   `json:"action"` // "join" or "leave"
	Room   string   `json:"room"`
	Rooms  []string `json:"rooms"`
	ID     string   `json:"id"` // echoed on the reply
}

// controlFrame is every non-event frame the gateway writes.
type controlFrame struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	ConnID    string           `json:"conn_id,omitempty"`
	Action    string           `json:"action,omitempty"`
	Room      domain.RoomKey   `json:"room,omitempty"`
	Rooms     []domain.RoomKey `json:"rooms,omitempty"`
	Code      string           `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
	ExpiresAt time.Time        `json:"expires_at,omitzero"`
}

func (g *Gateway) sendControl(c *Conn, f controlFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	_ = c.enqueue(data)
}

// readPump reads subscription requests from the client. Its exit is the
// canonical disconnect signal.
func (g *Gateway) readPump(c *Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("gateway: read pump panic", slog.String("conn_id", c.ID()), slog.Any("panic", rec))
		}
		g.teardown(c)
	}()

	c.ws.SetReadLimit(g.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("gateway: unexpected close error",
					slog.String("conn_id", c.ID()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			g.sendControl(c, controlFrame{Type: "error", Code: "bad_request", Message: "malformed message"})
			continue
		}
		if !g.handleMessage(c, msg) {
			return
		}
	}
}

// handleMessage applies one subscription request. It returns false when the
// connection is gone.
func (g *Gateway) handleMessage(c *Conn, msg clientMsg) bool {
	action := strings.ToLower(strings.TrimSpace(msg.Action))
	if action == "ping" {
		g.sendControl(c, controlFrame{Type: "pong", ID: msg.ID})
		return true
	}
	if action != "join" && action != "leave" {
		g.sendControl(c, controlFrame{Type: "error", ID: msg.ID, Code: "bad_request", Message: "unknown action"})
		return true
	}

	rooms := msg.Rooms
	if msg.Room != "" {
		rooms = append([]string{msg.Room}, rooms...)
	}

	for _, raw := range rooms {
		if !c.limiter.Allow() {
			g.sendControl(c, controlFrame{Type: "error", ID: msg.ID, Action: action, Code: "rate_limited", Message: domain.UserMessage(domain.ErrRateLimited)})
			continue
		}

		var key domain.RoomKey
		var err error
		if action == "join" {
			key, err = g.subs.Join(c, raw)
		} else {
			key, err = g.subs.Leave(c, raw)
		}

		switch {
		case err == nil:
			g.sendControl(c, controlFrame{Type: "ack", ID: msg.ID, Action: action, Room: key})
		case errors.Is(err, domain.ErrConnClosed):
			return false
		case errors.Is(err, domain.ErrAuthorization):
			g.logger.Warn("gateway: room request refused",
				slog.String("conn_id", c.ID()),
				slog.String("principal", c.session.Principal.ID),
				slog.String("room", raw),
			)
			g.sendControl(c, controlFrame{Type: "error", ID: msg.ID, Action: action, Code: "authorization", Message: err.Error()})
		default:
			g.sendControl(c, controlFrame{Type: "error", ID: msg.ID, Action: action, Code: "internal", Message: "request failed"})
		}
	}
	return true
}

// writePump drains the outbound queue, keeps the connection alive and
// enforces credential expiry.
func (g *Gateway) writePump(c *Conn) {
	ping := time.NewTicker(pingPeriod)
	expiry := time.NewTicker(g.cfg.ExpiryCheckInterval)
	defer func() {
		ping.Stop()
		expiry.Stop()
		if rec := recover(); rec != nil {
			g.logger.Error("gateway: write pump panic", slog.String("conn_id", c.ID()), slog.Any("panic", rec))
		}
		g.teardown(c)
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-expiry.C:
			if c.session.Principal.Expired(g.now()) {
				g.logger.Info("gateway: token expired, disconnecting",
					slog.String("conn_id", c.ID()),
					slog.String("principal", c.session.Principal.ID),
				)
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeTokenExpired, "token expired"))
				return
			}
		}
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range g.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
