// Package client is the Go side of the event channel: a websocket stream
// that survives reconnects and an HTTP client for the wager API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/livewager/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	pongWait = 75 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// closeTokenExpired mirrors the gateway's close code for an expired token.
	closeTokenExpired = 4001
)

// Control is a non-event frame from the gateway: hello, ack, pong or error.
type Control struct {
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

// command is what the stream sends to the gateway.
type command struct {
	Action string   `json:"action"`
	Rooms  []string `json:"rooms,omitempty"`
	ID     string   `json:"id,omitempty"`
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	// URL is the gateway endpoint, e.g. "wss://host/ws".
	URL string
	// Token is sent as a bearer credential on every handshake.
	Token string
	// Buffer sizes the Events and Controls channels.
	Buffer int
	// ReconnectDelay is the first backoff step; it doubles up to
	// MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Stream keeps one gateway session alive. Rooms joined through Join are
// restored after every reconnect; the mandatory principal and role rooms
// are re-assigned by the gateway itself.
type Stream struct {
	cfg    StreamConfig
	logger *slog.Logger

	events   chan domain.Envelope
	controls chan Control

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms map[string]struct{}

	writeMu sync.Mutex
}

// NewStream creates a Stream. Call Run to connect.
func NewStream(cfg StreamConfig, logger *slog.Logger) *Stream {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	return &Stream{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "stream")),
		events:   make(chan domain.Envelope, cfg.Buffer),
		controls: make(chan Control, cfg.Buffer),
		rooms:    make(map[string]struct{}),
	}
}

// Events delivers room events in arrival order.
func (s *Stream) Events() <-chan domain.Envelope { return s.events }

// Controls delivers gateway control frames. Frames are dropped when nobody
// drains the channel.
func (s *Stream) Controls() <-chan Control { return s.controls }

// Rooms returns the resource rooms the stream keeps joined.
func (s *Stream) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Join adds rooms to the set kept across reconnects and asks the gateway to
// join them now when connected.
func (s *Stream) Join(rooms ...string) error {
	s.mu.Lock()
	for _, r := range rooms {
		s.rooms[r] = struct{}{}
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.send(conn, command{Action: "join", Rooms: rooms})
}

// Leave removes rooms from the set and asks the gateway to leave them.
func (s *Stream) Leave(rooms ...string) error {
	s.mu.Lock()
	for _, r := range rooms {
		delete(s.rooms, r)
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.send(conn, command{Action: "leave", Rooms: rooms})
}

// Run connects, restores joins and reads until ctx is cancelled,
// reconnecting with exponential backoff. It returns an error wrapping
// domain.ErrAuthentication when the gateway refuses or expires the token,
// since retrying with the same credential cannot succeed. Events is closed
// when Run returns.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.events)

	delay := s.cfg.ReconnectDelay
	for {
		connected, err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrAuthentication) {
			return err
		}
		if connected {
			delay = s.cfg.ReconnectDelay
		}
		s.logger.Warn("stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, s.cfg.MaxReconnectDelay)
	}
}

// runConnection serves one session. connected reports whether the
// handshake succeeded, which resets the backoff.
func (s *Stream) runConnection(ctx context.Context) (connected bool, err error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+s.cfg.Token)
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("client: handshake: %w", domain.ErrAuthentication)
		}
		return false, fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	s.mu.Lock()
	s.conn = conn
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	if len(rooms) > 0 {
		sort.Strings(rooms)
		if err := s.send(conn, command{Action: "join", Rooms: rooms}); err != nil {
			return true, fmt.Errorf("client: restore rooms: %w", err)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(conn, stop)
	go func() {
		select {
		case <-ctx.Done():
			s.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			s.writeMu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, closeTokenExpired) {
				return true, fmt.Errorf("client: token expired: %w", domain.ErrAuthentication)
			}
			return true, fmt.Errorf("client: read: %w", err)
		}
		if err := s.handleFrame(ctx, data); err != nil {
			return true, err
		}
	}
}

// handleFrame routes one frame. Control frames carry "type"; events carry
// "event".
func (s *Stream) handleFrame(ctx context.Context, data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.logger.Debug("dropping malformed frame", slog.String("error", err.Error()))
		return nil
	}

	if probe.Type != "" {
		var c Control
		if err := json.Unmarshal(data, &c); err != nil {
			return nil
		}
		if c.Type == "error" {
			s.logger.Warn("gateway refused request",
				slog.String("action", c.Action),
				slog.String("code", c.Code),
				slog.String("message", c.Message))
		}
		select {
		case s.controls <- c:
		default:
		}
		return nil
	}

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		return nil
	}
	select {
	case s.events <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Stream) send(conn *websocket.Conn, cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("client: marshal command: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: send %s: %w", cmd.Action, err)
	}
	return nil
}
