// Package server exposes the HTTP surface of livewagerd: the websocket
// gateway, the wager submission API and the internal dispatch endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/livewager/internal/auth"
	"github.com/alanyoungcy/livewager/internal/domain"
	"github.com/alanyoungcy/livewager/internal/server/handler"
	"github.com/alanyoungcy/livewager/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port           int
	CORSOrigins    []string
	InternalAPIKey string
	// APIRateLimit caps /api requests per client IP per APIRateWindow.
	// Zero disables the limit.
	APIRateLimit  int
	APIRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Wagers is nil in gateway-only mode.
type Handlers struct {
	Health   *handler.HealthHandler
	Wagers   *handler.WagerHandler
	Dispatch *handler.DispatchHandler
	WS       http.HandlerFunc
}

// Server is the HTTP + WebSocket server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, verifier *auth.Verifier, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	bearer := auth.RequireBearer(verifier)
	api := func(h http.HandlerFunc) http.Handler { return h }
	if limiter != nil && cfg.APIRateLimit > 0 {
		limit := middleware.RateLimit(limiter, cfg.APIRateLimit, cfg.APIRateWindow, logger)
		api = func(h http.HandlerFunc) http.Handler { return limit(h) }
	}

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Wager endpoints (bearer token).
	if handlers.Wagers != nil {
		mux.Handle("POST /api/wagers", bearer(api(handlers.Wagers.PlaceWager)))
		mux.Handle("GET /api/wagers", bearer(api(handlers.Wagers.ListWagers)))
	}

	// Event channel. The gateway authenticates the handshake itself.
	if handlers.WS != nil {
		mux.HandleFunc("GET /ws", handlers.WS)
	}

	// Internal producers.
	mux.Handle("POST /internal/dispatch", middleware.InternalAuth(cfg.InternalAPIKey)(http.HandlerFunc(handlers.Dispatch.Dispatch)))

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	// WriteTimeout stays zero; the gateway sets per-frame write deadlines.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline. Hijacked websocket
// connections are not tracked here; the gateway closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
