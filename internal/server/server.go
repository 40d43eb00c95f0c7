package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/server/handler"
	"github.com/alanyoungcy/shadowsettle/internal/server/middleware"
	"github.com/alanyoungcy/shadowsettle/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // guards operator routes; empty disables the check

	BetRateLimit  int // requests per window per client IP; 0 disables
	BetRateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Audit and the
// hub are optional.
type Handlers struct {
	Health      *handler.HealthHandler
	Keys        *handler.KeyHandler
	Bets        *handler.BetHandler
	Settlements *handler.SettlementHandler
	Status      *handler.StatusHandler
	Audit       *handler.AuditHandler
	Metrics     http.Handler
	Hub         *ws.Hub
}

// Server is the engine's HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in logging and CORS.
// Settlement triggers and the audit trail require the admin key; bet intake
// is rate limited when a limiter is supplied.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // manual settlement waits on the prover
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.AdminOnly(cfg.APIKey)
	window := cfg.BetRateWindow
	if window <= 0 {
		window = time.Minute
	}
	betLimit := middleware.RateLimit(limiter, "bet", cfg.BetRateLimit, window, logger)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /pubkey", handlers.Keys.GetPublicKey)
	mux.Handle("POST /bet", betLimit(http.HandlerFunc(handlers.Bets.PlaceBet)))
	mux.Handle("POST /settle/{marketId}", admin(http.HandlerFunc(handlers.Settlements.Settle)))
	mux.HandleFunc("GET /settlement/{marketId}", handlers.Settlements.GetSettlement)
	mux.HandleFunc("GET /settlements", handlers.Settlements.ListFinalized)
	mux.HandleFunc("GET /status", handlers.Status.GetStatus)

	if handlers.Audit != nil {
		mux.Handle("GET /api/audit", admin(http.HandlerFunc(handlers.Audit.ListAudit)))
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if handlers.Hub != nil {
		mux.Handle("GET /ws", admin(http.HandlerFunc(handlers.Hub.HandleWS)))
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
