// Package server exposes the ledger over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/server/handler"
	"github.com/alanyoungcy/polyledger/internal/server/middleware"
	"github.com/alanyoungcy/polyledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKeys     []string // if empty, authentication is disabled

	// RateLimit caps mutating requests per client per RateWindow; zero
	// disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Instruments *handler.InstrumentHandler
	Markets     *handler.MarketHandler
	Orders      *handler.OrderHandler
	Settlement  *handler.SettlementHandler
	Audit       *handler.AuditHandler
	// Metrics serves Prometheus exposition; nil omits /metrics.
	Metrics http.Handler
}

// Server is the HTTP + WebSocket API server for the ledger.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered. limiter and
// wsHub may be nil.
func NewServer(cfg Config, h Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, h, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the routed and wrapped handler.
func Routes(cfg Config, h Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Health.Status)

	mux.HandleFunc("GET /api/instruments", h.Instruments.List)
	mux.HandleFunc("POST /api/instruments", h.Instruments.Register)
	mux.HandleFunc("GET /api/instruments/{handle}", h.Instruments.Get)
	mux.HandleFunc("GET /api/instruments/{handle}/quote", h.Instruments.Quote)
	mux.HandleFunc("GET /api/instruments/{handle}/holders", h.Instruments.Holders)
	mux.HandleFunc("POST /api/instruments/{handle}/buy", h.Instruments.Buy)
	mux.HandleFunc("POST /api/instruments/{handle}/sell", h.Instruments.Sell)
	mux.HandleFunc("POST /api/instruments/{handle}/fees/withdraw", h.Instruments.WithdrawFees)
	mux.HandleFunc("PUT /api/instruments/{handle}/curve", h.Instruments.OverrideCurve)

	mux.HandleFunc("GET /api/markets", h.Markets.List)
	mux.HandleFunc("POST /api/markets", h.Markets.Create)
	mux.HandleFunc("GET /api/markets/{id}", h.Markets.Get)
	mux.HandleFunc("GET /api/markets/{id}/prices", h.Markets.Prices)
	mux.HandleFunc("GET /api/markets/{id}/quote", h.Markets.Quote)
	mux.HandleFunc("GET /api/markets/{id}/positions", h.Markets.Positions)
	mux.HandleFunc("GET /api/markets/{id}/positions/{holder}", h.Markets.Position)
	mux.HandleFunc("POST /api/markets/{id}/buy", h.Markets.Buy)
	mux.HandleFunc("POST /api/markets/{id}/sell", h.Markets.Sell)

	mux.HandleFunc("GET /api/markets/{id}/orders", h.Orders.List)
	mux.HandleFunc("POST /api/markets/{id}/orders", h.Orders.Place)
	mux.HandleFunc("GET /api/markets/{id}/book/{outcome}", h.Orders.Book)
	mux.HandleFunc("GET /api/orders/{id}", h.Orders.Get)
	mux.HandleFunc("DELETE /api/orders/{id}", h.Orders.Cancel)

	mux.HandleFunc("POST /api/markets/{id}/resolve", h.Settlement.Resolve)
	mux.HandleFunc("POST /api/markets/{id}/cancel", h.Settlement.Cancel)
	mux.HandleFunc("POST /api/markets/{id}/claim", h.Settlement.Claim)
	mux.HandleFunc("POST /api/markets/{id}/liquidity/withdraw", h.Settlement.WithdrawLiquidity)
	mux.HandleFunc("POST /api/markets/{id}/fees/withdraw", h.Settlement.WithdrawCreatorFees)

	mux.HandleFunc("GET /api/audit", h.Audit.Check)
	mux.HandleFunc("GET /api/audit/trail", h.Audit.Trail)
	mux.HandleFunc("GET /api/quotes/{key}", h.Audit.Quote)
	mux.HandleFunc("GET /api/events", h.Audit.Events)

	public := []string{"/api/health"}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
		public = append(public, "/metrics")
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Innermost first: the rate limiter keys on the caller, so Caller
	// must run before it.
	var handler http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		handler = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(handler)
	}
	handler = middleware.Caller()(handler)
	handler = middleware.Auth(cfg.APIKeys, public...)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.CORS(cfg.CORSOrigins)(handler)
	return handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
