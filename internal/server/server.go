package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/server/handler"
	"github.com/alanyoungcy/tickgrid/internal/server/middleware"
	"github.com/alanyoungcy/tickgrid/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // guards mutating routes; empty disables auth
	// RateLimit caps requests per client IP per second. Zero disables it.
	RateLimit int
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Price    *handler.PriceHandler
	Odds     *handler.OddsHandler
	Accounts *handler.AccountHandler
	Bets     *handler.BetHandler
	// Metrics serves the Prometheus exposition format. Optional.
	Metrics http.Handler
}

// Server is the HTTP and websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in rate limiting,
// request logging and CORS. limiter may be nil.
func NewServer(cfg Config, h Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, h, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, middleware-wrapped handler without binding
// a listener.
func NewHandler(cfg Config, h Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.Auth(cfg.APIKey)

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("GET /api/price", h.Price.Current)
	mux.HandleFunc("GET /api/price/recent", h.Price.Recent)
	mux.HandleFunc("GET /api/price/gaps", h.Price.Gaps)
	mux.HandleFunc("GET /api/price/{tick}", h.Price.ByNumber)

	mux.HandleFunc("GET /api/odds", h.Odds.Table)

	mux.Handle("POST /api/accounts", auth(http.HandlerFunc(h.Accounts.Open)))
	mux.HandleFunc("GET /api/users/{id}/balance", h.Accounts.Balance)
	mux.HandleFunc("GET /api/users/{id}/transactions", h.Accounts.Transactions)
	mux.HandleFunc("GET /api/users/{id}/summary", h.Accounts.Summary)

	mux.Handle("POST /api/bets", auth(http.HandlerFunc(h.Bets.Place)))
	mux.HandleFunc("GET /api/bets/{id}", h.Bets.Get)
	mux.HandleFunc("GET /api/users/{id}/bets", h.Bets.History)
	mux.HandleFunc("GET /api/users/{id}/bets/active", h.Bets.Active)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	var wrapped http.Handler = mux
	wrapped = middleware.RateLimit(limiter, cfg.RateLimit, time.Second, logger)(wrapped)
	wrapped = middleware.Logging(logger)(wrapped)
	return middleware.CORS(cfg.CORSOrigins)(wrapped)
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires. Hijacked websocket
// connections are not tracked here; close the fanout hub to end them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
