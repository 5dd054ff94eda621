// Package server exposes the operator HTTP API and the Prometheus scrape
// endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/crossarb/internal/server/handler"
	"github.com/alanyoungcy/crossarb/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per RateWindow per client IP. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// leave their routes unregistered.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Trading  *handler.TradingHandler
	Breakers *handler.BreakerHandler
	Trades   *handler.TradeHandler
	Balances *handler.BalanceHandler
	Archives *handler.ArchiveHandler
	Audit    *handler.AuditHandler
	Metrics  http.Handler
}

const (
	healthPath  = "/api/health"
	metricsPath = "/metrics"
)

// Server is the headless HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered and wraps them in
// the middleware chain (rate limit, auth, logging, CORS). limiter may be nil,
// in which case an in-process limiter is used.
func NewServer(cfg Config, h Handlers, limiter middleware.Limiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      buildHandler(cfg, h, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

func buildHandler(cfg Config, h Handlers, limiter middleware.Limiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET "+healthPath, h.Health.HealthCheck)
	}
	if h.Metrics != nil {
		mux.Handle("GET "+metricsPath, h.Metrics)
	}
	if h.Status != nil {
		mux.HandleFunc("GET /api/status", h.Status.GetStatus)
		mux.HandleFunc("GET /api/stats", h.Status.GetStats)
	}
	if h.Trading != nil {
		mux.HandleFunc("POST /api/trading/start", h.Trading.Start)
		mux.HandleFunc("POST /api/trading/stop", h.Trading.Stop)
		mux.HandleFunc("POST /api/execution/enable", h.Trading.EnableExecution)
		mux.HandleFunc("POST /api/execution/disable", h.Trading.DisableExecution)
	}
	if h.Breakers != nil {
		mux.HandleFunc("GET /api/breakers", h.Breakers.List)
		mux.HandleFunc("POST /api/breakers/trip", h.Breakers.Trip)
		mux.HandleFunc("POST /api/breakers/reset", h.Breakers.Reset)
	}
	if h.Trades != nil {
		mux.HandleFunc("GET /api/trades/recent", h.Trades.Recent)
		mux.HandleFunc("GET /api/trades/inflight", h.Trades.InFlight)
		mux.HandleFunc("GET /api/trades/stranded", h.Trades.Stranded)
		mux.HandleFunc("GET /api/trades/{id}", h.Trades.Get)
	}
	if h.Balances != nil {
		mux.HandleFunc("GET /api/balances", h.Balances.List)
	}
	if h.Archives != nil {
		mux.HandleFunc("GET /api/archives", h.Archives.List)
		mux.HandleFunc("GET /api/archives/object", h.Archives.Get)
		mux.HandleFunc("POST /api/archives/run", h.Archives.Run)
	}
	if h.Audit != nil {
		mux.HandleFunc("GET /api/audit", h.Audit.List)
	}

	var out http.Handler = mux
	if cfg.RateLimit > 0 {
		if limiter == nil {
			limiter = middleware.NewLocalLimiter()
		}
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		out = middleware.RateLimit(limiter, cfg.RateLimit, window)(out)
	}
	out = middleware.Auth(cfg.APIKey, healthPath, metricsPath)(out)
	out = middleware.Logging(logger, healthPath, metricsPath)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
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
