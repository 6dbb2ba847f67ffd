package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/idosale/service/display"
	"github.com/brojonat/idosale/service/metrics"
	"github.com/brojonat/idosale/service/purchase"
	"github.com/brojonat/idosale/service/wallet"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by GET /version; set at build time with -ldflags.
var Version = "dev"

// Server exposes the wallet session and purchase flow over HTTP.
type Server struct {
	addr            string
	wallet          *wallet.Manager
	flow            *purchase.Controller
	formatter       display.Formatter
	purchaseTimeout time.Duration
	sse             *SSEBroadcaster
	metrics         *metrics.Metrics
	logger          *slog.Logger
	server          *http.Server
}

// Options configures optional server behaviour.
type Options struct {
	Formatter display.Formatter
	// PurchaseTimeout bounds a purchase from submission to settlement.
	PurchaseTimeout time.Duration
}

// New creates a new HTTP server with the given dependencies.
// The sse broadcaster is optional - if nil, streaming endpoints won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, mgr *wallet.Manager, flow *purchase.Controller, opts Options, sse *SSEBroadcaster, m *metrics.Metrics, logger *slog.Logger) *Server {
	if opts.PurchaseTimeout <= 0 {
		opts.PurchaseTimeout = 5 * time.Minute
	}
	return &Server{
		addr:            addr,
		wallet:          mgr,
		flow:            flow,
		formatter:       opts.Formatter,
		purchaseTimeout: opts.PurchaseTimeout,
		sse:             sse,
		metrics:         m,
		logger:          logger,
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, label string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, label)(h))
	}

	// Session routes
	route("GET /api/v1/session", "/api/v1/session", handleGetSession(s.wallet))
	route("POST /api/v1/session/connect", "/api/v1/session/connect", handleConnect(s.wallet, s.logger))
	route("POST /api/v1/session/disconnect", "/api/v1/session/disconnect", handleDisconnect(s.wallet))
	route("DELETE /api/v1/session/error", "/api/v1/session/error", handleClearError(s.wallet))

	// Sale routes
	route("GET /api/v1/sale", "/api/v1/sale", handleGetSale(s.wallet, s.formatter))
	route("POST /api/v1/sale/refresh", "/api/v1/sale/refresh", handleRefreshSale(s.wallet, s.formatter, s.logger))
	route("GET /api/v1/quote", "/api/v1/quote", handleQuote(s.flow, s.formatter))

	// Purchase routes
	route("GET /api/v1/purchases", "/api/v1/purchases", handleListPurchases(s.flow))
	route("POST /api/v1/purchases", "/api/v1/purchases", handleCreatePurchase(s.flow, s.purchaseTimeout, s.logger))

	// SSE streaming endpoints (if SSE broadcaster is configured)
	if s.sse != nil {
		mux.Handle("GET /api/v1/stream/purchases", handleStreamPurchases(s.sse, s.logger))
		mux.Handle("GET /api/v1/stream/purchases/{account}", handleStreamPurchases(s.sse, s.logger))
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"version": Version}, http.StatusOK)
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.sse == nil {
		s.logger.Warn("SSE broadcaster not configured, streaming endpoints disabled")
	}

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE streams first (disconnects all clients)
	if s.sse != nil {
		s.sse.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
