package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/txprompt/service/config"
	"github.com/brojonat/txprompt/service/metrics"
	"github.com/brojonat/txprompt/service/session"
)

// Server represents the HTTP server for natural-language transfers.
type Server struct {
	addr     string
	cfg      *config.Config
	parser   session.Parser
	sessions *session.Manager
	history  HistoryReader
	events   EventSource
	resolver TransferResolver
	renderer *TemplateRenderer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The history reader is optional - if nil, transfer endpoints return 503.
// The event source is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, cfg *config.Config, parser session.Parser, sessions *session.Manager, history HistoryReader, events EventSource, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		cfg:      cfg,
		parser:   parser,
		sessions: sessions,
		history:  history,
		events:   events,
		metrics:  m,
		logger:   logger,
	}
}

// WithTemplates adds template rendering support to the server using embedded files
func (s *Server) WithTemplates() error {
	renderer, err := NewTemplateRenderer(s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize templates: %w", err)
	}
	s.renderer = renderer
	s.logger.Info("HTML templates loaded from embedded files")
	return nil
}

// WithResolver makes payment requests read token decimals from the chain.
func (s *Server) WithResolver(r TransferResolver) *Server {
	s.resolver = r
	return s
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	instrument := func(name string, h http.Handler) http.Handler {
		return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
	}

	// Parsing routes. Method checks are done in the handler so non-POST gets a JSON 405.
	mux.Handle("/api/gemini", instrument("/api/gemini", handleParse(s.parser, s.logger)))
	mux.Handle("/api/v1/parse", instrument("/api/v1/parse", handleParse(s.parser, s.logger)))

	// Session routes
	mux.Handle("POST /api/v1/sessions", instrument("/api/v1/sessions", handleCreateSession(s.sessions, s.logger)))
	mux.Handle("GET /api/v1/sessions", instrument("/api/v1/sessions", handleListSessions(s.sessions, s.logger)))
	mux.Handle("GET /api/v1/sessions/{id}", instrument("/api/v1/sessions/{id}", handleGetSession(s.sessions, s.logger)))
	mux.Handle("PATCH /api/v1/sessions/{id}", instrument("/api/v1/sessions/{id}", handleUpdateSessionInput(s.sessions, s.logger)))
	mux.Handle("DELETE /api/v1/sessions/{id}", instrument("/api/v1/sessions/{id}", handleDeleteSession(s.sessions, s.logger)))
	mux.Handle("POST /api/v1/sessions/{id}/submit", instrument("/api/v1/sessions/{id}/submit", handleSubmitSession(s.sessions, s.logger)))

	// Transfer history routes
	mux.Handle("GET /api/v1/transfers", instrument("/api/v1/transfers", handleListTransfers(s.history, s.sessions.WalletAddress(), s.logger)))
	mux.Handle("GET /api/v1/transfers/{id}", instrument("/api/v1/transfers/{id}", handleGetTransfer(s.history, s.logger)))

	// Payment requests to the service wallet
	mux.Handle("GET /api/v1/payment-requests", instrument("/api/v1/payment-requests", handlePaymentRequest(s.sessions.WalletAddress(), s.chainID(), s.resolver, s.logger)))

	// SSE streaming endpoints (if an event source is configured)
	if s.events != nil {
		mux.Handle("GET /api/v1/stream/sessions/{id}", handleStreamSession(s.sessions, s.events, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("event source not configured, streaming endpoints disabled")
	}

	// HTML pages (if template renderer is configured)
	if s.renderer != nil {
		mux.HandleFunc("GET /{$}", handleNewSessionPage(s.sessions))
		mux.HandleFunc("GET /s/{id}", handleSessionPage(s.renderer, s.sessions, s.events != nil))
		mux.HandleFunc("POST /s/{id}", handleSubmitPage(s.sessions, s.logger))
		s.logger.Info("HTML page endpoints enabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: SSE streams and synchronous submits are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "wallet", s.sessions.WalletAddress())
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the event source first (disconnects all SSE clients)
	if s.events != nil {
		s.events.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) chainID() int64 {
	if s.cfg == nil {
		return 0
	}
	return s.cfg.EVMChainID
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
