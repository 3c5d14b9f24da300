package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/ratelimit"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/rules"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/search"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/audit"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/stream"
)

// Server is the fraud engine's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Index, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB       Pinger
	Arbiter  Analyzer
	Streamer *stream.Streamer
	Graph    NetworkBuilder
	Engine   *rules.Engine
	Buffer   *audit.Buffer
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *Broker
	Index     search.Index
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	Reasoner            string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Arbiter:             cfg.Arbiter,
		Streamer:            cfg.Streamer,
		Graph:               cfg.Graph,
		Engine:              cfg.Engine,
		Buffer:              cfg.Buffer,
		Broker:              cfg.Broker,
		Index:               cfg.Index,
		Reasoner:            cfg.Reasoner,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Analysis and query endpoints draw from independent per-IP budgets.
	analyzeRL := ratelimit.Middleware(cfg.Limiter, ratelimit.PrefixedIPKeyFunc("analyze"), reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, ratelimit.PrefixedIPKeyFunc("query"), reqIDFunc)

	mux := http.NewServeMux()

	// Analysis.
	mux.Handle("POST /v1/transactions/analyze", analyzeRL(http.HandlerFunc(h.HandleAnalyze)))

	// Decision reads.
	mux.Handle("GET /v1/decisions/{thread_id}", queryRL(http.HandlerFunc(h.HandleGetDecision)))

	// Thread event streams. The live connections are exempt from rate
	// limits; polling is not.
	mux.Handle("GET /v1/threads/{thread_id}/events", http.HandlerFunc(h.HandleThreadEvents))
	mux.Handle("GET /v1/threads/{thread_id}/ws", http.HandlerFunc(h.HandleThreadWS))
	mux.Handle("GET /v1/threads/{thread_id}/events/poll", queryRL(http.HandlerFunc(h.HandlePollEvents)))
	mux.Handle("GET /v1/threads/{thread_id}/events/history", queryRL(http.HandlerFunc(h.HandleEventHistory)))

	// Global final-decision feed (cross-instance via LISTEN/NOTIFY).
	mux.Handle("GET /v1/decisions/stream", http.HandlerFunc(h.HandleDecisionStream))

	// Relationship network traversal.
	mux.Handle("POST /v1/network", queryRL(http.HandlerFunc(h.HandleNetwork)))

	// Active rule table.
	mux.Handle("GET /v1/rules", queryRL(http.HandlerFunc(h.HandleRules)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for use in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
