package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kiroku/internal/ratelimit"
)

// Server is the kiroku collector HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	Engine Engine
	Logger *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// RateLimiter is optional (nil = disabled).
	RateLimiter ratelimit.Limiter

	// OpenAPISpec is the embedded OpenAPI YAML (nil = not served).
	OpenAPISpec []byte
}

// New creates a collector server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Separate buckets per route so a search storm can't starve ingest.
	ingestRL := ratelimit.Middleware(cfg.RateLimiter, "ingest", ratelimit.IPKeyFunc, reqIDFunc)
	searchRL := ratelimit.Middleware(cfg.RateLimiter, "search", ratelimit.IPKeyFunc, reqIDFunc)
	mutateRL := ratelimit.Middleware(cfg.RateLimiter, "mutate", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Ingestion.
	mux.Handle("POST /v1/traces", ingestRL(http.HandlerFunc(h.HandleIngest)))

	// Query.
	mux.HandleFunc("GET /v1/traces/{trace_id}", h.HandleGetTrace)
	mux.Handle("POST /v1/traces/search", searchRL(http.HandlerFunc(h.HandleSearch)))

	// Tag mutation.
	mux.Handle("PATCH /v1/traces/{trace_id}/tags", mutateRL(http.HandlerFunc(h.HandleUpdateTags)))

	// Health and API docs.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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
