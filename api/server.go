// Package api serves search, conversation listing, ingestion and health
// over JSON HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/poiesic/mailvec"
	"github.com/poiesic/mailvec/ingestion"
	"github.com/poiesic/mailvec/search"
)

// ErrSearcherRequired is returned when a searcher is not provided.
var ErrSearcherRequired = errors.New("searcher required")

// MaxIngestBytes bounds the body accepted by POST /ingest.
const MaxIngestBytes = 64 << 20

// HealthChecker reports database health.
type HealthChecker interface {
	Health(ctx context.Context) (*mailvec.HealthReport, error)
}

// Server dispatches HTTP requests to the searcher and pipeline.
type Server struct {
	searcher *search.Searcher
	pipeline *ingestion.Pipeline
	health   HealthChecker
	logger   *slog.Logger
	handler  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPipeline enables POST /ingest.
func WithPipeline(pipeline *ingestion.Pipeline) Option {
	return func(s *Server) {
		s.pipeline = pipeline
	}
}

// WithHealth enables detailed GET /health reports.
// Without it /health only reports that the process is up.
func WithHealth(health HealthChecker) Option {
	return func(s *Server) {
		s.health = health
	}
}

// NewServer creates a server around searcher.
func NewServer(searcher *search.Searcher, opts ...Option) (*Server, error) {
	if searcher == nil {
		return nil, ErrSearcherRequired
	}
	s := &Server{
		searcher: searcher,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /search/conversations", s.handleSearchConversations)
	mux.HandleFunc("GET /conversations", s.handleConversations)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /ingest", s.handleIngest)
	s.handler = s.withRequestID(mux)

	return s, nil
}

// Handler returns the HTTP handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown did not complete", "err", err)
		}
	}()

	s.logger.Info("listening", "addr", addr)
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
