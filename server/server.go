// Package server is the HTTP adapter over the drafting engine. It adds no
// behaviour of its own: every route maps onto one engine operation.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/envdraft/assembler"
	"github.com/c360studio/envdraft/cache"
	"github.com/c360studio/envdraft/compliance"
	"github.com/c360studio/envdraft/enterprise"
	"github.com/c360studio/envdraft/generator"
	"github.com/c360studio/envdraft/llm"
	"github.com/c360studio/envdraft/quota"
	"github.com/c360studio/envdraft/template"
)

// maxRequestBodySize limits POST body sizes.
const maxRequestBodySize = 4 << 20

// Core is the engine surface the server exposes.
type Core interface {
	AssembleDocument(ctx context.Context, documentType string, data enterprise.Data, userID string) (*assembler.Document, error)
	GenerateSingleSection(ctx context.Context, sectionKey string, data enterprise.Data, userID string) (*generator.Record, error)
	CheckSections(texts map[string]string) *compliance.Summary
	CacheStats() cache.Stats
	InvalidateCache(ctx context.Context, prefix string) int
	ReloadTemplates(ctx context.Context) error
	Documents() []*template.DocumentType
	Catalogue() *template.Catalogue
	Usage(userID string) quota.Usage
	GlobalUsage() quota.Usage
	Health() llm.EndpointHealth
}

// Server serves the engine over HTTP.
type Server struct {
	core     Core
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer exposes the collectors of g on /metrics. Without it the route
// is not registered.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates a server over core.
func New(core Core, opts ...Option) *Server {
	s := &Server{
		core:   core,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/documents", s.handleListDocuments)
		r.Post("/documents/{type}", s.handleAssemble)
		r.Post("/sections/{chapter}/{section}", s.handleGenerateSection)
		r.Post("/check", s.handleCheck)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleInvalidateCache)
		r.Post("/templates/reload", s.handleReload)
		r.Get("/usage", s.handleGlobalUsage)
		r.Get("/usage/{user}", s.handleUsage)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.logger.Info("HTTP server shutting down")
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
