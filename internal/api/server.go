// Package api exposes the HTTP control surface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/catalog"
	"github.com/JakeFAU/schemamap-crawler/internal/config"
	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
	"github.com/JakeFAU/schemamap-crawler/internal/metrics"
)

// Master is the slice of the master the API needs. Handlers only ever
// report registration and queueing; job outcomes surface through the
// status and error endpoints, never synchronously.
type Master interface {
	ProcessSite(ctx context.Context, siteURL, userID string) (int, error)
	AddSchemaMapToSite(ctx context.Context, siteURL, userID, mapURL, refreshMode string) (int, error)
	RemoveSchemaMap(ctx context.Context, siteURL, userID, mapURL string) (int, error)
	AddManualFile(ctx context.Context, siteURL, userID, fileURL string) error
	RemoveSite(ctx context.Context, siteURL, userID string) (int, error)
}

// Catalog is the slice of the catalog store the API reads from.
type Catalog interface {
	AddSite(ctx context.Context, site catalog.Site) error
	SiteStatuses(ctx context.Context, userID string) ([]catalog.SiteStatus, error)
	FileErrors(ctx context.Context, fileURL string, limit int) ([]catalog.ProcessingError, error)
}

// Server wires HTTP handlers to the master, catalog, and queue.
type Server struct {
	router  chi.Router
	master  Master
	catalog Catalog
	queue   crawl.Queue
	idGen   crawl.IDGenerator
	cfg     config.Config
	log     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	master Master,
	cat Catalog,
	queue crawl.Queue,
	idGen crawl.IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		master:  master,
		catalog: cat,
		queue:   queue,
		idGen:   idGen,
		cfg:     cfg,
		log:     logger,
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sites", func(r chi.Router) {
			r.Post("/", s.registerSite)
			r.Delete("/", s.removeSite)
			r.Post("/process", s.processSite)
			r.Get("/status", s.siteStatuses)
		})
		r.Route("/schema-maps", func(r chi.Router) {
			r.Post("/", s.addSchemaMap)
			r.Delete("/", s.removeSchemaMap)
		})
		r.Route("/files", func(r chi.Router) {
			r.Post("/", s.addManualFile)
			r.Get("/errors", s.fileErrors)
		})
		r.Get("/queue/stats", s.queueStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The queue is the one dependency every mode needs; a failing Stats
	// call means we cannot usefully accept work.
	if _, err := s.queue.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, err := s.idGen.NewID()
		if err != nil {
			reqID = "unknown"
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
