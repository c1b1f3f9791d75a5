// Package api serves the admin HTTP interface: health, metrics, message
// ingest and lookup, and record statistics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailtriage/internal/logging"
	"mailtriage/internal/metrics"
	"mailtriage/internal/store"
	"mailtriage/internal/tracing"
	"mailtriage/internal/triage"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store  store.Store
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(s store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: s, logger: logger.With("component", "api")}
}

// Router returns the HTTP handler with all routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(s.observe)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/stats", s.stats)
	r.Post("/messages", s.createMessage)
	r.Get("/messages/{id}", s.getMessage)

	return r
}

// Start listens on port in the background and returns the server for
// graceful shutdown. Listen errors are sent on errChan.
func (s *Server) Start(port int, errChan chan<- error) *http.Server {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("api server starting", "port", port)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "err", err)
			errChan <- err
		}
	}()

	return server
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ctx, span := tracing.APISpan(ctx, r.URL.Path)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestDurationSeconds.
			WithLabelValues(route, fmt.Sprint(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logging.Enrich(r.Context(), s.logger).Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, "failed to load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.store.GetMessage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to load message", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var req triage.IngestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	m, err := triage.Ingest(r.Context(), s.store, req)
	if errors.Is(err, triage.ErrInvalidMessage) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to store message", err)
		return
	}

	logging.Enrich(r.Context(), s.logger).Info("message ingested", "message_id", m.ID)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logging.Enrich(r.Context(), s.logger).Error(msg, "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
