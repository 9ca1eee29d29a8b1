// Package server exposes the crawl's health, Prometheus metrics and a JSON
// status document over HTTP while a run is in progress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/metrics"
	"github.com/JakeFAU/booru-crawler/internal/state"
)

// StatusSource reports the running counters.
type StatusSource interface {
	Snapshot() state.Snapshot
}

// Stopper reports whether the operator asked the crawl to stop.
type Stopper interface {
	Interrupted() bool
}

// RunInfo identifies the run in /statusz.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	Site      string    `json:"site"`
	Query     string    `json:"query"`
	StartedAt time.Time `json:"started_at"`
}

// Status is the /statusz payload.
type Status struct {
	RunInfo
	Uptime   string         `json:"uptime"`
	Stopping bool           `json:"stopping"`
	Counters state.Snapshot `json:"counters"`
}

// Server wires the HTTP routes.
type Server struct {
	router chi.Router
	info   RunInfo
	source StatusSource
	stop   Stopper
	logger *zap.Logger
	now    func() time.Time
}

// New builds the router. stop may be nil.
func New(info RunInfo, source StatusSource, stop Stopper, logger *zap.Logger) (*Server, error) {
	if source == nil {
		return nil, errors.New("status source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		info:   info,
		source: source,
		stop:   stop,
		logger: logger.Named("server"),
		now:    time.Now,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/statusz", s.statusz)
	r.Handle("/metrics", metrics.Handler())

	s.router = r
	return s, nil
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server started", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve status: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.stopping() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) statusz(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		RunInfo:  s.info,
		Stopping: s.stopping(),
		Counters: s.source.Snapshot(),
	}
	if !s.info.StartedAt.IsZero() {
		status.Uptime = s.now().Sub(s.info.StartedAt).Truncate(time.Second).String()
	}
	writeJSON(w, http.StatusOK, status, s.logger)
}

func (s *Server) stopping() bool {
	return s.stop != nil && s.stop.Interrupted()
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"}, s.logger)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
