// Package gateway serves a contextdb over HTTP: document writes, one-shot
// context snapshots, live contexts over websocket, health and metrics.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syntrixbase/contextdb/internal/contextdb"
	"github.com/syntrixbase/contextdb/internal/gateway/config"
)

// Server routes HTTP requests to a DB.
type Server struct {
	cfg    config.GatewayConfig
	db     *contextdb.DB
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds a server for db.
func New(cfg config.GatewayConfig, db *contextdb.DB, logger *slog.Logger) *Server {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "gateway"),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("PUT /v1/documents", s.maxBodySize(s.handlePutDocuments))
	s.mux.HandleFunc("GET /v1/documents/{id}", s.handleGetDocument)
	s.mux.HandleFunc("DELETE /v1/documents/{id}", s.handleDeleteDocument)

	s.mux.HandleFunc("GET /v1/matchers", s.handleListMatchers)
	s.mux.HandleFunc("POST /v1/reindex", s.handleReindex)

	s.mux.HandleFunc("GET /v1/contexts", s.handleQueryContext)
	s.mux.HandleFunc("POST /v1/contexts", s.maxBodySize(s.handleGenerateContext))
	s.mux.HandleFunc("GET /v1/realtime", s.handleRealtime)
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

type healthResponse struct {
	Status   string `json:"status"`
	Indexed  bool   `json:"indexed"`
	Contexts int    `json:"contexts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Indexed: s.db.Indexed(), Contexts: s.db.Contexts()}
	status := http.StatusOK
	if !resp.Indexed {
		resp.Status = "indexing"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// maxBodySize wraps a handler with request body size limiting
func (s *Server) maxBodySize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && s.cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next(w, r)
	}
}

// statusRecorder captures the response status. It passes Hijack through
// so websocket upgrades keep working behind the logger.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID,
		)
	})
}
