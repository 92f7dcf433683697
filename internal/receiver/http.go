// Package receiver serves the runner's read-only HTTP status surface.
package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"spotrunner/internal/types"
)

// Version is reported by /health and /
const Version = "1.0.0"

// StatusProvider returns a point-in-time view of the runner
type StatusProvider interface {
	Status() types.RunnerStatus
}

// StatusServer exposes /health, /status and /metrics on localhost
type StatusServer struct {
	server  *http.Server
	logger  *slog.Logger
	port    int
	status  StatusProvider
	metrics http.Handler
	now     func() time.Time
}

// NewStatusServer creates a status server. A nil metrics handler leaves
// /metrics unregistered.
func NewStatusServer(port int, status StatusProvider, metrics http.Handler, logger *slog.Logger) *StatusServer {
	return &StatusServer{
		port:    port,
		status:  status,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Handler returns the routed handler wrapped in request logging
func (r *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and info endpoints
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/status", r.handleStatus)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("/", r.handleRoot)

	return r.loggingMiddleware(mux)
}

// Start starts the HTTP server
func (r *StatusServer) Start(ctx context.Context) error {
	r.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", r.port),
		Handler:      r.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	r.logger.Info("[RECEIVER] Starting status server",
		"port", r.port,
		"address", r.server.Addr,
	)

	// Run server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait briefly to check for immediate errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server
func (r *StatusServer) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}

	r.logger.Info("[RECEIVER] Shutting down status server")
	return r.server.Shutdown(ctx)
}

// loggingMiddleware logs all incoming requests
func (r *StatusServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, req)

		r.logger.Debug("[RECEIVER] Request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote", req.RemoteAddr,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// handleRoot handles requests to the root path
func (r *StatusServer) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}

	endpoints := []string{
		"GET /health - Health check",
		"GET /status - Positions, ledger, bias, kill switch and pause",
	}
	if r.metrics != nil {
		endpoints = append(endpoints, "GET /metrics - Prometheus metrics")
	}
	r.sendJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "spotrunner",
		"version":   Version,
		"endpoints": endpoints,
	})
}

// handleHealth handles health check requests
func (r *StatusServer) handleHealth(w http.ResponseWriter, req *http.Request) {
	// Only accept GET requests
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st := r.status.Status()
	r.sendJSON(w, http.StatusOK, types.HealthResponse{
		Status:        "healthy",
		Timestamp:     r.now().UTC(),
		Version:       Version,
		OpenPositions: len(st.Positions),
	})
}

// handleStatus returns the runner's read-only view
func (r *StatusServer) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.sendJSON(w, http.StatusOK, r.status.Status())
}

// sendError sends an error response
func (r *StatusServer) sendError(w http.ResponseWriter, status int, message string) {
	r.sendJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

func (r *StatusServer) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		r.logger.Warn("[RECEIVER] Failed to encode response", "error", err)
	}
}
