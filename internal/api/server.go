// Package api serves the read-only admin HTTP interface: loop status,
// parameters, the session catalog and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ulugris/orthosis/internal/db"
	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/orchestrator"
	"github.com/ulugris/orthosis/internal/params"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// StatusSource publishes the control loop state.
type StatusSource interface {
	Snapshot() orchestrator.Snapshot
}

// ParamSource exposes the active parameters.
type ParamSource interface {
	Values() [params.NumChannels]params.Set
	Limits() params.Limits
}

// Catalog lists recorded sessions and parameter changes.
type Catalog interface {
	Sessions(ctx context.Context, limit int) ([]db.Session, error)
	ParamChanges(ctx context.Context, limit int) ([]db.ParamChange, error)
}

type Server struct {
	status  StatusSource
	params  ParamSource
	catalog Catalog // nil when the catalog is disabled
}

func NewServer(status StatusSource, params ParamSource, catalog Catalog) *Server {
	return &Server{
		status:  status,
		params:  params,
		catalog: catalog,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes, relative to the /api/ prefix.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.showStatus)
	mux.HandleFunc("/params", s.showParams)
	mux.HandleFunc("/sessions", s.listSessions)
	mux.HandleFunc("/param_changes", s.listParamChanges)
	return mux
}

// Handler mounts the API under /api/ and the metrics under /metrics on mux.
func (s *Server) Handler(mux *http.ServeMux) http.Handler {
	mux.Handle("/api/", http.StripPrefix("/api", s.ServeMux()))
	mux.Handle("/metrics", promhttp.Handler())
	return LoggingMiddleware(mux)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.status.Snapshot()
	resp := struct {
		orchestrator.Snapshot
		StatusName string `json:"status_name"`
	}{snap, snap.Status.String()}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write status")
	}
}

func (s *Server) showParams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	values := s.params.Values()
	channels := make(map[string]map[string]float64, params.NumChannels)
	for ch, set := range values {
		knobs := make(map[string]float64, params.NumKnobs)
		for k, v := range set {
			knobs[params.Knob(k).String()] = v
		}
		channels[params.ChannelName(ch)] = knobs
	}

	resp := map[string]any{
		"channels": channels,
		"limits":   s.params.Limits(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write params")
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.catalog == nil {
		s.writeJSONError(w, http.StatusNotFound, "Session catalog disabled")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := s.catalog.Sessions(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write sessions")
	}
}

func (s *Server) listParamChanges(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.catalog == nil {
		s.writeJSONError(w, http.StatusNotFound, "Session catalog disabled")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	changes, err := s.catalog.ParamChanges(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve parameter changes: %v", err))
		return
	}
	if changes == nil {
		changes = []db.ParamChange{}
	}
	if err := json.NewEncoder(w).Encode(changes); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write parameter changes")
	}
}

func limitParam(r *http.Request) (int, error) {
	limit := 50 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return 0, errors.New("Invalid 'limit' parameter")
		}
		limit = n
	}
	return limit, nil
}

// Serve runs an HTTP server on addr until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	monitoring.Logf("HTTP server routine stopped")
	return nil
}
