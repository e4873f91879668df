// Package httpapi serves the engine's status API: session state, symbol
// lifecycle snapshots, persisted signals, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sessiond/internal/coordinator"
	"sessiond/internal/store"
)

// Server serves the status HTTP API.
type Server struct {
	coord   *coordinator.Coordinator
	signals store.SignalStore // nil disables the signals endpoint
	metrics prometheus.Gatherer
	log     *slog.Logger
}

// NewServer creates a status server. signals and metrics may be nil.
func NewServer(coord *coordinator.Coordinator, signals store.SignalStore, metrics prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		coord:   coord,
		signals: signals,
		metrics: metrics,
		log:     log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/session", s.handleSession)
	mux.HandleFunc("GET /v1/symbols", s.handleSymbols)
	mux.HandleFunc("GET /v1/symbols/{symbol}", s.handleSymbol)
	if s.signals != nil {
		mux.HandleFunc("GET /v1/signals/{strategy}", s.handleSignals)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
}

// Handler returns the mux with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.coord.Status())
}

func (s *Server) handleSymbols(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string][]string{"symbols": s.coord.Status().Symbols})
}

func (s *Server) handleSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	sum, ok := s.coord.SymbolStatus(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "symbol not found")
		return
	}
	writeJSON(w, sum)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	strategy := r.PathValue("strategy")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	sigs, err := s.signals.ListSignals(ctx, strategy, limit)
	if err != nil {
		s.log.Warn("listing signals", "strategy", strategy, "error", err)
		writeError(w, http.StatusInternalServerError, "listing signals failed")
		return
	}
	writeJSON(w, map[string]any{"strategy": strategy, "signals": sigs})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
