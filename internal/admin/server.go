// Package admin serves the read-only HTTP surface: liveness, Prometheus
// metrics, the rendered history and a status summary.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emperorhan/counterwatch/internal/chain"
	"github.com/emperorhan/counterwatch/internal/pipeline"
	"github.com/emperorhan/counterwatch/internal/reconciler"
)

const (
	maxHistoryLimit = 10_000
	shutdownTimeout = 5 * time.Second
)

// Target is the driver the server reports on. *pipeline.Pipeline satisfies it.
type Target interface {
	Source() string
	Reconciler() *reconciler.Reconciler
	Health() *pipeline.Health
	Cursor() uint64
	ContractState() (chain.ContractState, bool)
}

type Server struct {
	target  Target
	logger  *slog.Logger
	limiter *RateLimitMiddleware
}

type ServerOption func(*Server)

// WithRateLimiter installs per-IP rate limiting in front of every route.
func WithRateLimiter(rl *RateLimitMiddleware) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

func NewServer(target Target, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		target: target,
		logger: logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in request logging and, when
// configured, rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /dashboard", s.handleDashboardIndex)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Wrap(h)
	}
	return RequestLogMiddleware(s.logger, h)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("http server started", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type healthzResponse struct {
	Status string `json:"status"`
	Phase  string `json:"phase"`
	Health string `json:"health"`
}

// handleHealthz reports 503 once the session has failed or the live tail is
// unhealthy, 200 otherwise (including while history is still loading).
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	state := s.target.Reconciler().State()
	health := s.target.Health().Snapshot()

	resp := healthzResponse{Status: "ok", Phase: state.Phase.String(), Health: health.Status}
	code := http.StatusOK
	if state.Phase == reconciler.PhaseFailed || health.Status == string(pipeline.HealthStatusUnhealthy) {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type historyResponse struct {
	Source string `json:"source"`
	reconciler.View
}

// handleHistory returns the rendered view. ?limit=N truncates the rows after
// sorting; the count still reports the full history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	view := s.target.Reconciler().Render()

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 || limit > maxHistoryLimit {
			http.Error(w, `{"error":"limit must be an integer in [0, 10000]"}`, http.StatusBadRequest)
			return
		}
		if limit < len(view.Rows) {
			view.Rows = view.Rows[:limit]
		}
	}

	writeJSON(w, http.StatusOK, historyResponse{Source: s.target.Source(), View: view})
}

type statusResponse struct {
	Source              string                  `json:"source"`
	Phase               string                  `json:"phase"`
	InitialLoadComplete bool                    `json:"initial_load_complete"`
	Watermark           uint64                  `json:"watermark"`
	LiveEnabled         bool                    `json:"live_enabled"`
	LiveCursor          uint64                  `json:"live_cursor"`
	EventCount          int                     `json:"event_count"`
	Refreshing          bool                    `json:"refreshing"`
	Error               string                  `json:"error,omitempty"`
	Health              pipeline.HealthSnapshot `json:"health"`
	Contract            *chain.ContractState    `json:"contract,omitempty"`
	ServerTime          string                  `json:"server_time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	rec := s.target.Reconciler()
	state := rec.State()
	_, live := rec.LiveQuery()

	resp := statusResponse{
		Source:              s.target.Source(),
		Phase:               state.Phase.String(),
		InitialLoadComplete: state.InitialLoadComplete,
		Watermark:           state.Watermark,
		LiveEnabled:         live,
		LiveCursor:          s.target.Cursor(),
		EventCount:          state.EventCount,
		Refreshing:          state.Refreshing,
		Health:              s.target.Health().Snapshot(),
		ServerTime:          time.Now().UTC().Format(time.RFC3339),
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
	}
	if contract, ok := s.target.ContractState(); ok {
		resp.Contract = &contract
	}
	writeJSON(w, http.StatusOK, resp)
}
