package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthChecker reports whether the relay's backing store is usable.
type HealthChecker interface {
	Health() error
}

// UsageTracker exposes provider usage. *llm.MetricsProvider satisfies it.
type UsageTracker interface {
	Name() string
	Stats() llm.Stats
	Reset()
}

// Server serves the ops endpoints.
type Server struct {
	cfg       *Config
	health    HealthChecker
	usage     UsageTracker
	surfaces  []string
	startedAt time.Time
}

// New creates an ops server. usage may be nil.
func New(cfg *Config, health HealthChecker, usage UsageTracker, surfaces []string) *Server {
	d := DefaultConfig()
	if cfg == nil {
		cfg = d
	}
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.Version == "" {
		cfg.Version = d.Version
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	return &Server{
		cfg:       cfg,
		health:    health,
		usage:     usage,
		surfaces:  surfaces,
		startedAt: time.Now(),
	}
}

// Handler returns the ops routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("POST /api/usage/reset", s.handleUsageReset)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("ops server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	log.Info().Msg("ops server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Health(); err != nil {
			log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:   s.cfg.Version,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		StartedAt: s.startedAt,
		Surfaces:  s.surfaces,
		Healthy:   s.health == nil || s.health.Health() == nil,
	}
	if resp.Surfaces == nil {
		resp.Surfaces = []string{}
	}
	if s.usage != nil {
		resp.Provider = s.usage.Name()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUsage returns provider call statistics.
// GET /api/usage
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeJSON(w, ErrUnavailable.Code, ErrUnavailable)
		return
	}

	st := s.usage.Stats()
	resp := UsageResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Provider:      st.Provider,
		Calls:         st.Calls,
		Errors:        st.Errors,
		InputTokens:   st.InputTokens,
		OutputTokens:  st.OutputTokens,
		AvgLatencyMs:  st.AvgLatency.Milliseconds(),
		MinLatencyMs:  st.MinLatency.Milliseconds(),
		MaxLatencyMs:  st.MaxLatency.Milliseconds(),
		EstimatedCost: st.EstimatedCost,
		Models:        make(map[string]ModelUsage, len(st.Models)),
	}
	for model, m := range st.Models {
		resp.Models[model] = ModelUsage{
			Calls:        m.Calls,
			Errors:       m.Errors,
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
		}
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, resp)
}

// handleUsageReset clears provider call statistics.
// POST /api/usage/reset
func (s *Server) handleUsageReset(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeJSON(w, ErrUnavailable.Code, ErrUnavailable)
		return
	}
	s.usage.Reset()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "usage statistics have been reset",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
