// Package server implements the localhost admin surface: health, stats,
// and a restart lever for the session pools.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jthomasson/bookpool/internal/middleware"
	"github.com/jthomasson/bookpool/internal/types"
	"github.com/jthomasson/bookpool/pkg/version"
)

// restartTimeout bounds how long a POST /restart may spend relaunching
// browsers before the request gives up.
const restartTimeout = 2 * time.Minute

// PoolService is the slice of the pool manager the admin server needs.
type PoolService interface {
	Stats() types.ManagerStats
	RestartAll(ctx context.Context) error
}

// Server serves the admin endpoints.
type Server struct {
	pools   PoolService
	metrics http.Handler
}

// New builds a server over the given pool service. metricsHandler may be
// nil when metrics are disabled.
func New(pools PoolService, metricsHandler http.Handler) *Server {
	return &Server{pools: pools, metrics: metricsHandler}
}

// Routes returns the admin mux wrapped in the standard middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/restart", s.handleRestart)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	chain := middleware.Chain(
		middleware.Recovery,
		middleware.Logging,
	)
	return chain(mux)
}

type healthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	TotalSessions     int    `json:"total_sessions"`
	AvailableSessions int    `json:"available_sessions"`
}

// handleHealth answers 200 while at least one session is alive, 503 once
// every pool has drained to zero.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := s.pools.Stats()
	resp := healthResponse{
		Status:            "ok",
		Version:           version.Full(),
		TotalSessions:     snap.TotalSessions(),
		AvailableSessions: snap.AvailableSessions(),
	}

	code := http.StatusOK
	if resp.TotalSessions == 0 {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.pools.Stats())
}

type restartResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), restartTimeout)
	defer cancel()

	if err := s.pools.RestartAll(ctx); err != nil {
		middleware.WriteError(w, http.StatusInternalServerError,
			fmt.Sprintf("restart incomplete: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, restartResponse{Status: "ok", Message: "all sessions restarted"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
