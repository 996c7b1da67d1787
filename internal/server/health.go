package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthReport is the body of /health.
type healthReport struct {
	Status    string          `json:"status"`
	Tier      string          `json:"tier"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()

	report := healthReport{
		Status:    "healthy",
		Tier:      s.tier,
		Checks:    map[string]bool{"comms": s.nc != nil && s.nc.IsConnected()},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.pool != nil {
		report.Checks["database"] = s.pool.Ping(ctx) == nil
	}
	for _, ok := range report.Checks {
		if !ok {
			report.Status = "unhealthy"
		}
	}

	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"tier": s.tier}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
