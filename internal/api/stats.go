package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/chronomail/chronomail/internal/capsule"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	Uptime   string         `json:"uptime"`
	Capsules *capsule.Stats `json:"capsules,omitempty"`
}

// Version is the server version reported by /health.
const Version = "1.0.0"

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, _ := s.repo.Stats(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  Version,
		Uptime:   time.Since(s.startTime).String(),
		Capsules: counts,
	})
}

// handleStatsDashboard handles GET /api/v1/stats/dashboard
func (s *Server) handleStatsDashboard(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 365 {
			s.sendError(w, http.StatusBadRequest, "days must be between 1 and 365")
			return
		}
		days = n
	}

	dash, err := s.stats.Dashboard(days)
	if err != nil {
		s.logger.Error("failed to build dashboard", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to build dashboard")
		return
	}

	s.sendJSON(w, http.StatusOK, dash)
}

// handleStatsRealtime handles GET /api/v1/stats/realtime. A missing or
// expired snapshot is recomputed on demand.
func (s *Server) handleStatsRealtime(w http.ResponseWriter, r *http.Request) {
	snapshot, ok, err := s.stats.Realtime()
	if err != nil {
		s.logger.Error("failed to read realtime snapshot", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read realtime statistics")
		return
	}

	if !ok {
		snapshot, err = s.stats.UpdateRealtime(r.Context())
		if err != nil {
			s.logger.Error("failed to refresh realtime snapshot", "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to read realtime statistics")
			return
		}
	}

	s.sendJSON(w, http.StatusOK, snapshot)
}

// handleStatsCollect handles POST /api/v1/stats/collect. The optional
// date query parameter (YYYY-MM-DD) defaults to today.
func (s *Server) handleStatsCollect(w http.ResponseWriter, r *http.Request) {
	date := time.Now()
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.ParseInLocation("2006-01-02", v, time.Local)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "date must be formatted YYYY-MM-DD")
			return
		}
		date = parsed
	}

	stat, err := s.stats.CollectDaily(r.Context(), date)
	if err != nil {
		s.logger.Error("failed to collect daily statistics", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to collect statistics")
		return
	}
	if stat == nil {
		s.sendJSON(w, http.StatusOK, map[string]string{
			"status": "empty",
			"date":   date.Format("2006-01-02"),
		})
		return
	}

	s.sendJSON(w, http.StatusOK, stat)
}

// handleListKeys handles GET /api/v1/keys
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.keys.Keys())
}

// handleRotateKey handles POST /api/v1/keys/rotate
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	newID, err := s.keys.Rotate()
	if err != nil {
		s.logger.Error("failed to rotate encryption key", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to rotate key")
		return
	}

	if s.metrics != nil {
		s.metrics.KeyRotationsTotal.Inc()
	}

	s.logger.Info("encryption key rotated", "key_id", newID)
	s.sendJSON(w, http.StatusOK, map[string]string{"current_key_id": newID})
}
