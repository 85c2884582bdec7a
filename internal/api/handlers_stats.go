package api

import (
	"net/http"

	"github.com/wabiview/wabiview/internal/errors"
)

// defaultVolumeDays is the daily volume window when none is requested
const defaultVolumeDays = 30

// handleGetStats handles GET /api/stats
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queryService.GetStats(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleGetCoordinators handles GET /api/coordinators
func (s *Server) handleGetCoordinators(w http.ResponseWriter, r *http.Request) {
	cards, err := s.queryService.GetCoordinatorOverview(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cards)
}

// handleGetDailyVolume handles GET /api/stats/daily
func (s *Server) handleGetDailyVolume(w http.ResponseWriter, r *http.Request) {
	days := defaultVolumeDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		days = parseIntDefault(raw, -1)
		if days < 0 {
			respondServiceError(w, r, errors.NewInvalidParameterError("days", "must be a positive integer"))
			return
		}
	}

	volume, err := s.queryService.GetDailyVolume(r.Context(), days)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, volume)
}
