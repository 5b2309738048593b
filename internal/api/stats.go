package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByEngine       map[string]int `json:"by_engine"`
	FallbackCount  int            `json:"fallback_count"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	TotalCostCents int64          `json:"total_cost_cents"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetCastStats(r.Context())
	if err != nil {
		s.logger.Error("get cast stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to get stats", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:          stats.Total,
		ByStatus:       stats.CountByStatus,
		ByEngine:       stats.CountByEngine,
		FallbackCount:  stats.FallbackCount,
		AvgDurationMS:  stats.AvgDurationMS,
		TotalCostCents: stats.TotalCostCents,
	})
}
