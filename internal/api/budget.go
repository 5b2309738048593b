package api

import (
	"net/http"
)

// handleGetBudget reports the caller's current-period usage.
func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())

	usage, err := s.budgets.Usage(r.Context(), caller.ID)
	if err != nil {
		s.logger.Error("budget usage", "caller_id", caller.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to get budget usage", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, usage)
}
