package api

import (
	"encoding/json"
	"net/http"
)

// Error codes exposed in the error envelope. Clients branch on these,
// never on message text.
const (
	CodeInvalidRequest      = "InvalidRequest"
	CodeInvalidModule       = "InvalidModule"
	CodeNotFound            = "NotFound"
	CodeUnauthorized        = "Unauthorized"
	CodeValidationError     = "ValidationError"
	CodeIdempotencyConflict = "IdempotencyConflict"
	CodeIdempotencyPending  = "IdempotencyPending"
	CodeBudgetCapExceeded   = "BudgetCapExceeded"
	CodeStreamLimit         = "StreamLimitExceeded"
	CodeInternal            = "Internal"
)

// writeError writes the error envelope with optional structured details
// merged next to code and message:
// {"error":{"code":..., "message":..., <details>}}.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	inner := map[string]any{
		"code":    code,
		"message": message,
	}
	for k, v := range details {
		inner[k] = v
	}
	s.writeJSON(w, status, map[string]any{"error": inner})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
