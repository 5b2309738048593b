package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hexweave/grimoire/internal/engine"
	"github.com/hexweave/grimoire/internal/idempotency"
	"github.com/hexweave/grimoire/internal/model"
	"github.com/hexweave/grimoire/internal/store"
)

const headerIdempotencyKey = "Idempotency-Key"

// defaultEstimateCents is charged against the budget gate when the
// caller supplies no estimate. Actual cost replaces it at commit time.
const defaultEstimateCents = int64(10)

// createCastRequest is the JSON body for POST /v1/spells/{id}/casts.
type createCastRequest struct {
	Input                   json.RawMessage `json:"input"`
	AllowFallback           *bool           `json:"allow_fallback"`
	RetryTimeoutViaFallback bool            `json:"retry_timeout_via_fallback"`
	EstimatedCostCents      *int64          `json:"estimated_cost_cents"`
}

// listCastsResponse wraps the paginated list response.
type listCastsResponse struct {
	Casts  []*model.Cast `json:"casts"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleCreateCast(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())
	spellID := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to read request body", nil)
		return
	}
	var req createCastRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body", nil)
			return
		}
	}

	sp, err := s.store.GetSpell(r.Context(), spellID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, CodeNotFound, "spell not found", nil)
		return
	}
	if err != nil {
		s.logger.Error("get spell for cast", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to get spell", nil)
		return
	}

	// Validation is deterministic, so rejecting before the idempotency
	// gate never leaves a record behind for a request that can only fail.
	if err := engine.ValidateInput(sp.InputSchema, req.Input); err != nil {
		var ve *engine.ValidationError
		if errors.As(err, &ve) {
			s.writeError(w, http.StatusUnprocessableEntity, CodeValidationError,
				"input does not match the spell's declared schema",
				map[string]any{"fields": ve.Fields})
			return
		}
		s.logger.Error("validate cast input", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "input validation failed", nil)
		return
	}

	// Idempotency gate next: a replayed request must not re-run the
	// budget gate or create a second cast.
	idemKey := r.Header.Get(headerIdempotencyKey)
	endpoint := fmt.Sprintf("POST /v1/spells/%s/casts", spellID)
	if idemKey != "" {
		out, err := s.idem.Begin(r.Context(), idemKey, endpoint, caller.ID, body)
		if errors.Is(err, idempotency.ErrConflict) {
			s.writeError(w, http.StatusConflict, CodeIdempotencyConflict,
				"idempotency key was already used with a different request", nil)
			return
		}
		if err != nil {
			s.logger.Error("idempotency begin", "error", err)
			s.writeError(w, http.StatusInternalServerError, CodeInternal, "idempotency check failed", nil)
			return
		}
		switch out.Disposition {
		case idempotency.Replay:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(out.Status)
			w.Write(out.Body)
			return
		case idempotency.Pending:
			s.writeError(w, http.StatusConflict, CodeIdempotencyPending,
				"an identical request is already in flight", nil)
			return
		}
	}

	estimate := defaultEstimateCents
	if req.EstimatedCostCents != nil && *req.EstimatedCostCents >= 0 {
		estimate = *req.EstimatedCostCents
	}
	decision, err := s.budgets.Check(r.Context(), caller.ID, estimate)
	if err != nil {
		s.logger.Error("budget check", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "budget check failed", nil)
		return
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds, 10))
		s.writeError(w, http.StatusPaymentRequired, CodeBudgetCapExceeded,
			"monthly budget cap exceeded", map[string]any{
				"cap_cents":       decision.CapCents,
				"spent_cents":     decision.SpentCents,
				"remaining_cents": decision.RemainingCents,
				"retry_after":     decision.RetryAfterSeconds,
			})
		return
	}

	cast := &model.Cast{
		ID:        model.NewID(),
		SpellID:   sp.ID,
		CallerID:  caller.ID,
		Input:     req.Input,
		CreatedAt: time.Now().UTC(),
	}
	opts := engine.SubmitOptions{
		AllowFallback:           req.AllowFallback,
		RetryTimeoutViaFallback: req.RetryTimeoutViaFallback,
	}
	if err := s.casts.Submit(r.Context(), sp, cast, opts); err != nil {
		s.logger.Error("submit cast", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to submit cast", nil)
		return
	}

	resp, err := json.Marshal(cast)
	if err != nil {
		s.logger.Error("marshal cast response", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to encode cast", nil)
		return
	}
	if idemKey != "" {
		if err := s.idem.Commit(r.Context(), idemKey, endpoint, caller.ID, http.StatusAccepted, resp); err != nil {
			s.logger.Error("idempotency commit", "cast_id", cast.ID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write(resp)
}

func (s *Server) handleGetCast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.store.GetCast(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, CodeNotFound, "cast not found", nil)
		return
	}
	if err != nil {
		s.logger.Error("get cast", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to get cast", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListCasts(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	casts, total, err := s.store.ListCasts(r.Context(), caller.ID, limit, offset)
	if err != nil {
		s.logger.Error("list casts", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to list casts", nil)
		return
	}
	if casts == nil {
		casts = []*model.Cast{}
	}

	s.writeJSON(w, http.StatusOK, listCastsResponse{
		Casts:  casts,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
