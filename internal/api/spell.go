package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xeipuuv/gojsonschema"

	"github.com/hexweave/grimoire/internal/model"
	"github.com/hexweave/grimoire/internal/sandbox"
	"github.com/hexweave/grimoire/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20  // 1 MB
	maxModuleSize    = 64 << 20 // 64 MB
)

// createSpellRequest is the JSON body for POST /v1/spells.
type createSpellRequest struct {
	Name         string                `json:"name"`
	Engine       string                `json:"engine"`
	InputSchema  json.RawMessage       `json:"input_schema"`
	Workflow     *model.WorkflowRef    `json:"workflow"`
	Limits       *model.ResourceLimits `json:"limits"`
	Capabilities []string              `json:"capabilities"`
}

// listSpellsResponse wraps the paginated list response.
type listSpellsResponse struct {
	Spells []*model.Spell `json:"spells"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (s *Server) handleCreateSpell(w http.ResponseWriter, r *http.Request) {
	var req createSpellRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body", nil)
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "name is required", nil)
		return
	}
	if !model.ValidEngine(req.Engine) {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest,
			"engine must be one of sandbox, workflow, hybrid", nil)
		return
	}
	if (req.Engine == model.EngineWorkflow || req.Engine == model.EngineHybrid) && req.Workflow == nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest,
			"workflow reference is required for workflow-capable spells", nil)
		return
	}
	if len(req.InputSchema) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(req.InputSchema)); err != nil {
			s.writeError(w, http.StatusBadRequest, CodeInvalidRequest,
				"input_schema is not a valid JSON schema", map[string]any{"detail": err.Error()})
			return
		}
	}

	sp := &model.Spell{
		ID:           model.NewID(),
		Name:         req.Name,
		Engine:       req.Engine,
		InputSchema:  req.InputSchema,
		Workflow:     req.Workflow,
		Limits:       req.Limits,
		Capabilities: req.Capabilities,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.CreateSpell(r.Context(), sp); err != nil {
		s.logger.Error("create spell", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to create spell", nil)
		return
	}

	s.writeJSON(w, http.StatusCreated, sp)
}

func (s *Server) handleGetSpell(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sp, err := s.store.GetSpell(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, CodeNotFound, "spell not found", nil)
		return
	}
	if err != nil {
		s.logger.Error("get spell", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to get spell", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, sp)
}

func (s *Server) handleListSpells(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	spells, total, err := s.store.ListSpells(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list spells", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to list spells", nil)
		return
	}
	if spells == nil {
		spells = []*model.Spell{}
	}

	s.writeJSON(w, http.StatusOK, listSpellsResponse{
		Spells: spells,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleUploadModule accepts raw wasm bytes for a spell. Each upload is a
// new immutable version; the spell's module reference moves to it.
func (s *Server) handleUploadModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sp, err := s.store.GetSpell(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, CodeNotFound, "spell not found", nil)
		return
	}
	if err != nil {
		s.logger.Error("get spell for module upload", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to get spell", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxModuleSize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to read module bytes", nil)
		return
	}
	if len(data) < 4 || !bytes.HasPrefix(data, []byte{0x00, 0x61, 0x73, 0x6d}) {
		s.writeError(w, http.StatusBadRequest, CodeInvalidModule,
			"module bytes are not a wasm binary", nil)
		return
	}

	version := 1
	if latest, err := s.store.LatestModule(r.Context(), sp.ID); err == nil {
		version = latest.Version + 1
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("resolve latest module", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to resolve module version", nil)
		return
	}

	mod := &model.Module{
		ID:        model.NewID(),
		SpellID:   sp.ID,
		Hash:      sandbox.HashModule(data),
		SizeBytes: int64(len(data)),
		Version:   version,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateModule(r.Context(), mod); err != nil {
		s.logger.Error("create module", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to store module", nil)
		return
	}

	s.writeJSON(w, http.StatusCreated, mod)
}
