package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hexweave/grimoire/internal/model"
)

func TestCreateSpell(t *testing.T) {
	srv := newTestServer(t, 10_000)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{
		"name": "thumbnail",
		"engine": "hybrid",
		"input_schema": {"type": "object", "properties": {"width": {"type": "integer"}}},
		"workflow": {"owner": "hexweave", "repo": "spellbook", "workflow_file": "thumb.yml", "ref": "main"}
	}`
	resp, err := http.Post(ts.URL+"/v1/spells", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/spells: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var sp model.Spell
	if err := json.NewDecoder(resp.Body).Decode(&sp); err != nil {
		t.Fatalf("decode spell: %v", err)
	}
	if sp.ID == "" {
		t.Error("expected generated spell ID")
	}
	if sp.Engine != model.EngineHybrid {
		t.Errorf("engine = %q, want hybrid", sp.Engine)
	}
	if sp.Workflow == nil || sp.Workflow.WorkflowFile != "thumb.yml" {
		t.Errorf("workflow = %+v, want thumb.yml reference", sp.Workflow)
	}
}

func TestCreateSpellValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"engine": "sandbox"}`},
		{"bad engine", `{"name": "x", "engine": "quantum"}`},
		{"workflow engine without ref", `{"name": "x", "engine": "workflow"}`},
		{"hybrid engine without ref", `{"name": "x", "engine": "hybrid"}`},
		{"malformed schema", `{"name": "x", "engine": "sandbox", "input_schema": {"type": 12}}`},
		{"invalid json", `{`},
	}

	srv := newTestServer(t, 10_000)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/spells", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetSpellNotFound(t *testing.T) {
	srv := newTestServer(t, 10_000)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/spells/sp_missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp.Body); code != CodeNotFound {
		t.Errorf("code = %q, want NotFound", code)
	}
}

func TestListSpells(t *testing.T) {
	srv := newTestServer(t, 10_000)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, name := range []string{"one", "two", "three"} {
		body := `{"name": "` + name + `", "engine": "sandbox"}`
		resp, err := http.Post(ts.URL+"/v1/spells", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/v1/spells?limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var list listSpellsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 3 {
		t.Errorf("total = %d, want 3", list.Total)
	}
	if len(list.Spells) != 2 {
		t.Errorf("page size = %d, want 2", len(list.Spells))
	}
}

func TestUploadModule(t *testing.T) {
	srv := newTestServer(t, 10_000)
	sp := seedHybridSpell(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wasm := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0xff}
	resp, err := http.Post(ts.URL+"/v1/spells/"+sp.ID+"/module", "application/wasm", bytes.NewReader(wasm))
	if err != nil {
		t.Fatalf("POST module: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var mod model.Module
	if err := json.NewDecoder(resp.Body).Decode(&mod); err != nil {
		t.Fatalf("decode module: %v", err)
	}
	// seedHybridSpell stores version 1, so an upload lands on version 2.
	if mod.Version != 2 {
		t.Errorf("version = %d, want 2", mod.Version)
	}
	if mod.SizeBytes != int64(len(wasm)) {
		t.Errorf("size = %d, want %d", mod.SizeBytes, len(wasm))
	}
	if mod.Hash == "" {
		t.Error("expected content hash on stored module")
	}
}

func TestUploadModuleRejectsNonWasm(t *testing.T) {
	srv := newTestServer(t, 10_000)
	sp := seedHybridSpell(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/spells/"+sp.ID+"/module", "application/octet-stream",
		strings.NewReader("#!/bin/sh\necho nope"))
	if err != nil {
		t.Fatalf("POST module: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp.Body); code != CodeInvalidModule {
		t.Errorf("code = %q, want InvalidModule", code)
	}
}
