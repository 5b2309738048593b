package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatsAggregatesTerminalCasts(t *testing.T) {
	srv := newTestServer(t, 10_000, succeedingSandbox())
	sp := seedHybridSpell(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 2; i++ {
		resp := postCast(t, ts.URL, sp.ID, "caller-1", "", `{"input":{}}`)
		resp.Body.Close()
	}
	srv.casts.Wait()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.ByStatus["succeeded"] != 2 {
		t.Errorf("succeeded = %d, want 2", stats.ByStatus["succeeded"])
	}
	if stats.ByEngine["sandbox"] != 2 {
		t.Errorf("sandbox = %d, want 2", stats.ByEngine["sandbox"])
	}
	if stats.TotalCostCents <= 0 {
		t.Errorf("total cost = %d, want > 0", stats.TotalCostCents)
	}
}

func TestBudgetEndpointReportsUsage(t *testing.T) {
	srv := newTestServer(t, 1_000)
	if err := srv.budgets.Commit(context.Background(), "caller-1", 250); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Requires a caller identity.
	bare, err := http.Get(ts.URL + "/v1/budget")
	if err != nil {
		t.Fatalf("GET /v1/budget: %v", err)
	}
	bare.Body.Close()
	if bare.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without caller = %d, want 401", bare.StatusCode)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/v1/budget", nil)
	req.Header.Set(headerCallerID, "caller-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/budget: %v", err)
	}
	defer resp.Body.Close()

	var usage struct {
		CapCents       int64   `json:"cap_cents"`
		SpentCents     int64   `json:"spent_cents"`
		RemainingCents int64   `json:"remaining_cents"`
		PercentUsed    float64 `json:"percent_used"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if usage.CapCents != 1_000 || usage.SpentCents != 250 {
		t.Errorf("cap/spent = %d/%d, want 1000/250", usage.CapCents, usage.SpentCents)
	}
	if usage.RemainingCents != 750 {
		t.Errorf("remaining = %d, want 750", usage.RemainingCents)
	}
	if usage.PercentUsed != 25 {
		t.Errorf("percent used = %v, want 25", usage.PercentUsed)
	}
}
