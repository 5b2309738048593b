package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hexweave/grimoire/internal/engine"
	"github.com/hexweave/grimoire/internal/model"
	"github.com/hexweave/grimoire/internal/store"
)

// stubEngine is a configurable engine for router tests.
type stubEngine struct {
	kind    string
	outcome engine.Outcome
	calls   atomic.Int32
}

func (s *stubEngine) Kind() string { return s.kind }

func (s *stubEngine) Run(_ context.Context, _ engine.CastSpec) engine.Outcome {
	s.calls.Add(1)
	return s.outcome
}

func newTestRouter(t *testing.T, engines ...engine.Engine) (*engine.Router, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := engine.NewRegistry()
	for _, e := range engines {
		reg.Register(e)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return engine.NewRouter(s, reg, logger), s
}

// seedSpell stores a spell, optionally with a compiled module attached.
func seedSpell(t *testing.T, s store.Store, enginePref string, withModule, withWorkflow bool) *model.Spell {
	t.Helper()
	sp := &model.Spell{
		ID:        model.NewID(),
		Name:      "render",
		Engine:    enginePref,
		CreatedAt: time.Now().UTC(),
	}
	if withWorkflow {
		sp.Workflow = &model.WorkflowRef{
			Owner: "hexweave", Repo: "spellbook", WorkflowFile: "render.yml", Ref: "main",
		}
	}
	if err := s.CreateSpell(context.Background(), sp); err != nil {
		t.Fatalf("CreateSpell: %v", err)
	}
	if withModule {
		data := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
		mod := &model.Module{
			ID:        model.NewID(),
			SpellID:   sp.ID,
			Hash:      "da39a3",
			SizeBytes: int64(len(data)),
			Version:   1,
			Data:      data,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreateModule(context.Background(), mod); err != nil {
			t.Fatalf("CreateModule: %v", err)
		}
		sp.ModuleID = &mod.ID
	}
	return sp
}

func makeCast(sp *model.Spell, input string) *model.Cast {
	c := &model.Cast{
		ID:        model.NewID(),
		SpellID:   sp.ID,
		CallerID:  "caller-a",
		CreatedAt: time.Now().UTC(),
	}
	if input != "" {
		c.Input = json.RawMessage(input)
	}
	return c
}

// waitForTerminal polls the store until the cast reaches a terminal status.
func waitForTerminal(t *testing.T, s store.Store, id string, timeout time.Duration) *model.Cast {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := s.GetCast(context.Background(), id)
		if err != nil {
			t.Fatalf("GetCast: %v", err)
		}
		if model.Terminal(c.Status) {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cast %s did not reach a terminal status within %v", id, timeout)
	return nil
}

func TestDecide(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name            string
		engine          string
		hasModule       bool
		hasWorkflow     bool
		wantEngine      string
		wantCanFallback bool
		wantReason      bool
	}{
		{"sandbox with module", model.EngineSandbox, true, true, model.EngineSandbox, true, false},
		{"sandbox without module degrades", model.EngineSandbox, false, true, model.EngineWorkflow, false, true},
		{"hybrid with module", model.EngineHybrid, true, true, model.EngineSandbox, true, false},
		{"hybrid without module", model.EngineHybrid, false, true, model.EngineWorkflow, false, true},
		{"workflow always workflow", model.EngineWorkflow, false, true, model.EngineWorkflow, false, false},
		{"workflow with module flags diagnostics", model.EngineWorkflow, true, true, model.EngineWorkflow, true, false},
		{"sandbox with module no workflow", model.EngineSandbox, true, false, model.EngineSandbox, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := &model.Spell{Engine: tt.engine}
			if tt.hasWorkflow {
				sp.Workflow = &model.WorkflowRef{Owner: "o", Repo: "r", WorkflowFile: "w.yml", Ref: "main"}
			}
			d := r.Decide(sp, tt.hasModule)
			if d.Engine != tt.wantEngine {
				t.Errorf("engine = %q, want %q", d.Engine, tt.wantEngine)
			}
			if d.CanFallback != tt.wantCanFallback {
				t.Errorf("canFallback = %v, want %v", d.CanFallback, tt.wantCanFallback)
			}
			if (d.Reason != "") != tt.wantReason {
				t.Errorf("reason = %q, want-reason %v", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestSubmitLifecycleDeliversOrderedEvents(t *testing.T) {
	sb := &stubEngine{kind: model.EngineSandbox, outcome: engine.Outcome{
		Success:         true,
		Output:          []byte("result"),
		ArtifactKey:     "casts/x/abc.bin",
		ExecutionTimeMS: 42,
		MemoryUsedMB:    16,
	}}
	r, s := newTestRouter(t, sb)

	sp := seedSpell(t, s, model.EngineHybrid, true, true)
	c := makeCast(sp, `{"width":100,"height":100}`)

	events, unsubscribe := r.Broker().Subscribe(c.ID)
	defer unsubscribe()

	if err := r.Submit(context.Background(), sp, c, engine.SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var seen []string
	for ev := range events {
		seen = append(seen, ev.Status)
	}
	want := []string{model.StatusQueued, model.StatusRunning, model.StatusSucceeded}
	if len(seen) != len(want) {
		t.Fatalf("statuses = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", seen, want)
		}
	}

	final := waitForTerminal(t, s, c.ID, 5*time.Second)
	if final.ArtifactKey == "" {
		t.Error("terminal cast has no artifact key")
	}
	if final.DurationMS == nil || *final.DurationMS <= 0 {
		t.Errorf("duration_ms = %v, want > 0", final.DurationMS)
	}
	if final.CostCents == nil || *final.CostCents <= 0 {
		t.Errorf("cost_cents = %v, want > 0", final.CostCents)
	}
	if final.StartedAt == nil || final.FinishedAt == nil {
		t.Error("terminal cast missing timestamps")
	}
}

func TestFallbackRunsWorkflowExactlyOnce(t *testing.T) {
	sb := &stubEngine{kind: model.EngineSandbox, outcome: engine.Outcome{
		Error: "guest trapped", ErrorCode: "WASM_TRAP", ExecutionTimeMS: 5,
	}}
	wf := &stubEngine{kind: model.EngineWorkflow, outcome: engine.Outcome{
		Success: true, ArtifactKey: "casts/x/wf.bin", ExecutionTimeMS: 90,
	}}
	r, s := newTestRouter(t, sb, wf)

	sp := seedSpell(t, s, model.EngineHybrid, true, true)
	c := makeCast(sp, "")
	if err := r.Submit(context.Background(), sp, c, engine.SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, s, c.ID, 5*time.Second)
	if final.Status != model.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded (error: %s)", final.Status, final.Error)
	}
	if !final.Fallback {
		t.Error("fallback flag not set")
	}
	if final.Engine != model.EngineWorkflow {
		t.Errorf("engine = %q, want workflow", final.Engine)
	}
	if got := sb.calls.Load(); got != 1 {
		t.Errorf("sandbox attempts = %d, want 1", got)
	}
	if got := wf.calls.Load(); got != 1 {
		t.Errorf("workflow attempts = %d, want 1", got)
	}
}

func TestTimeoutDoesNotFallBackByDefault(t *testing.T) {
	sb := &stubEngine{kind: model.EngineSandbox, outcome: engine.Outcome{
		Error: "deadline exceeded", ErrorCode: "WASM_TIMEOUT", Timeout: true, ExecutionTimeMS: 200,
	}}
	wf := &stubEngine{kind: model.EngineWorkflow, outcome: engine.Outcome{Success: true}}
	r, s := newTestRouter(t, sb, wf)

	sp := seedSpell(t, s, model.EngineHybrid, true, true)
	c := makeCast(sp, "")
	if err := r.Submit(context.Background(), sp, c, engine.SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, s, c.ID, 5*time.Second)
	if final.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", final.Status)
	}
	if got := wf.calls.Load(); got != 0 {
		t.Errorf("workflow attempts = %d, want 0 (timeouts excluded from fallback)", got)
	}
}

func TestTimeoutFallsBackWhenOptedIn(t *testing.T) {
	sb := &stubEngine{kind: model.EngineSandbox, outcome: engine.Outcome{
		Error: "deadline exceeded", ErrorCode: "WASM_TIMEOUT", Timeout: true, ExecutionTimeMS: 200,
	}}
	wf := &stubEngine{kind: model.EngineWorkflow, outcome: engine.Outcome{Success: true, ExecutionTimeMS: 30}}
	r, s := newTestRouter(t, sb, wf)

	sp := seedSpell(t, s, model.EngineHybrid, true, true)
	c := makeCast(sp, "")
	err := r.Submit(context.Background(), sp, c, engine.SubmitOptions{RetryTimeoutViaFallback: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, s, c.ID, 5*time.Second)
	if final.Status != model.StatusSucceeded || !final.Fallback {
		t.Errorf("status = %q fallback = %v, want succeeded with fallback", final.Status, final.Fallback)
	}
}

func TestNoFallbackWithoutWorkflowRef(t *testing.T) {
	sb := &stubEngine{kind: model.EngineSandbox, outcome: engine.Outcome{
		Error: "guest trapped", ExecutionTimeMS: 5,
	}}
	wf := &stubEngine{kind: model.EngineWorkflow, outcome: engine.Outcome{Success: true}}
	r, s := newTestRouter(t, sb, wf)

	sp := seedSpell(t, s, model.EngineHybrid, true, false)
	c := makeCast(sp, "")
	if err := r.Submit(context.Background(), sp, c, engine.SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, s, c.ID, 5*time.Second)
	if final.Status != model.StatusFailed || final.Fallback {
		t.Errorf("status = %q fallback = %v, want failed without fallback", final.Status, final.Fallback)
	}
	if got := wf.calls.Load(); got != 0 {
		t.Errorf("workflow attempts = %d, want 0", got)
	}
}

func TestWorkflowEngineNeverFallsBack(t *testing.T) {
	wf := &stubEngine{kind: model.EngineWorkflow, outcome: engine.Outcome{
		Error: "run failed", ExecutionTimeMS: 10,
	}}
	r, s := newTestRouter(t, wf)

	sp := seedSpell(t, s, model.EngineWorkflow, true, true)
	c := makeCast(sp, "")
	allow := true
	err := r.Submit(context.Background(), sp, c, engine.SubmitOptions{AllowFallback: &allow})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, s, c.ID, 5*time.Second)
	if final.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", final.Status)
	}
	if got := wf.calls.Load(); got != 1 {
		t.Errorf("workflow attempts = %d, want 1 (fallback is sandbox→workflow only)", got)
	}
}

func TestValidationFailsBeforeEngine(t *testing.T) {
	sb := &stubEngine{kind: model.EngineSandbox, outcome: engine.Outcome{Success: true}}
	r, s := newTestRouter(t, sb)

	sp := seedSpell(t, s, model.EngineHybrid, true, false)
	sp.InputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"width": {"type": "integer"}},
		"required": ["width"]
	}`)
	c := makeCast(sp, `{"height":100}`)
	if err := r.Submit(context.Background(), sp, c, engine.SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, s, c.ID, 5*time.Second)
	if final.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "width") {
		t.Errorf("error = %q, want mention of missing field", final.Error)
	}
	if got := sb.calls.Load(); got != 0 {
		t.Errorf("engine attempts = %d, want 0 (validation fails fast)", got)
	}
	if final.CostCents != nil {
		t.Errorf("cost_cents = %v, want nil for unexecuted cast", *final.CostCents)
	}
}

func TestPostExecHooksRunAfterTerminal(t *testing.T) {
	sb := &stubEngine{kind: model.EngineSandbox, outcome: engine.Outcome{
		Success: true, ExecutionTimeMS: 10,
	}}
	r, s := newTestRouter(t, sb)

	var hookStatus atomic.Value
	r.OnTerminal(func(c *model.Cast) {
		hookStatus.Store(c.Status)
	})
	r.OnTerminal(func(c *model.Cast) {
		panic("hook blew up")
	})

	sp := seedSpell(t, s, model.EngineHybrid, true, false)
	c := makeCast(sp, "")
	if err := r.Submit(context.Background(), sp, c, engine.SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r.Wait()

	final, err := s.GetCast(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetCast: %v", err)
	}
	if final.Status != model.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded (panicking hook must not affect outcome)", final.Status)
	}
	if got := hookStatus.Load(); got != model.StatusSucceeded {
		t.Errorf("hook saw status %v, want succeeded", got)
	}
}

func TestSubMillisecondRunIsBilled(t *testing.T) {
	// A guest can genuinely finish in under a millisecond, reporting an
	// execution time of zero. The run still consumed an engine slot, so it
	// is billed at the one-millisecond floor rather than slipping through
	// as an unexecuted cast.
	sb := &stubEngine{kind: model.EngineSandbox, outcome: engine.Outcome{
		Success:         true,
		Output:          []byte("{}"),
		ExecutionTimeMS: 0,
		MemoryUsedMB:    1,
	}}
	r, s := newTestRouter(t, sb)

	sp := seedSpell(t, s, model.EngineHybrid, true, false)
	c := makeCast(sp, "")
	if err := r.Submit(context.Background(), sp, c, engine.SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, s, c.ID, 5*time.Second)
	if final.Status != model.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", final.Status)
	}
	if final.DurationMS == nil || *final.DurationMS < 1 {
		t.Errorf("duration_ms = %v, want >= 1", final.DurationMS)
	}
	if final.CostCents == nil || *final.CostCents < 1 {
		t.Errorf("cost_cents = %v, want >= 1", final.CostCents)
	}
}
