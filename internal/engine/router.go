package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hexweave/grimoire/internal/model"
	"github.com/hexweave/grimoire/internal/sandbox"
	"github.com/hexweave/grimoire/internal/store"
)

// Decision is the engine choice for a cast and the diagnostics behind it.
type Decision struct {
	Engine      string `json:"engine"`
	CanFallback bool   `json:"can_fallback"`
	Reason      string `json:"reason,omitempty"`
}

// SubmitOptions tunes one cast submission.
type SubmitOptions struct {
	// AllowFallback overrides the default fallback policy. When nil,
	// fallback is enabled for hybrid spells and disabled otherwise.
	AllowFallback *bool
	// RetryTimeoutViaFallback opts sandbox timeouts into fallback. Off by
	// default: a timeout signals resource exhaustion, and the workflow
	// engine is unlikely to fare better without caller intervention.
	RetryTimeoutViaFallback bool
	// Env is host environment offered to the execution.
	Env map[string]string
}

// PostExecHook runs after a cast reaches a terminal state. Hook failures
// are logged and never roll back the outcome.
type PostExecHook func(cast *model.Cast)

// Router owns the cast lifecycle: engine decision, input validation,
// execution, fallback, and terminal bookkeeping.
type Router struct {
	store    store.Store
	registry *Registry
	broker   *StatusBroker
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu    sync.Mutex
	hooks []PostExecHook
}

// NewRouter creates a router over the given store and engine registry.
func NewRouter(s store.Store, reg *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    s,
		registry: reg,
		broker:   NewStatusBroker(),
		logger:   logger,
	}
}

// Broker returns the router's status broker for SSE subscription.
func (r *Router) Broker() *StatusBroker {
	return r.broker
}

// OnTerminal registers a hook invoked after each cast reaches a terminal
// state.
func (r *Router) OnTerminal(h PostExecHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Decide picks the engine for a spell. Sandbox preference degrades to
// workflow when no module exists; hybrid uses sandbox exactly when a
// module is present; workflow preference always dispatches, with
// CanFallback reported for diagnostics only when a module happens to
// exist.
func (r *Router) Decide(spell *model.Spell, hasModule bool) Decision {
	hasWorkflow := spell.Workflow != nil

	switch spell.Engine {
	case model.EngineSandbox:
		if hasModule {
			return Decision{Engine: model.EngineSandbox, CanFallback: hasWorkflow}
		}
		return Decision{
			Engine:      model.EngineWorkflow,
			CanFallback: false,
			Reason:      "no compiled module; degraded to workflow",
		}
	case model.EngineHybrid:
		if hasModule {
			return Decision{Engine: model.EngineSandbox, CanFallback: hasWorkflow}
		}
		return Decision{Engine: model.EngineWorkflow, Reason: "no compiled module"}
	default:
		return Decision{Engine: model.EngineWorkflow, CanFallback: hasModule}
	}
}

// Submit creates the cast queued and launches asynchronous execution.
// The goroutine operates on copies to avoid data races with the caller.
func (r *Router) Submit(ctx context.Context, spell *model.Spell, cast *model.Cast, opts SubmitOptions) error {
	cast.Status = model.StatusQueued
	if err := r.store.CreateCast(ctx, cast); err != nil {
		return fmt.Errorf("create cast: %w", err)
	}
	r.publish(cast, "")

	spellCopy := *spell
	castCopy := *cast
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(&spellCopy, &castCopy, opts)
	}()

	return nil
}

// Wait blocks until all in-flight cast goroutines complete.
func (r *Router) Wait() {
	r.wg.Wait()
}

// execute runs the cast lifecycle: queued→running→succeeded/failed.
func (r *Router) execute(spell *model.Spell, cast *model.Cast, opts SubmitOptions) {
	ctx := context.Background()

	if err := r.store.UpdateCastStatus(ctx, cast.ID, model.StatusRunning); err != nil {
		r.logger.Error("failed to transition to running", "cast_id", cast.ID, "error", err)
		r.finish(cast, nil, Outcome{Error: fmt.Sprintf("failed to start: %v", err)}, false)
		return
	}
	cast.Status = model.StatusRunning
	r.publish(cast, "")

	start := time.Now()

	if err := ValidateInput(spell.InputSchema, cast.Input); err != nil {
		r.finish(cast, &start, Outcome{Error: err.Error(), ErrorCode: "VALIDATION_ERROR"}, false)
		return
	}

	module, err := r.store.LatestModule(ctx, spell.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.finish(cast, &start, Outcome{Error: fmt.Sprintf("resolve module: %v", err)}, false)
		return
	}

	decision := r.Decide(spell, module != nil)
	cast.Engine = decision.Engine
	if decision.Reason != "" {
		r.logger.Info("engine decision", "cast_id", cast.ID, "engine", decision.Engine, "reason", decision.Reason)
	}

	eng, err := r.registry.Resolve(decision.Engine)
	if err != nil {
		r.finish(cast, &start, Outcome{Error: fmt.Sprintf("resolve engine: %v", err)}, false)
		return
	}

	spec := CastSpec{Cast: cast, Spell: spell, Module: module, Env: opts.Env}
	outcome := eng.Run(ctx, spec)

	if r.shouldFallback(decision, outcome, spell, opts) {
		r.logger.Info("falling back to workflow engine", "cast_id", cast.ID, "sandbox_error", outcome.Error)
		fallbacksTotal.Inc()
		cast.Engine = model.EngineWorkflow
		cast.Fallback = true
		r.publish(cast, "retrying via workflow engine")

		if wfEng, resolveErr := r.registry.Resolve(model.EngineWorkflow); resolveErr != nil {
			outcome = Outcome{Error: fmt.Sprintf("resolve fallback engine: %v", resolveErr)}
		} else {
			outcome = wfEng.Run(ctx, spec)
		}
	}

	r.finish(cast, &start, outcome, true)
}

// shouldFallback applies the sandbox→workflow-only fallback policy.
// Timeouts are excluded unless the caller opted in.
func (r *Router) shouldFallback(decision Decision, outcome Outcome, spell *model.Spell, opts SubmitOptions) bool {
	if outcome.Success || decision.Engine != model.EngineSandbox {
		return false
	}
	if spell.Workflow == nil {
		return false
	}
	allow := spell.Engine == model.EngineHybrid
	if opts.AllowFallback != nil {
		allow = *opts.AllowFallback
	}
	if !allow {
		return false
	}
	if outcome.Timeout && !opts.RetryTimeoutViaFallback {
		return false
	}
	return true
}

// finish records the terminal state, publishes the terminal event, and
// runs post-execution hooks. engineRan reports whether an engine actually
// executed: casts that never reached one (validation, configuration)
// consumed nothing and are not billed, while any engine run is billed even
// when it completed in under a millisecond.
func (r *Router) finish(cast *model.Cast, startedAt *time.Time, outcome Outcome, engineRan bool) {
	now := time.Now().UTC()
	durationMS := outcome.ExecutionTimeMS
	if durationMS == 0 && startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}
	if engineRan && durationMS == 0 {
		// Sub-millisecond executions round up to the smallest billable unit.
		durationMS = 1
	}

	cast.Status = model.StatusFailed
	if outcome.Success {
		cast.Status = model.StatusSucceeded
	}
	cast.Output = outcome.Output
	cast.ArtifactKey = outcome.ArtifactKey
	cast.Error = outcome.Error
	if engineRan {
		cost := sandbox.Cost(durationMS, outcome.MemoryUsedMB)
		cast.CostCents = &cost
	}
	cast.DurationMS = &durationMS
	cast.StartedAt = startedAt
	cast.FinishedAt = &now

	if err := r.store.UpdateCast(context.Background(), cast); err != nil {
		r.logger.Error("failed to update terminal cast", "cast_id", cast.ID, "error", err)
	}
	castsTotal.WithLabelValues(cast.Status, cast.Engine).Inc()
	r.publish(cast, "")

	r.mu.Lock()
	hooks := make([]PostExecHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()
	for _, h := range hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("post-exec hook panicked", "cast_id", cast.ID, "panic", rec)
				}
			}()
			h(cast)
		}()
	}
}

// publish emits the cast's current state to stream subscribers.
func (r *Router) publish(cast *model.Cast, progress string) {
	r.broker.Publish(model.StatusEvent{
		CastID:      cast.ID,
		Status:      cast.Status,
		Engine:      cast.Engine,
		Fallback:    cast.Fallback,
		Progress:    progress,
		Error:       cast.Error,
		ArtifactKey: cast.ArtifactKey,
		DurationMS:  cast.DurationMS,
		CostCents:   cast.CostCents,
		At:          time.Now().UTC(),
	})
}
