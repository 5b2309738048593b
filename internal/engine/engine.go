package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hexweave/grimoire/internal/model"
)

// CastSpec is everything an engine needs to run one cast. The module is
// resolved by the router before dispatch; workflow engines ignore it.
type CastSpec struct {
	Cast   *model.Cast
	Spell  *model.Spell
	Module *model.Module

	// Env is host environment offered to the execution. Engines redact
	// or ignore it according to their own isolation rules.
	Env map[string]string
}

// Outcome is the result of one engine attempt. Engine-level failures are
// data: Run never returns an error for a failed execution, only for
// conditions the engine cannot classify.
type Outcome struct {
	Success     bool
	Output      []byte
	ArtifactKey string
	Error       string
	ErrorCode   string
	// Timeout marks resource exhaustion as opposed to a guest bug. The
	// router excludes timeouts from automatic fallback unless the caller
	// opted in.
	Timeout         bool
	ExecutionTimeMS int
	MemoryUsedMB    int
}

// Engine executes casts. Implementations are safe for concurrent use.
type Engine interface {
	// Kind returns the engine discriminator stored on casts.
	Kind() string

	// Run executes the cast to completion. Failures are reported in the
	// Outcome; the context bounds the whole attempt.
	Run(ctx context.Context, spec CastSpec) Outcome
}

// Registry holds registered engines keyed by kind. The engine set is a
// closed variant: adding an engine means adding a kind and an
// implementation, not editing router branches.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine under its kind.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Kind()] = e
}

// Resolve returns the engine for a kind, or an error if none is
// registered.
func (r *Registry) Resolve(kind string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[kind]
	if !ok {
		return nil, fmt.Errorf("engine %q is not registered", kind)
	}
	return e, nil
}
