// testserver starts a grimoire API server with stub engines for E2E
// testing. Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/hexweave/grimoire/internal/api"
	"github.com/hexweave/grimoire/internal/budget"
	"github.com/hexweave/grimoire/internal/engine"
	"github.com/hexweave/grimoire/internal/idempotency"
	"github.com/hexweave/grimoire/internal/model"
	"github.com/hexweave/grimoire/internal/store"
)

// stubEngine is a configurable mock engine for E2E tests.
type stubEngine struct {
	kind    string
	delay   time.Duration
	outcome engine.Outcome
}

func (s *stubEngine) Kind() string { return s.kind }

func (s *stubEngine) Run(ctx context.Context, spec engine.CastSpec) engine.Outcome {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return engine.Outcome{Error: ctx.Err().Error(), Timeout: true}
	}
	return s.outcome
}

func main() {
	addr := ":8080"
	if v := os.Getenv("GRIMOIRE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := engine.NewRegistry()
	reg.Register(&stubEngine{
		kind:  model.EngineSandbox,
		delay: 500 * time.Millisecond,
		outcome: engine.Outcome{
			Success:         true,
			Output:          []byte(`{"result":"hello from sandbox"}`),
			ArtifactKey:     "casts/stub/sandbox.bin",
			ExecutionTimeMS: 500,
			MemoryUsedMB:    16,
		},
	})
	reg.Register(&stubEngine{
		kind:  model.EngineWorkflow,
		delay: 2 * time.Second,
		outcome: engine.Outcome{
			Success:         true,
			Output:          []byte(`{"result":"hello from workflow"}`),
			ArtifactKey:     "casts/stub/workflow.zip",
			ExecutionTimeMS: 2000,
		},
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	casts := engine.NewRouter(db, reg, logger)
	idem := idempotency.NewGate(db, logger)
	budgets := budget.NewGate(db, budget.Config{DefaultCapCents: 10_000, Logger: logger})
	srv := api.NewServer(addr, db, casts, idem, budgets, logger, api.Options{})

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
