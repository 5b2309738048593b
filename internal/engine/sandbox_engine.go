package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hexweave/grimoire/internal/artifact"
	"github.com/hexweave/grimoire/internal/model"
	"github.com/hexweave/grimoire/internal/sandbox"
)

// SandboxEngine runs casts in the in-process wasm sandbox and persists
// their output to the artifact store.
type SandboxEngine struct {
	runtime   *sandbox.Runtime
	artifacts artifact.Store
	logger    *slog.Logger
}

var _ Engine = (*SandboxEngine)(nil)

func NewSandboxEngine(rt *sandbox.Runtime, artifacts artifact.Store, logger *slog.Logger) *SandboxEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SandboxEngine{runtime: rt, artifacts: artifacts, logger: logger}
}

func (e *SandboxEngine) Kind() string { return model.EngineSandbox }

func (e *SandboxEngine) Run(ctx context.Context, spec CastSpec) Outcome {
	if spec.Module == nil {
		return Outcome{Error: "no compiled module available for sandbox execution"}
	}

	maxMemoryMB := sandbox.DefaultMaxMemoryMB
	opts := sandbox.ExecOptions{
		Input:        spec.Cast.Input,
		Env:          spec.Env,
		Capabilities: spec.Spell.Capabilities,
	}
	if limits := spec.Spell.Limits; limits != nil {
		if limits.MaxMemoryMB != nil {
			maxMemoryMB = *limits.MaxMemoryMB
		}
		if limits.MaxExecutionTimeMS != nil {
			opts.MaxExecutionTimeMS = *limits.MaxExecutionTimeMS
		}
		if limits.MaxOutputSizeBytes != nil {
			opts.MaxOutputSizeBytes = *limits.MaxOutputSizeBytes
		}
	}

	start := time.Now()
	lm, err := e.runtime.LoadModule(ctx, sandbox.ModuleSource{Stored: spec.Module}, maxMemoryMB)
	if err != nil {
		return Outcome{
			Error:           fmt.Sprintf("load module: %v", err),
			ExecutionTimeMS: int(time.Since(start).Milliseconds()),
		}
	}

	result := e.runtime.Execute(ctx, lm, opts)
	out := Outcome{
		Success:         result.Success,
		Output:          result.Output,
		Error:           result.Error,
		ErrorCode:       result.ErrorCode,
		Timeout:         result.ErrorCode == sandbox.CodeTimeout,
		ExecutionTimeMS: result.ExecutionTimeMS,
		MemoryUsedMB:    result.MemoryUsedMB,
	}
	if !result.Success {
		return out
	}

	key := artifact.Key(spec.Cast.ID, result.Output)
	if err := e.artifacts.Put(ctx, key, result.Output, "application/octet-stream"); err != nil {
		// The execution itself succeeded; losing the artifact fails the cast
		// because the result reference is part of the contract.
		e.logger.Error("failed to store sandbox artifact", "cast_id", spec.Cast.ID, "error", err)
		out.Success = false
		out.Error = fmt.Sprintf("store artifact: %v", err)
		return out
	}
	out.ArtifactKey = key
	return out
}
