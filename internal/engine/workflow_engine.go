package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hexweave/grimoire/internal/artifact"
	"github.com/hexweave/grimoire/internal/dispatch"
	"github.com/hexweave/grimoire/internal/model"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultRunTimeout   = 15 * time.Minute
)

// WorkflowEngine runs casts by dispatching a remote workflow, waiting for
// its run to complete, and pulling the produced artifact into the
// artifact store.
type WorkflowEngine struct {
	client    *dispatch.Client
	artifacts artifact.Store
	logger    *slog.Logger

	pollInterval time.Duration
	runTimeout   time.Duration
}

var _ Engine = (*WorkflowEngine)(nil)

type WorkflowEngineConfig struct {
	// PollInterval is how often run completion is checked. Defaults to 5s.
	PollInterval time.Duration
	// RunTimeout bounds the wait for the remote run. Defaults to 15m.
	RunTimeout time.Duration
}

func NewWorkflowEngine(client *dispatch.Client, artifacts artifact.Store, logger *slog.Logger, cfg WorkflowEngineConfig) *WorkflowEngine {
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}
	return &WorkflowEngine{
		client:       client,
		artifacts:    artifacts,
		logger:       logger,
		pollInterval: pollInterval,
		runTimeout:   runTimeout,
	}
}

func (e *WorkflowEngine) Kind() string { return model.EngineWorkflow }

func (e *WorkflowEngine) Run(ctx context.Context, spec CastSpec) Outcome {
	wf := spec.Spell.Workflow
	if wf == nil {
		return Outcome{Error: "spell has no workflow reference"}
	}

	inputs := map[string]any{}
	if len(spec.Cast.Input) > 0 {
		if err := json.Unmarshal(spec.Cast.Input, &inputs); err != nil {
			return Outcome{Error: fmt.Sprintf("decode cast input: %v", err)}
		}
	}
	inputs["cast_id"] = spec.Cast.ID

	ctx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()
	start := time.Now()

	// Dispatch triggers return no run id. Snapshot the latest run first,
	// then poll until a newer run appears and completes.
	var baseline int64
	if prev, err := e.client.LatestRun(ctx, wf.Owner, wf.Repo, wf.WorkflowFile); err == nil && prev != nil {
		baseline = prev.ID
	}

	if err := e.client.TriggerDispatch(ctx, wf.Owner, wf.Repo, wf.WorkflowFile, wf.Ref, inputs); err != nil {
		return Outcome{
			Error:           fmt.Sprintf("trigger dispatch: %v", err),
			ErrorCode:       string(dispatch.CodeOf(err)),
			ExecutionTimeMS: int(time.Since(start).Milliseconds()),
		}
	}

	run, outcome := e.awaitRun(ctx, wf, baseline, start)
	if run == nil {
		return outcome
	}

	if run.Conclusion != dispatch.RunConclusionSuccess {
		return Outcome{
			Error:           fmt.Sprintf("workflow run %d concluded %s", run.ID, run.Conclusion),
			ExecutionTimeMS: int(time.Since(start).Milliseconds()),
			Timeout:         run.Conclusion == dispatch.RunConclusionTimedOut,
		}
	}

	return e.collectArtifact(ctx, wf, spec.Cast.ID, run.ID, start)
}

// awaitRun polls until a run newer than baseline completes. On failure
// the returned run is nil and the outcome carries the error.
func (e *WorkflowEngine) awaitRun(ctx context.Context, wf *model.WorkflowRef, baseline int64, start time.Time) (*dispatch.Run, Outcome) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, Outcome{
				Error:           "timed out waiting for workflow run to complete",
				Timeout:         true,
				ExecutionTimeMS: int(time.Since(start).Milliseconds()),
			}
		case <-ticker.C:
		}

		run, err := e.client.LatestRun(ctx, wf.Owner, wf.Repo, wf.WorkflowFile)
		if err != nil {
			e.logger.Warn("poll workflow run", "owner", wf.Owner, "repo", wf.Repo, "error", err)
			continue
		}
		if run == nil || run.ID <= baseline {
			continue
		}
		if run.Completed() {
			return run, Outcome{}
		}
	}
}

func (e *WorkflowEngine) collectArtifact(ctx context.Context, wf *model.WorkflowRef, castID string, runID int64, start time.Time) Outcome {
	arts, err := e.client.ListArtifacts(ctx, wf.Owner, wf.Repo, runID)
	if err != nil {
		return Outcome{
			Error:           fmt.Sprintf("list artifacts: %v", err),
			ErrorCode:       string(dispatch.CodeOf(err)),
			ExecutionTimeMS: int(time.Since(start).Milliseconds()),
		}
	}

	var chosen *dispatch.Artifact
	for i := range arts {
		if !arts[i].Expired {
			chosen = &arts[i]
			break
		}
	}
	if chosen == nil {
		return Outcome{
			Error:           fmt.Sprintf("workflow run %d produced no retrievable artifact", runID),
			ExecutionTimeMS: int(time.Since(start).Milliseconds()),
		}
	}

	data, err := e.client.DownloadArtifact(ctx, wf.Owner, wf.Repo, chosen.ID)
	if err != nil {
		return Outcome{
			Error:           fmt.Sprintf("download artifact: %v", err),
			ErrorCode:       string(dispatch.CodeOf(err)),
			ExecutionTimeMS: int(time.Since(start).Milliseconds()),
		}
	}

	key := artifact.Key(castID, data)
	if err := e.artifacts.Put(ctx, key, data, "application/zip"); err != nil {
		return Outcome{
			Error:           fmt.Sprintf("store artifact: %v", err),
			ExecutionTimeMS: int(time.Since(start).Milliseconds()),
		}
	}

	return Outcome{
		Success:         true,
		Output:          data,
		ArtifactKey:     key,
		ExecutionTimeMS: int(time.Since(start).Milliseconds()),
	}
}
