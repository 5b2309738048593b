package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Run statuses reported by the platform.
const (
	RunStatusCompleted     = "completed"
	RunConclusionSuccess   = "success"
	RunConclusionFailure   = "failure"
	RunConclusionCancelled = "cancelled"
	RunConclusionTimedOut  = "timed_out"
)

// Run is one execution of a workflow on the platform.
type Run struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// Completed reports whether the run has finished.
func (r Run) Completed() bool {
	return r.Status == RunStatusCompleted
}

// LatestRun returns the most recent run of a workflow, or nil when the
// workflow has never run. Dispatch triggers return no run id, so callers
// correlate by comparing run ids before and after triggering.
func (c *Client) LatestRun(ctx context.Context, owner, repo, workflowFile string) (*Run, error) {
	token, err := c.accessToken(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/runs?per_page=1",
		c.baseURL, owner, repo, workflowFile)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build run list request: %w", err)
	}
	c.authorize(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer resp.Body.Close()

	callsTotal.WithLabelValues("list_runs", outcomeLabel(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body), false)
	}

	var payload struct {
		WorkflowRuns []Run `json:"workflow_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode run list: %w", err)
	}
	if len(payload.WorkflowRuns) == 0 {
		return nil, nil
	}
	return &payload.WorkflowRuns[0], nil
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, owner, repo string, runID int64) (*Run, error) {
	token, err := c.accessToken(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d", c.baseURL, owner, repo, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	c.authorize(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	defer resp.Body.Close()

	callsTotal.WithLabelValues("get_run", outcomeLabel(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body), false)
	}

	var run Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}
