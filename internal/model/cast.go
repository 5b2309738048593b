package model

import (
	"encoding/json"
	"time"
)

// Cast status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing edges: once reached, a cast never moves.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status is final.
func Terminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Cast is one attempt to run a spell. It is owned by the router for the
// duration of the attempt and becomes immutable once it reaches a terminal
// status.
type Cast struct {
	ID          string          `json:"id"`
	SpellID     string          `json:"spell_id"`
	CallerID    string          `json:"caller_id"`
	Status      string          `json:"status"`
	Engine      string          `json:"engine"`
	Fallback    bool            `json:"fallback"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      []byte          `json:"output,omitempty"`
	ArtifactKey string          `json:"artifact_key,omitempty"`
	Error       string          `json:"error,omitempty"`
	CostCents   *int64          `json:"cost_cents,omitempty"`
	DurationMS  *int            `json:"duration_ms,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// IdempotencyRecord deduplicates logically identical requests. The
// (Key, Endpoint, Scope) triple never rebinds to a different request hash and
// is never deleted; once a response is committed, it replays forever.
type IdempotencyRecord struct {
	Key            string    `json:"key"`
	Endpoint       string    `json:"endpoint"`
	Scope          string    `json:"scope"`
	RequestHash    string    `json:"request_hash"`
	ResponseStatus *int      `json:"response_status,omitempty"`
	ResponseBody   []byte    `json:"response_body,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Budget is a per-caller rolling monthly spending cap. CurrentSpendCents
// resets to zero exactly once when the wall-clock month rolls past
// PeriodStart's month.
type Budget struct {
	CallerID          string    `json:"caller_id"`
	CapCents          int64     `json:"cap_cents"`
	CurrentSpendCents int64     `json:"current_spend_cents"`
	PeriodStart       time.Time `json:"period_start"`
}
