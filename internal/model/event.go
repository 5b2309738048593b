package model

import "time"

// StatusEvent carries one state transition of an in-flight cast to stream
// subscribers. Events are ephemeral: created on every transition, delivered
// to live subscribers, then discarded.
type StatusEvent struct {
	CastID      string    `json:"cast_id"`
	Status      string    `json:"status"`
	Engine      string    `json:"engine,omitempty"`
	Fallback    bool      `json:"fallback,omitempty"`
	Progress    string    `json:"progress,omitempty"`
	Error       string    `json:"error,omitempty"`
	ArtifactKey string    `json:"artifact_key,omitempty"`
	DurationMS  *int      `json:"duration_ms,omitempty"`
	CostCents   *int64    `json:"cost_cents,omitempty"`
	At          time.Time `json:"at"`
}
