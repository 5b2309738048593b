package model

import (
	"encoding/json"
	"time"
)

// Engine preference constants. A spell declares which execution engine it
// prefers; "hybrid" means sandbox when a compiled module exists, workflow
// otherwise.
const (
	EngineSandbox  = "sandbox"
	EngineWorkflow = "workflow"
	EngineHybrid   = "hybrid"
)

// ValidEngine reports whether s is a recognized engine preference.
func ValidEngine(s string) bool {
	return s == EngineSandbox || s == EngineWorkflow || s == EngineHybrid
}

// WorkflowRef identifies a remote workflow to dispatch for workflow-engine
// executions.
type WorkflowRef struct {
	Owner        string `json:"owner"`
	Repo         string `json:"repo"`
	WorkflowFile string `json:"workflow_file"`
	Ref          string `json:"ref"`
}

// ResourceLimits carries per-spell overrides for sandbox resource ceilings.
// Nil fields fall back to runtime defaults.
type ResourceLimits struct {
	MaxMemoryMB        *int   `json:"max_memory_mb,omitempty"`
	MaxExecutionTimeMS *int   `json:"max_execution_time_ms,omitempty"`
	MaxOutputSizeBytes *int64 `json:"max_output_size_bytes,omitempty"`
}

// Spell is an immutable definition of executable work: a declared input
// schema, an engine preference, and optionally a compiled module and/or a
// remote workflow reference.
type Spell struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Engine       string          `json:"engine"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	ModuleID     *string         `json:"module_id,omitempty"`
	Workflow     *WorkflowRef    `json:"workflow,omitempty"`
	Limits       *ResourceLimits `json:"limits,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Module is a versioned, content-addressed binary artifact runnable in the
// sandbox. Hash is always the SHA-256 digest of Data; a module is never
// mutated after insert — a new version is a new row.
type Module struct {
	ID        string    `json:"id"`
	SpellID   string    `json:"spell_id"`
	Hash      string    `json:"hash"`
	SizeBytes int64     `json:"size_bytes"`
	Version   int       `json:"version"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
