package store

import (
	"context"
	"errors"
	"time"

	"github.com/hexweave/grimoire/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a cast status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// CastStats holds aggregate execution statistics.
type CastStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByEngine  map[string]int `json:"count_by_engine"`
	FallbackCount  int            `json:"fallback_count"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	TotalCostCents int64          `json:"total_cost_cents"`
}

// Store defines the persistence operations for spells, modules, casts,
// idempotency records, and budgets. The idempotency and budget operations
// must be transactionally consistent: both gates rely on atomic
// insert/compare semantics.
type Store interface {
	CreateSpell(ctx context.Context, sp *model.Spell) error
	GetSpell(ctx context.Context, id string) (*model.Spell, error)
	ListSpells(ctx context.Context, limit, offset int) ([]*model.Spell, int, error)

	// CreateModule inserts a new module version. Modules are immutable; a new
	// version of a spell's code is a new row.
	CreateModule(ctx context.Context, m *model.Module) error
	GetModule(ctx context.Context, id string) (*model.Module, error)
	// LatestModule returns the highest-version module for a spell, or
	// ErrNotFound when the spell has none.
	LatestModule(ctx context.Context, spellID string) (*model.Module, error)

	CreateCast(ctx context.Context, c *model.Cast) error
	GetCast(ctx context.Context, id string) (*model.Cast, error)
	ListCasts(ctx context.Context, callerID string, limit, offset int) ([]*model.Cast, int, error)
	// UpdateCastStatus transitions a cast's status, rejecting transitions the
	// status machine does not allow with ErrInvalidTransition.
	UpdateCastStatus(ctx context.Context, id, status string) error
	UpdateCast(ctx context.Context, c *model.Cast) error
	GetCastStats(ctx context.Context) (*CastStats, error)

	// InsertIdempotencyRecord atomically inserts a record for the
	// (key, endpoint, scope) triple. It reports false when a record for the
	// triple already exists, in which case nothing is written.
	InsertIdempotencyRecord(ctx context.Context, rec *model.IdempotencyRecord) (bool, error)
	GetIdempotencyRecord(ctx context.Context, key, endpoint, scope string) (*model.IdempotencyRecord, error)
	// CompleteIdempotencyRecord persists the terminal response for a record
	// exactly once; a second completion for the same triple is a no-op.
	CompleteIdempotencyRecord(ctx context.Context, key, endpoint, scope string, status int, body []byte) error

	GetBudget(ctx context.Context, callerID string) (*model.Budget, error)
	CreateBudget(ctx context.Context, b *model.Budget) error
	// ResetBudgetPeriod zeroes the current spend and moves the period start.
	ResetBudgetPeriod(ctx context.Context, callerID string, periodStart time.Time) error
	// AddSpend increments the caller's current spend. Spend is monotonic
	// within a period; negative amounts are rejected.
	AddSpend(ctx context.Context, callerID string, cents int64) error

	Close() error
}
