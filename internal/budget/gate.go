// Package budget admits casts against per-caller monthly spending caps.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hexweave/grimoire/internal/model"
	"github.com/hexweave/grimoire/internal/store"
)

var rejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "grimoire_budget_rejections_total",
	Help: "Casts rejected by the budget gate.",
})

func init() {
	prometheus.MustRegister(rejectionsTotal)
}

// Decision reports admission and usage after the period rollover has
// been applied.
type Decision struct {
	Allowed           bool  `json:"allowed"`
	CapCents          int64 `json:"cap_cents"`
	SpentCents        int64 `json:"spent_cents"`
	RemainingCents    int64 `json:"remaining_cents"`
	PercentUsed       int   `json:"percent_used"`
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// Gate evaluates and records spending. All arithmetic is integer cents.
type Gate struct {
	store           store.Store
	defaultCapCents int64
	clock           func() time.Time
	logger          *slog.Logger
}

type Config struct {
	DefaultCapCents int64
	Clock           func() time.Time
	Logger          *slog.Logger
}

func NewGate(st store.Store, cfg Config) *Gate {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:           st,
		defaultCapCents: cfg.DefaultCapCents,
		clock:           clock,
		logger:          logger,
	}
}

// Check admits or rejects an estimated spend. The caller's period is
// rolled over to the current calendar month before evaluation, so a
// stale row never blocks the first cast of a new month.
func (g *Gate) Check(ctx context.Context, callerID string, estimateCents int64) (Decision, error) {
	if estimateCents < 0 {
		return Decision{}, fmt.Errorf("negative estimate %d", estimateCents)
	}
	now := g.clock().UTC()

	b, err := g.load(ctx, callerID, now)
	if err != nil {
		return Decision{}, err
	}

	if rolled := monthStart(now); rolled.After(monthStart(b.PeriodStart)) {
		if err := g.store.ResetBudgetPeriod(ctx, callerID, rolled); err != nil {
			return Decision{}, fmt.Errorf("reset budget period: %w", err)
		}
		g.logger.Info("budget period rolled over", "caller_id", callerID, "period_start", rolled)
		b.CurrentSpendCents = 0
		b.PeriodStart = rolled
	}

	d := Decision{
		CapCents:   b.CapCents,
		SpentCents: b.CurrentSpendCents,
	}
	d.RemainingCents = b.CapCents - b.CurrentSpendCents
	if d.RemainingCents < 0 {
		d.RemainingCents = 0
	}
	if b.CapCents > 0 {
		d.PercentUsed = int(b.CurrentSpendCents * 100 / b.CapCents)
	}

	if b.CurrentSpendCents+estimateCents > b.CapCents {
		d.Allowed = false
		d.RetryAfterSeconds = int64(nextMonthStart(now).Sub(now).Seconds())
		rejectionsTotal.Inc()
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

// Commit records actual spend after a cast reaches a terminal state.
// Spend only ever increases within a period.
func (g *Gate) Commit(ctx context.Context, callerID string, actualCents int64) error {
	if actualCents <= 0 {
		return nil
	}
	now := g.clock().UTC()
	if _, err := g.load(ctx, callerID, now); err != nil {
		return err
	}
	if err := g.store.AddSpend(ctx, callerID, actualCents); err != nil {
		return fmt.Errorf("add spend: %w", err)
	}
	return nil
}

// Usage returns the caller's current-period decision without admitting
// anything.
func (g *Gate) Usage(ctx context.Context, callerID string) (Decision, error) {
	return g.Check(ctx, callerID, 0)
}

// load fetches the caller's budget row, creating one with the default
// cap on first contact.
func (g *Gate) load(ctx context.Context, callerID string, now time.Time) (*model.Budget, error) {
	b, err := g.store.GetBudget(ctx, callerID)
	if errors.Is(err, store.ErrNotFound) {
		b = &model.Budget{
			CallerID:    callerID,
			CapCents:    g.defaultCapCents,
			PeriodStart: monthStart(now),
		}
		if err := g.store.CreateBudget(ctx, b); err != nil {
			return nil, fmt.Errorf("create budget: %w", err)
		}
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load budget: %w", err)
	}
	return b, nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func nextMonthStart(t time.Time) time.Time {
	return monthStart(t).AddDate(0, 1, 0)
}
