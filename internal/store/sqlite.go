package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hexweave/grimoire/internal/model"

	_ "modernc.org/sqlite"
)

const createSpellsTable = `
CREATE TABLE IF NOT EXISTS spells (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    engine        TEXT NOT NULL,
    input_schema  TEXT,
    module_id     TEXT,
    workflow      TEXT,
    limits        TEXT,
    capabilities  TEXT,
    created_at    DATETIME NOT NULL
)`

const createModulesTable = `
CREATE TABLE IF NOT EXISTS modules (
    id          TEXT PRIMARY KEY,
    spell_id    TEXT NOT NULL,
    hash        TEXT NOT NULL,
    size_bytes  INTEGER NOT NULL,
    version     INTEGER NOT NULL,
    data        BLOB NOT NULL,
    created_at  DATETIME NOT NULL,
    UNIQUE(spell_id, version)
)`

const createCastsTable = `
CREATE TABLE IF NOT EXISTS casts (
    id           TEXT PRIMARY KEY,
    spell_id     TEXT NOT NULL,
    caller_id    TEXT NOT NULL,
    status       TEXT NOT NULL,
    engine       TEXT NOT NULL,
    fallback     INTEGER NOT NULL DEFAULT 0,
    input        TEXT,
    output       BLOB,
    artifact_key TEXT,
    error        TEXT,
    cost_cents   INTEGER,
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createIdempotencyTable = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key             TEXT NOT NULL,
    endpoint        TEXT NOT NULL,
    scope           TEXT NOT NULL,
    request_hash    TEXT NOT NULL,
    response_status INTEGER,
    response_body   BLOB,
    created_at      DATETIME NOT NULL,
    PRIMARY KEY (key, endpoint, scope)
)`

const createBudgetsTable = `
CREATE TABLE IF NOT EXISTS budgets (
    caller_id           TEXT PRIMARY KEY,
    cap_cents           INTEGER NOT NULL,
    current_spend_cents INTEGER NOT NULL DEFAULT 0,
    period_start        DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, ddl := range []string{
		createSpellsTable,
		createModulesTable,
		createCastsTable,
		createIdempotencyTable,
		createBudgetsTable,
	} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSpell inserts a new spell definition.
func (s *SQLiteStore) CreateSpell(ctx context.Context, sp *model.Spell) error {
	var workflow, limits, caps any
	var err error
	if sp.Workflow != nil {
		if workflow, err = marshalText(sp.Workflow); err != nil {
			return fmt.Errorf("marshal workflow ref: %w", err)
		}
	}
	if sp.Limits != nil {
		if limits, err = marshalText(sp.Limits); err != nil {
			return fmt.Errorf("marshal limits: %w", err)
		}
	}
	if sp.Capabilities != nil {
		if caps, err = marshalText(sp.Capabilities); err != nil {
			return fmt.Errorf("marshal capabilities: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spells (
			id, name, engine, input_schema, module_id, workflow, limits, capabilities, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.Name, sp.Engine, nullableRaw(sp.InputSchema), sp.ModuleID,
		workflow, limits, caps, sp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert spell: %w", err)
	}
	return nil
}

// GetSpell retrieves a spell by ID.
func (s *SQLiteStore) GetSpell(ctx context.Context, id string) (*model.Spell, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, engine, input_schema, module_id, workflow, limits, capabilities, created_at
		FROM spells WHERE id = ?`, id,
	)
	return scanSpell(row)
}

// ListSpells returns a paginated list of spells ordered by created_at DESC,
// along with the total count.
func (s *SQLiteStore) ListSpells(ctx context.Context, limit, offset int) ([]*model.Spell, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM spells").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count spells: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, name, engine, input_schema, module_id, workflow, limits, capabilities, created_at
		FROM spells ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list spells: %w", err)
	}
	defer rows.Close()

	var spells []*model.Spell
	for rows.Next() {
		sp, err := scanSpell(rows)
		if err != nil {
			return nil, 0, err
		}
		spells = append(spells, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate spells: %w", err)
	}

	return spells, total, nil
}

// CreateModule inserts a new module version and points the owning spell's
// module_id at it, in one transaction.
func (s *SQLiteStore) CreateModule(ctx context.Context, m *model.Module) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO modules (id, spell_id, hash, size_bytes, version, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SpellID, m.Hash, m.SizeBytes, m.Version, m.Data, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert module: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE spells SET module_id = ? WHERE id = ?", m.ID, m.SpellID,
	)
	if err != nil {
		return fmt.Errorf("link module to spell: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit module insert: %w", err)
	}
	return nil
}

// GetModule retrieves a module by ID, including its raw bytes.
func (s *SQLiteStore) GetModule(ctx context.Context, id string) (*model.Module, error) {
	m := &model.Module{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, spell_id, hash, size_bytes, version, data, created_at
		FROM modules WHERE id = ?`, id,
	).Scan(&m.ID, &m.SpellID, &m.Hash, &m.SizeBytes, &m.Version, &m.Data, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get module: %w", err)
	}
	return m, nil
}

// LatestModule retrieves the highest-version module for a spell.
func (s *SQLiteStore) LatestModule(ctx context.Context, spellID string) (*model.Module, error) {
	m := &model.Module{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, spell_id, hash, size_bytes, version, data, created_at
		FROM modules WHERE spell_id = ? ORDER BY version DESC LIMIT 1`, spellID,
	).Scan(&m.ID, &m.SpellID, &m.Hash, &m.SizeBytes, &m.Version, &m.Data, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest module: %w", err)
	}
	return m, nil
}

// CreateCast inserts a new cast record.
func (s *SQLiteStore) CreateCast(ctx context.Context, c *model.Cast) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO casts (
			id, spell_id, caller_id, status, engine, fallback, input, output,
			artifact_key, error, cost_cents, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SpellID, c.CallerID, c.Status, c.Engine, c.Fallback,
		nullableRaw(c.Input), c.Output, c.ArtifactKey, c.Error,
		c.CostCents, c.DurationMS, c.CreatedAt, c.StartedAt, c.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cast: %w", err)
	}
	return nil
}

// GetCast retrieves a cast by ID.
func (s *SQLiteStore) GetCast(ctx context.Context, id string) (*model.Cast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, spell_id, caller_id, status, engine, fallback, input, output,
			artifact_key, error, cost_cents, duration_ms, created_at, started_at, finished_at
		FROM casts WHERE id = ?`, id,
	)
	return scanCast(row)
}

// ListCasts returns a paginated list of casts ordered by created_at DESC.
// When callerID is non-empty, the list is filtered to that caller.
func (s *SQLiteStore) ListCasts(ctx context.Context, callerID string, limit, offset int) ([]*model.Cast, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := ""
	args := []any{}
	if callerID != "" {
		where = " WHERE caller_id = ?"
		args = append(args, callerID)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM casts"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count casts: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, spell_id, caller_id, status, engine, fallback, input, output,
			artifact_key, error, cost_cents, duration_ms, created_at, started_at, finished_at
		FROM casts`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list casts: %w", err)
	}
	defer rows.Close()

	var casts []*model.Cast
	for rows.Next() {
		c, err := scanCast(rows)
		if err != nil {
			return nil, 0, err
		}
		casts = append(casts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate casts: %w", err)
	}

	return casts, total, nil
}

// UpdateCastStatus transitions a cast's status after validating the
// transition against the status machine. Moving to running sets started_at;
// moving to a terminal status sets finished_at.
func (s *SQLiteStore) UpdateCastStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM casts WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read cast status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE casts SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.Terminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE casts SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE casts SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update cast status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// UpdateCast writes the terminal fields of a cast: status, output, artifact
// key, error, cost, duration, and timestamps.
func (s *SQLiteStore) UpdateCast(ctx context.Context, c *model.Cast) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE casts SET
			status = ?, engine = ?, fallback = ?, output = ?, artifact_key = ?,
			error = ?, cost_cents = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		c.Status, c.Engine, c.Fallback, c.Output, c.ArtifactKey,
		c.Error, c.CostCents, c.DurationMS, c.StartedAt, c.FinishedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update cast: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCastStats computes aggregate execution statistics.
func (s *SQLiteStore) GetCastStats(ctx context.Context) (*CastStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &CastStats{
		CountByStatus: make(map[string]int),
		CountByEngine: make(map[string]int),
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM casts GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	rows, err = tx.QueryContext(ctx, "SELECT engine, COUNT(*) FROM casts GROUP BY engine")
	if err != nil {
		return nil, fmt.Errorf("count by engine: %w", err)
	}
	for rows.Next() {
		var engine string
		var count int
		if err := rows.Scan(&engine, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan engine count: %w", err)
		}
		stats.CountByEngine[engine] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engine counts: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(duration_ms), 0), COALESCE(SUM(cost_cents), 0) FROM casts",
	).Scan(&stats.AvgDurationMS, &stats.TotalCostCents)
	if err != nil {
		return nil, fmt.Errorf("aggregate durations: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM casts WHERE fallback = 1",
	).Scan(&stats.FallbackCount); err != nil {
		return nil, fmt.Errorf("count fallbacks: %w", err)
	}

	return stats, nil
}

// InsertIdempotencyRecord atomically claims the (key, endpoint, scope) triple.
// INSERT OR IGNORE gives single-statement atomicity: exactly one concurrent
// caller observes inserted=true.
func (s *SQLiteStore) InsertIdempotencyRecord(ctx context.Context, rec *model.IdempotencyRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_records (key, endpoint, scope, request_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Key, rec.Endpoint, rec.Scope, rec.RequestHash, rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// GetIdempotencyRecord retrieves a record by its key triple.
func (s *SQLiteStore) GetIdempotencyRecord(ctx context.Context, key, endpoint, scope string) (*model.IdempotencyRecord, error) {
	rec := &model.IdempotencyRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT key, endpoint, scope, request_hash, response_status, response_body, created_at
		FROM idempotency_records WHERE key = ? AND endpoint = ? AND scope = ?`,
		key, endpoint, scope,
	).Scan(&rec.Key, &rec.Endpoint, &rec.Scope, &rec.RequestHash,
		&rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

// CompleteIdempotencyRecord persists the terminal response. The response_status
// IS NULL guard makes completion first-write-wins: a record never rebinds to a
// different response.
func (s *SQLiteStore) CompleteIdempotencyRecord(ctx context.Context, key, endpoint, scope string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records SET response_status = ?, response_body = ?
		WHERE key = ? AND endpoint = ? AND scope = ? AND response_status IS NULL`,
		status, body, key, endpoint, scope,
	)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

// GetBudget retrieves a caller's budget record.
func (s *SQLiteStore) GetBudget(ctx context.Context, callerID string) (*model.Budget, error) {
	b := &model.Budget{}
	err := s.db.QueryRowContext(ctx,
		`SELECT caller_id, cap_cents, current_spend_cents, period_start
		FROM budgets WHERE caller_id = ?`, callerID,
	).Scan(&b.CallerID, &b.CapCents, &b.CurrentSpendCents, &b.PeriodStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

// CreateBudget inserts a budget record. INSERT OR IGNORE makes concurrent
// first-touch creation for the same caller race-safe.
func (s *SQLiteStore) CreateBudget(ctx context.Context, b *model.Budget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO budgets (caller_id, cap_cents, current_spend_cents, period_start)
		VALUES (?, ?, ?, ?)`,
		b.CallerID, b.CapCents, b.CurrentSpendCents, b.PeriodStart,
	)
	if err != nil {
		return fmt.Errorf("insert budget: %w", err)
	}
	return nil
}

// ResetBudgetPeriod zeroes the current spend and moves the period start.
func (s *SQLiteStore) ResetBudgetPeriod(ctx context.Context, callerID string, periodStart time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE budgets SET current_spend_cents = 0, period_start = ? WHERE caller_id = ?",
		periodStart, callerID,
	)
	if err != nil {
		return fmt.Errorf("reset budget period: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSpend increments the caller's current spend with a single atomic update.
func (s *SQLiteStore) AddSpend(ctx context.Context, callerID string, cents int64) error {
	if cents < 0 {
		return fmt.Errorf("spend increment must be non-negative, got %d", cents)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE budgets SET current_spend_cents = current_spend_cents + ? WHERE caller_id = ?",
		cents, callerID,
	)
	if err != nil {
		return fmt.Errorf("add spend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSpell(row scanner) (*model.Spell, error) {
	sp := &model.Spell{}
	var inputSchema, workflow, limits, caps sql.NullString
	err := row.Scan(&sp.ID, &sp.Name, &sp.Engine, &inputSchema, &sp.ModuleID,
		&workflow, &limits, &caps, &sp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan spell: %w", err)
	}

	if inputSchema.Valid {
		sp.InputSchema = json.RawMessage(inputSchema.String)
	}
	if workflow.Valid {
		if err := json.Unmarshal([]byte(workflow.String), &sp.Workflow); err != nil {
			return nil, fmt.Errorf("unmarshal workflow ref: %w", err)
		}
	}
	if limits.Valid {
		if err := json.Unmarshal([]byte(limits.String), &sp.Limits); err != nil {
			return nil, fmt.Errorf("unmarshal limits: %w", err)
		}
	}
	if caps.Valid {
		if err := json.Unmarshal([]byte(caps.String), &sp.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	return sp, nil
}

func scanCast(row scanner) (*model.Cast, error) {
	c := &model.Cast{}
	var input, artifactKey, errMsg sql.NullString
	err := row.Scan(&c.ID, &c.SpellID, &c.CallerID, &c.Status, &c.Engine, &c.Fallback,
		&input, &c.Output, &artifactKey, &errMsg, &c.CostCents, &c.DurationMS,
		&c.CreatedAt, &c.StartedAt, &c.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cast: %w", err)
	}

	if input.Valid {
		c.Input = json.RawMessage(input.String)
	}
	c.ArtifactKey = artifactKey.String
	c.Error = errMsg.String
	return c, nil
}

// marshalText serializes v to a JSON string for a TEXT column.
func marshalText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// nullableRaw converts an optional raw JSON payload to a driver value.
func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
