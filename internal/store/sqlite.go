package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/quote-extract/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	sheet_names TEXT,
	error       TEXT,
	token_usage TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS usage_events (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	request_kind  TEXT NOT NULL,
	model         TEXT NOT NULL,
	tier          TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_write   INTEGER NOT NULL DEFAULT 0,
	cache_read    INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	metadata      TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id);
CREATE INDEX IF NOT EXISTS idx_usage_user_created ON usage_events(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_events(model);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, source, userID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source, user_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, source, userID, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Source:    source,
		UserID:    userID,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	sheetsJSON, err := json.Marshal(result.SheetNames)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sheet names")
	}
	usageJSON, err := json.Marshal(result.Usage)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal usage")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, sheet_names = ?, error = ?, token_usage = ?, updated_at = ? WHERE id = ?`,
		string(result.Status), string(sheetsJSON), result.Error, string(usageJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run result %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const sqliteRunColumns = `id, source, user_id, status, sheet_names, error, token_usage, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, events ...model.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin usage tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_events (id, user_id, request_kind, model, tier, input_tokens, output_tokens, cache_write, cache_read, cost_usd, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare usage insert")
	}
	defer stmt.Close()

	for _, ev := range events {
		ev = withDefaults(ev)
		metaJSON, err := json.Marshal(ev.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal usage metadata")
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.UserID, ev.RequestKind, ev.Model, ev.Tier,
			ev.InputTokens, ev.OutputTokens, ev.CacheWrite, ev.CacheRead, ev.CostUSD, string(metaJSON), ev.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert usage %s", ev.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit usage")
}

func (s *SQLiteStore) ListUsage(ctx context.Context, filter UsageFilter) ([]model.UsageEvent, error) {
	where, args := sqliteUsageWhere(filter)
	query := `SELECT id, user_id, request_kind, model, tier, input_tokens, output_tokens, cache_write, cache_read, cost_usd, metadata, created_at
		FROM usage_events` + where + ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list usage")
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		var ev model.UsageEvent
		var metaJSON sql.NullString
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.RequestKind, &ev.Model, &ev.Tier,
			&ev.InputTokens, &ev.OutputTokens, &ev.CacheWrite, &ev.CacheRead, &ev.CostUSD, &metaJSON, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage")
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &ev.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal usage metadata")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list usage iterate")
}

func (s *SQLiteStore) SummarizeUsage(ctx context.Context, filter UsageFilter) ([]UsageSummary, error) {
	where, args := sqliteUsageWhere(filter)
	query := `SELECT model, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_events` + where + ` GROUP BY model ORDER BY model`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize usage")
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.Model, &u.Calls, &u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage summary")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: summarize usage iterate")
}

func sqliteUsageWhere(filter UsageFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		where += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Model != "" {
		where += ` AND model = ?`
		args = append(args, filter.Model)
	}
	if !filter.Since.IsZero() {
		where += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	return where, args
}

// helpers

// withDefaults fills in an ID and timestamp for events recorded without them.
func withDefaults(ev model.UsageEvent) model.UsageEvent {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return ev
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var sheetsJSON, errText, usageJSON sql.NullString

	err := row.Scan(&r.ID, &r.Source, &r.UserID, &r.Status, &sheetsJSON, &errText, &usageJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	r.Error = errText.String
	if sheetsJSON.Valid && sheetsJSON.String != "" {
		if err := json.Unmarshal([]byte(sheetsJSON.String), &r.SheetNames); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal sheet names")
		}
	}
	if usageJSON.Valid && usageJSON.String != "" {
		if err := json.Unmarshal([]byte(usageJSON.String), &r.Usage); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal usage")
		}
	}
	return &r, nil
}
