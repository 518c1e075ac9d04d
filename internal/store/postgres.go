package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-extract/internal/db"
	"github.com/sells-group/quote-extract/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(5)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source      TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	sheet_names JSONB,
	error       TEXT,
	token_usage JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_events (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id       TEXT NOT NULL,
	request_kind  TEXT NOT NULL,
	model         TEXT NOT NULL,
	tier          TEXT NOT NULL,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cache_write   BIGINT NOT NULL DEFAULT 0,
	cache_read    BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id);
CREATE INDEX IF NOT EXISTS idx_usage_user_created ON usage_events(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_events(model);
`

var usageColumns = []string{
	"id", "user_id", "request_kind", "model", "tier",
	"input_tokens", "output_tokens", "cache_write", "cache_read", "cost_usd", "metadata", "created_at",
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, source, userID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, source, user_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, source, userID, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	sheetsJSON, err := json.Marshal(result.SheetNames)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal sheet names")
	}
	usageJSON, err := json.Marshal(result.Usage)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal usage")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, sheet_names = $2, error = $3, token_usage = $4, updated_at = $5 WHERE id = $6`,
		string(result.Status), sheetsJSON, result.Error, usageJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

const postgresRunColumns = `id, source, user_id, status, sheet_names, error, token_usage, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresRunColumns+` FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + postgresRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// RecordUsage writes events with COPY so a drained batch costs one round trip.
func (s *PostgresStore) RecordUsage(ctx context.Context, events ...model.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		ev = withDefaults(ev)
		metaJSON, err := json.Marshal(ev.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal usage metadata")
		}
		rows = append(rows, []any{
			ev.ID, ev.UserID, ev.RequestKind, ev.Model, ev.Tier,
			ev.InputTokens, ev.OutputTokens, ev.CacheWrite, ev.CacheRead, ev.CostUSD, metaJSON, ev.CreatedAt,
		})
	}

	_, err := db.CopyFrom(ctx, s.pool, "usage_events", usageColumns, rows)
	return eris.Wrap(err, "postgres: record usage")
}

func (s *PostgresStore) ListUsage(ctx context.Context, filter UsageFilter) ([]model.UsageEvent, error) {
	where, args := postgresUsageWhere(filter)
	query := `SELECT id, user_id, request_kind, model, tier, input_tokens, output_tokens, cache_write, cache_read, cost_usd, metadata, created_at
		FROM usage_events` + where + fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list usage")
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		var ev model.UsageEvent
		var metaJSON []byte
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.RequestKind, &ev.Model, &ev.Tier,
			&ev.InputTokens, &ev.OutputTokens, &ev.CacheWrite, &ev.CacheRead, &ev.CostUSD, &metaJSON, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage")
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal usage metadata")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list usage iterate")
}

func (s *PostgresStore) SummarizeUsage(ctx context.Context, filter UsageFilter) ([]UsageSummary, error) {
	where, args := postgresUsageWhere(filter)
	query := `SELECT model, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_events` + where + ` GROUP BY model ORDER BY model`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize usage")
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		var calls int64
		if err := rows.Scan(&u.Model, &calls, &u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage summary")
		}
		u.Calls = int(calls)
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: summarize usage iterate")
}

func postgresUsageWhere(filter UsageFilter) (string, []any) {
	where := ` WHERE true`
	var args []any
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if filter.Model != "" {
		args = append(args, filter.Model)
		where += fmt.Sprintf(` AND model = $%d`, len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		where += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	return where, args
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var sheetsJSON, usageJSON []byte
	var errText *string

	if err := row.Scan(&r.ID, &r.Source, &r.UserID, &r.Status, &sheetsJSON, &errText, &usageJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if errText != nil {
		r.Error = *errText
	}
	if len(sheetsJSON) > 0 {
		if err := json.Unmarshal(sheetsJSON, &r.SheetNames); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal sheet names")
		}
	}
	if len(usageJSON) > 0 {
		if err := json.Unmarshal(usageJSON, &r.Usage); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal usage")
		}
	}
	return &r, nil
}
