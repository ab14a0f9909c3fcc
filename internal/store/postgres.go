package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-engine/internal/db"
	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/registry"
	"github.com/sells-group/metrics-engine/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool. The initial
// ping is retried on transient network errors.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pool, err := OpenPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// OpenPool parses connString, applies pool sizing, and pings the server.
func OpenPool(ctx context.Context, connString string, poolCfg *PoolConfig) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
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
	if err := pingWithRetry(ctx, pool.Ping); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return pool, nil
}

// pingRetry is the connect retry policy; tests shorten it.
var pingRetry = resilience.DefaultRetryConfig

// pingWithRetry retries transient connect failures, logging each retry.
func pingWithRetry(ctx context.Context, ping func(context.Context) error) error {
	cfg := pingRetry()
	cfg.OnRetry = resilience.RetryLogger("store", "ping")
	return resilience.Do(ctx, cfg, ping)
}

// NewPostgresWithPool wraps an existing pool. The caller keeps ownership of it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE SCHEMA IF NOT EXISTS metrics;

CREATE TABLE IF NOT EXISTS metrics.metric_definitions (
	metric_type     TEXT NOT NULL,
	metric_category TEXT NOT NULL,
	display_name    TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	unit            TEXT NOT NULL DEFAULT '',
	format          TEXT NOT NULL DEFAULT '',
	shape           TEXT NOT NULL,
	entity          TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT true,
	catalog_version INTEGER NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (metric_type, metric_category)
);

CREATE TABLE IF NOT EXISTS metrics.daily_metric_snapshots (
	metric_date          DATE NOT NULL,
	metric_type          TEXT NOT NULL,
	metric_category      TEXT NOT NULL,
	value                DOUBLE PRECISION NOT NULL,
	collection_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (metric_date, metric_type, metric_category)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_metric_date
	ON metrics.daily_metric_snapshots (metric_type, metric_category, metric_date DESC);

CREATE TABLE IF NOT EXISTS metrics.collection_runs (
	id                TEXT PRIMARY KEY,
	collection_date   DATE NOT NULL,
	status            TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
	triggered_by      TEXT NOT NULL DEFAULT 'routine',
	metrics_collected INTEGER NOT NULL DEFAULT 0,
	started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ,
	error_detail      TEXT,
	seq               BIGSERIAL
);

ALTER TABLE metrics.collection_runs ADD COLUMN IF NOT EXISTS seq BIGSERIAL;

DROP INDEX IF EXISTS metrics.idx_collection_runs_started_at;
CREATE INDEX IF NOT EXISTS idx_collection_runs_started_seq ON metrics.collection_runs (started_at DESC, seq DESC);
CREATE INDEX IF NOT EXISTS idx_collection_runs_date ON metrics.collection_runs (collection_date);
`

var snapshotUpsert = db.UpsertConfig{
	Table:        "metrics.daily_metric_snapshots",
	Columns:      []string{"metric_date", "metric_type", "metric_category", "value", "collection_timestamp"},
	ConflictKeys: []string{"metric_date", "metric_type", "metric_category"},
}

var definitionUpsert = db.UpsertConfig{
	Table: "metrics.metric_definitions",
	Columns: []string{
		"metric_type", "metric_category", "display_name", "description", "unit",
		"format", "shape", "entity", "active", "catalog_version", "updated_at",
	},
	ConflictKeys: []string{"metric_type", "metric_category"},
}

const runColumns = `id, collection_date, status, triggered_by, metrics_collected, started_at, completed_at, error_detail`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SeedDefinitions(ctx context.Context, version int, defs []registry.Definition) error {
	if len(defs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(defs))
	for i, d := range defs {
		rows[i] = []any{
			string(d.Type), string(d.Category), d.Name, d.Description, d.Unit,
			d.Format, string(d.Shape), string(d.Entity), d.Active, version, now,
		}
	}
	_, err := db.Upsert(ctx, s.pool, definitionUpsert, rows)
	return eris.Wrap(err, "postgres: seed definitions")
}

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snap model.DailyMetricSnapshot) error {
	ts := snap.CollectionTimestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := db.Upsert(ctx, s.pool, snapshotUpsert, [][]any{{
		snap.MetricDate.Time(), string(snap.MetricType), string(snap.MetricCategory), snap.Value, ts,
	}})
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert snapshot %s %s", snap.MetricDate, snap.Key())
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.DailyMetricSnapshot, error) {
	query := `SELECT metric_date, metric_type, metric_category, value, collection_timestamp
		FROM metrics.daily_metric_snapshots WHERE metric_date >= $1 AND metric_date <= $2`
	args := []any{filter.Start.Time(), filter.End.Time()}
	argIdx := 3

	if filter.Type != "" {
		query += fmt.Sprintf(` AND metric_type = $%d`, argIdx)
		args = append(args, string(filter.Type))
		argIdx++
	}
	if filter.Category != "" {
		query += fmt.Sprintf(` AND metric_category = $%d`, argIdx)
		args = append(args, string(filter.Category))
	}
	query += ` ORDER BY metric_date, metric_type, metric_category`

	return s.querySnapshots(ctx, "list snapshots", query, args...)
}

func (s *PostgresStore) LatestSnapshots(ctx context.Context) ([]model.DailyMetricSnapshot, error) {
	return s.querySnapshots(ctx, "latest snapshots",
		`SELECT DISTINCT ON (metric_type, metric_category)
			metric_date, metric_type, metric_category, value, collection_timestamp
		 FROM metrics.daily_metric_snapshots
		 ORDER BY metric_type, metric_category, metric_date DESC`,
	)
}

func (s *PostgresStore) querySnapshots(ctx context.Context, op, query string, args ...any) ([]model.DailyMetricSnapshot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	snaps := []model.DailyMetricSnapshot{}
	for rows.Next() {
		var (
			snap model.DailyMetricSnapshot
			date time.Time
			typ  string
			cat  string
		)
		if err := rows.Scan(&date, &typ, &cat, &snap.Value, &snap.CollectionTimestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		snap.MetricDate = model.DateOf(date, time.UTC)
		snap.MetricType = model.MetricType(typ)
		snap.MetricCategory = model.MetricCategory(cat)
		snaps = append(snaps, snap)
	}
	return snaps, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) StartRun(ctx context.Context, date model.Date, trigger model.Trigger) (*model.CollectionRun, error) {
	run := &model.CollectionRun{
		ID:             uuid.New().String(),
		CollectionDate: date,
		Status:         model.RunStatusRunning,
		Trigger:        trigger,
		StartedAt:      time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO metrics.collection_runs (id, collection_date, status, triggered_by, metrics_collected, started_at)
		 VALUES ($1, $2, $3, $4, 0, $5)`,
		run.ID, date.Time(), string(run.Status), string(trigger), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start run for %s", date)
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, metricsCollected int, errorDetail string) error {
	var detail *string
	if errorDetail != "" {
		detail = &errorDetail
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE metrics.collection_runs
		 SET status = $1, metrics_collected = $2, completed_at = $3, error_detail = $4
		 WHERE id = $5 AND status = 'running'`,
		string(status), metricsCollected, time.Now().UTC(), detail, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found or already finalized", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.CollectionRun, error) {
	run, err := scanPostgresRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM metrics.collection_runs WHERE id = $1`, runID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: get run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) LatestRun(ctx context.Context) (*model.CollectionRun, error) {
	run, err := scanPostgresRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM metrics.collection_runs ORDER BY started_at DESC, seq DESC LIMIT 1`,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest run")
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.CollectionRun, error) {
	query := `SELECT ` + runColumns + ` FROM metrics.collection_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Date.IsZero() {
		query += fmt.Sprintf(` AND collection_date = $%d`, argIdx)
		args = append(args, filter.Date.Time())
		argIdx++
	}
	query += ` ORDER BY started_at DESC, seq DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	runs := []model.CollectionRun{}
	for rows.Next() {
		run, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPostgresRun(row pgx.Row) (*model.CollectionRun, error) {
	var (
		r       model.CollectionRun
		date    time.Time
		status  string
		trigger string
		detail  *string
	)
	if err := row.Scan(&r.ID, &date, &status, &trigger, &r.MetricsCollected, &r.StartedAt, &r.CompletedAt, &detail); err != nil {
		return nil, err
	}
	r.CollectionDate = model.DateOf(date, time.UTC)
	r.Status = model.RunStatus(status)
	r.Trigger = model.Trigger(trigger)
	if detail != nil {
		r.ErrorDetail = *detail
	}
	return &r, nil
}
