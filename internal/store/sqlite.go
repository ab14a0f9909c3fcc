package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/registry"
)

// sqliteTimeLayout is fixed-width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLite opens dsn with the pragmas every metrics database uses.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; a single connection keeps them applied.
	db.SetMaxOpenConns(1)
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
	return db, nil
}

// DB returns the underlying handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS metric_definitions (
	metric_type     TEXT NOT NULL,
	metric_category TEXT NOT NULL,
	display_name    TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	unit            TEXT NOT NULL DEFAULT '',
	format          TEXT NOT NULL DEFAULT '',
	shape           TEXT NOT NULL,
	entity          TEXT NOT NULL,
	active          INTEGER NOT NULL DEFAULT 1,
	catalog_version INTEGER NOT NULL,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (metric_type, metric_category)
);

CREATE TABLE IF NOT EXISTS daily_metric_snapshots (
	metric_date          TEXT NOT NULL,
	metric_type          TEXT NOT NULL,
	metric_category      TEXT NOT NULL,
	value                REAL NOT NULL,
	collection_timestamp TEXT NOT NULL,
	PRIMARY KEY (metric_date, metric_type, metric_category)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_metric_date
	ON daily_metric_snapshots (metric_type, metric_category, metric_date);

CREATE TABLE IF NOT EXISTS collection_runs (
	id                TEXT PRIMARY KEY,
	collection_date   TEXT NOT NULL,
	status            TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
	triggered_by      TEXT NOT NULL DEFAULT 'routine',
	metrics_collected INTEGER NOT NULL DEFAULT 0,
	started_at        TEXT NOT NULL,
	completed_at      TEXT,
	error_detail      TEXT
);

CREATE INDEX IF NOT EXISTS idx_collection_runs_started_at ON collection_runs (started_at);
CREATE INDEX IF NOT EXISTS idx_collection_runs_date ON collection_runs (collection_date);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SeedDefinitions(ctx context.Context, version int, defs []registry.Definition) error {
	now := formatTime(time.Now())
	for _, d := range defs {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO metric_definitions
				(metric_type, metric_category, display_name, description, unit, format, shape, entity, active, catalog_version, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (metric_type, metric_category) DO UPDATE SET
				display_name = excluded.display_name, description = excluded.description,
				unit = excluded.unit, format = excluded.format, shape = excluded.shape,
				entity = excluded.entity, active = excluded.active,
				catalog_version = excluded.catalog_version, updated_at = excluded.updated_at`,
			string(d.Type), string(d.Category), d.Name, d.Description, d.Unit, d.Format,
			string(d.Shape), string(d.Entity), d.Active, version, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: seed definition %s", d.Key())
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertSnapshot(ctx context.Context, snap model.DailyMetricSnapshot) error {
	ts := snap.CollectionTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_metric_snapshots (metric_date, metric_type, metric_category, value, collection_timestamp)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (metric_date, metric_type, metric_category)
		 DO UPDATE SET value = excluded.value, collection_timestamp = excluded.collection_timestamp`,
		snap.MetricDate.String(), string(snap.MetricType), string(snap.MetricCategory), snap.Value, formatTime(ts),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert snapshot %s %s", snap.MetricDate, snap.Key())
	}
	return nil
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.DailyMetricSnapshot, error) {
	query := `SELECT metric_date, metric_type, metric_category, value, collection_timestamp
		FROM daily_metric_snapshots WHERE metric_date >= ? AND metric_date <= ?`
	args := []any{filter.Start.String(), filter.End.String()}

	if filter.Type != "" {
		query += ` AND metric_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Category != "" {
		query += ` AND metric_category = ?`
		args = append(args, string(filter.Category))
	}
	query += ` ORDER BY metric_date, metric_type, metric_category`

	return s.querySnapshots(ctx, "list snapshots", query, args...)
}

func (s *SQLiteStore) LatestSnapshots(ctx context.Context) ([]model.DailyMetricSnapshot, error) {
	return s.querySnapshots(ctx, "latest snapshots",
		`SELECT s.metric_date, s.metric_type, s.metric_category, s.value, s.collection_timestamp
		 FROM daily_metric_snapshots s
		 JOIN (
			SELECT metric_type, metric_category, MAX(metric_date) AS metric_date
			FROM daily_metric_snapshots GROUP BY metric_type, metric_category
		 ) latest USING (metric_type, metric_category, metric_date)
		 ORDER BY s.metric_type, s.metric_category`,
	)
}

func (s *SQLiteStore) querySnapshots(ctx context.Context, op, query string, args ...any) ([]model.DailyMetricSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	snaps := []model.DailyMetricSnapshot{}
	for rows.Next() {
		var (
			snap model.DailyMetricSnapshot
			typ  string
			cat  string
			ts   string
		)
		if err := rows.Scan(&snap.MetricDate, &typ, &cat, &snap.Value, &ts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		snap.MetricType = model.MetricType(typ)
		snap.MetricCategory = model.MetricCategory(cat)
		if snap.CollectionTimestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func (s *SQLiteStore) StartRun(ctx context.Context, date model.Date, trigger model.Trigger) (*model.CollectionRun, error) {
	run := &model.CollectionRun{
		ID:             uuid.New().String(),
		CollectionDate: date,
		Status:         model.RunStatusRunning,
		Trigger:        trigger,
		StartedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_runs (id, collection_date, status, triggered_by, metrics_collected, started_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		run.ID, date.String(), string(run.Status), string(trigger), formatTime(run.StartedAt),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start run for %s", date)
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, metricsCollected int, errorDetail string) error {
	var detail sql.NullString
	if errorDetail != "" {
		detail = sql.NullString{String: errorDetail, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE collection_runs
		 SET status = ?, metrics_collected = ?, completed_at = ?, error_detail = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), metricsCollected, formatTime(time.Now()), detail, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "running run", runID)
}

const sqliteRunColumns = `id, collection_date, status, triggered_by, metrics_collected, started_at, completed_at, error_detail`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.CollectionRun, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM collection_runs WHERE id = ?`, runID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) LatestRun(ctx context.Context) (*model.CollectionRun, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM collection_runs ORDER BY started_at DESC, rowid DESC LIMIT 1`,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest run")
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.CollectionRun, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM collection_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Date.IsZero() {
		query += ` AND collection_date = ?`
		args = append(args, filter.Date.String())
	}
	query += ` ORDER BY started_at DESC, rowid DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	runs := []model.CollectionRun{}
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.CollectionRun, error) {
	var (
		r         model.CollectionRun
		status    string
		trigger   string
		started   string
		completed sql.NullString
		detail    sql.NullString
	)
	if err := row.Scan(&r.ID, &r.CollectionDate, &status, &trigger, &r.MetricsCollected, &started, &completed, &detail); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Trigger = model.Trigger(trigger)
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, err
		}
		r.CompletedAt = &t
	}
	r.ErrorDetail = detail.String
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse timestamp %q", s)
	}
	return t, nil
}
