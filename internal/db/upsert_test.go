package db

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var snapshotUpsert = UpsertConfig{
	Table:        "metrics.daily_metric_snapshots",
	Columns:      []string{"metric_date", "metric_type", "metric_category", "value"},
	ConflictKeys: []string{"metric_date", "metric_type", "metric_category"},
}

func TestUpsert_EmptyRows(t *testing.T) {
	n, err := Upsert(context.Background(), nil, snapshotUpsert, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBuildUpsertSQL_NoColumns(t *testing.T) {
	_, err := BuildUpsertSQL(UpsertConfig{
		Table:        "metrics.test",
		ConflictKeys: []string{"id"},
	}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBuildUpsertSQL_NoConflictKeys(t *testing.T) {
	_, err := BuildUpsertSQL(UpsertConfig{
		Table:   "metrics.test",
		Columns: []string{"id", "name"},
	}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBuildUpsertSQL(t *testing.T) {
	got, err := BuildUpsertSQL(snapshotUpsert, 2)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "metrics"."daily_metric_snapshots" ("metric_date", "metric_type", "metric_category", "value") `+
			`VALUES ($1, $2, $3, $4), ($5, $6, $7, $8) `+
			`ON CONFLICT ("metric_date", "metric_type", "metric_category") DO UPDATE SET "value" = EXCLUDED."value"`,
		got)
}

func TestBuildUpsertSQL_ExplicitUpdateCols(t *testing.T) {
	cfg := snapshotUpsert
	cfg.UpdateCols = []string{}
	got, err := BuildUpsertSQL(cfg, 1)
	require.NoError(t, err)
	assert.Contains(t, got, "DO NOTHING")
}

func TestUpsert_Exec(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO "metrics"."daily_metric_snapshots"`).
		WithArgs("2025-01-10", "users", "total_users", 3.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := Upsert(context.Background(), mock, snapshotUpsert, [][]any{{"2025-01-10", "users", "total_users", 3.0}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_ExecError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO`).WillReturnError(errors.New("connection refused"))

	_, err = Upsert(context.Background(), mock, snapshotUpsert, [][]any{{"2025-01-10", "users", "total_users", 3.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT")
}

func TestUpsert_RowWidthMismatch(t *testing.T) {
	_, err := Upsert(context.Background(), nil, snapshotUpsert, [][]any{{"2025-01-10"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 1 values, want 4")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"metrics.collection_runs", `"metrics"."collection_runs"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
