// Package store persists daily metric snapshots, the collection run log, and
// the metric catalog.
package store

import (
	"context"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/registry"
)

// SnapshotFilter specifies criteria for listing snapshots.
type SnapshotFilter struct {
	Start    model.Date           `json:"start_date"`
	End      model.Date           `json:"end_date"`
	Type     model.MetricType     `json:"metric_type,omitempty"`
	Category model.MetricCategory `json:"metric_category,omitempty"`
}

// RunFilter specifies criteria for listing collection runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Date   model.Date      `json:"collection_date,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// SnapshotStore holds one value per (date, type, category).
type SnapshotStore interface {
	// UpsertSnapshot inserts the snapshot or overwrites the value and
	// collection timestamp of the existing row with the same key.
	UpsertSnapshot(ctx context.Context, snap model.DailyMetricSnapshot) error
	// ListSnapshots returns matching snapshots ordered by date, type, category.
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.DailyMetricSnapshot, error)
	// LatestSnapshots returns the most recent snapshot of every metric present.
	LatestSnapshots(ctx context.Context) ([]model.DailyMetricSnapshot, error)
}

// RunLog is the append-only log of collection invocations.
type RunLog interface {
	StartRun(ctx context.Context, date model.Date, trigger model.Trigger) (*model.CollectionRun, error)
	// FinishRun finalizes a running run; finalizing twice is an error.
	FinishRun(ctx context.Context, runID string, status model.RunStatus, metricsCollected int, errorDetail string) error
	GetRun(ctx context.Context, runID string) (*model.CollectionRun, error)
	// LatestRun returns the run with the newest started_at, or nil if the log is empty.
	LatestRun(ctx context.Context) (*model.CollectionRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.CollectionRun, error)
}

// Store is the full persistence interface of the metrics engine.
type Store interface {
	SnapshotStore
	RunLog

	// SeedDefinitions upserts the catalog rows. Definitions are never deleted.
	SeedDefinitions(ctx context.Context, version int, defs []registry.Definition) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultRunLimit = 50
