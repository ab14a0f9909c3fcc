// Package query implements the read side: range queries, current totals,
// zero-filled activity series, and the latest run status.
package query

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/registry"
	"github.com/sells-group/metrics-engine/internal/store"
)

// MaxActivityDays bounds FetchActivityData.
const MaxActivityDays = 365

// MetricsQuery selects snapshots for FetchMetrics. Empty filters match everything.
type MetricsQuery struct {
	Start    model.Date           `json:"start_date"`
	End      model.Date           `json:"end_date"`
	Category model.MetricCategory `json:"category,omitempty"`
	Type     model.MetricType     `json:"type,omitempty"`
}

// Reader is the read API consumed by the HTTP layer and CLI.
type Reader interface {
	FetchMetrics(ctx context.Context, q MetricsQuery) ([]model.DailyMetricSnapshot, error)
	FetchCurrentMetrics(ctx context.Context) (model.CurrentMetricsView, error)
	FetchActivityData(ctx context.Context, days int) ([]model.ActivityPoint, error)
	GetCollectionStatus(ctx context.Context) (*model.CollectionRun, error)
}

// Service reads directly from the stores.
type Service struct {
	catalog   *registry.Catalog
	snapshots store.SnapshotStore
	runs      store.RunLog
	loc       *time.Location
	now       func() time.Time
}

var _ Reader = (*Service)(nil)

// NewService creates a Service. loc sets what "today" means for activity
// queries; nil is UTC.
func NewService(catalog *registry.Catalog, snapshots store.SnapshotStore, runs store.RunLog, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{catalog: catalog, snapshots: snapshots, runs: runs, loc: loc, now: time.Now}
}

// WithClock replaces the clock used to determine today.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// FetchMetrics returns matching snapshots in ascending date order. No match
// yields an empty slice.
func (s *Service) FetchMetrics(ctx context.Context, q MetricsQuery) ([]model.DailyMetricSnapshot, error) {
	if err := (model.DateRange{Start: q.Start, End: q.End}).Validate(); err != nil {
		return nil, err
	}
	snaps, err := s.snapshots.ListSnapshots(ctx, store.SnapshotFilter{
		Start:    q.Start,
		End:      q.End,
		Type:     q.Type,
		Category: q.Category,
	})
	if err != nil {
		return nil, eris.Wrap(err, "query: fetch metrics")
	}
	if snaps == nil {
		snaps = []model.DailyMetricSnapshot{}
	}
	return snaps, nil
}

// FetchCurrentMetrics reports, for every active catalog category, the value
// from its most recent snapshot. Categories never collected read as zero.
func (s *Service) FetchCurrentMetrics(ctx context.Context) (model.CurrentMetricsView, error) {
	latest, err := s.snapshots.LatestSnapshots(ctx)
	if err != nil {
		return model.CurrentMetricsView{}, eris.Wrap(err, "query: fetch current metrics")
	}

	view := model.CurrentMetricsView{
		Metrics: make(map[model.MetricCategory]float64),
		AsOf:    make(map[model.MetricCategory]model.Date),
	}
	for _, cat := range s.catalog.Categories() {
		view.Metrics[cat] = 0
	}
	for _, snap := range latest {
		if _, ok := s.catalog.Lookup(snap.MetricType, snap.MetricCategory); !ok {
			continue
		}
		if _, known := view.Metrics[snap.MetricCategory]; !known {
			continue
		}
		view.Metrics[snap.MetricCategory] = snap.Value
		view.AsOf[snap.MetricCategory] = snap.MetricDate
	}
	return view, nil
}

// FetchActivityData returns exactly days contiguous points ending today.
// Each point carries every incremental category, zero where nothing was
// recorded.
func (s *Service) FetchActivityData(ctx context.Context, days int) ([]model.ActivityPoint, error) {
	if days < 1 || days > MaxActivityDays {
		return nil, model.Invalidf("days must be between 1 and %d, got %d", MaxActivityDays, days)
	}

	end := model.DateOf(s.now(), s.loc)
	start := end.AddDays(-(days - 1))

	snaps, err := s.snapshots.ListSnapshots(ctx, store.SnapshotFilter{Start: start, End: end})
	if err != nil {
		return nil, eris.Wrap(err, "query: fetch activity data")
	}

	incremental := s.catalog.IncrementalCategories()
	isIncremental := make(map[model.MetricCategory]bool, len(incremental))
	for _, c := range incremental {
		isIncremental[c] = true
	}

	byDate := make(map[string]map[model.MetricCategory]float64, days)
	for _, snap := range snaps {
		if !isIncremental[snap.MetricCategory] {
			continue
		}
		vals := byDate[snap.MetricDate.String()]
		if vals == nil {
			vals = make(map[model.MetricCategory]float64, len(incremental))
			byDate[snap.MetricDate.String()] = vals
		}
		vals[snap.MetricCategory] = snap.Value
	}

	points := make([]model.ActivityPoint, days)
	for i := range points {
		date := start.AddDays(i)
		vals := make(map[model.MetricCategory]float64, len(incremental))
		for _, c := range incremental {
			vals[c] = byDate[date.String()][c]
		}
		points[i] = model.ActivityPoint{Date: date, Values: vals}
	}
	return points, nil
}

// GetCollectionStatus returns the most recently started run, or nil.
func (s *Service) GetCollectionStatus(ctx context.Context) (*model.CollectionRun, error) {
	run, err := s.runs.LatestRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "query: collection status")
	}
	return run, nil
}
