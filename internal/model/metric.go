package model

import (
	"time"
)

// MetricType groups related metrics (e.g. "users", "content").
type MetricType string

// MetricCategory names one measured quantity within a type (e.g. "total_users").
type MetricCategory string

// Shape describes how a metric is computed from source entities.
type Shape string

const (
	// ShapeCumulative counts all entities created on or before the target date.
	ShapeCumulative Shape = "cumulative"
	// ShapeIncremental counts only entities created on the target date.
	ShapeIncremental Shape = "incremental"
)

// Entity identifies the kind of source record a metric counts.
type Entity string

const (
	EntityUsers        Entity = "users"
	EntityContentItems Entity = "content_items"
	EntityInteractions Entity = "interactions"
)

// Entities lists every entity the source layer knows how to count.
var Entities = []Entity{EntityUsers, EntityContentItems, EntityInteractions}

// MetricKey is the identity of a metric definition.
type MetricKey struct {
	Type     MetricType     `json:"metric_type"`
	Category MetricCategory `json:"metric_category"`
}

func (k MetricKey) String() string {
	return string(k.Type) + "/" + string(k.Category)
}

// DailyMetricSnapshot is one measured value for one metric on one calendar date.
type DailyMetricSnapshot struct {
	MetricDate          Date           `json:"metric_date"`
	MetricType          MetricType     `json:"metric_type"`
	MetricCategory      MetricCategory `json:"metric_category"`
	Value               float64        `json:"value"`
	CollectionTimestamp time.Time      `json:"collection_timestamp"`
}

// Key returns the metric identity of the snapshot.
func (s DailyMetricSnapshot) Key() MetricKey {
	return MetricKey{Type: s.MetricType, Category: s.MetricCategory}
}

// RunStatus is the lifecycle state of a collection run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Trigger records why a collection run was started.
type Trigger string

const (
	TriggerRoutine    Trigger = "routine"    // scheduled or manual daily collection
	TriggerBackfill   Trigger = "backfill"   // one date of a backfill range
	TriggerCorrection Trigger = "correction" // explicit re-collection of a past date
)

// CollectionRun is one invocation of the collection engine.
type CollectionRun struct {
	ID               string     `json:"id"`
	CollectionDate   Date       `json:"collection_date"`
	Status           RunStatus  `json:"status"`
	Trigger          Trigger    `json:"trigger"`
	MetricsCollected int        `json:"metrics_collected"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorDetail      string     `json:"error_detail,omitempty"`
}

// Duration returns how long the run took, or zero while it is still running.
func (r CollectionRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// MetricError describes a single metric that could not be collected.
type MetricError struct {
	MetricType     MetricType     `json:"metric_type"`
	MetricCategory MetricCategory `json:"metric_category"`
	Error          string         `json:"error"`
}

// CollectionResult is the outcome of one collection invocation.
type CollectionResult struct {
	RunID            string        `json:"run_id,omitempty"`
	Date             Date          `json:"date"`
	Status           RunStatus     `json:"status"`
	Trigger          Trigger       `json:"trigger"`
	MetricsCollected int           `json:"metrics_collected"`
	MetricsFailed    int           `json:"metrics_failed"`
	ExecutionTimeMS  int64         `json:"execution_time_ms"`
	Errors           []MetricError `json:"errors,omitempty"`
	ErrorDetail      string        `json:"error_detail,omitempty"`
}

// Succeeded reports whether every metric in the run was written.
func (r CollectionResult) Succeeded() bool {
	return r.Status == RunStatusCompleted
}

// BackfillSummary aggregates the per-date results of a backfill.
type BackfillSummary struct {
	Start       Date               `json:"start_date"`
	End         Date               `json:"end_date"`
	Total       int                `json:"total"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	FailedDates []string           `json:"failed_dates,omitempty"`
	Results     []CollectionResult `json:"results"`
}

// Summarize builds a BackfillSummary from ordered per-date results.
func Summarize(start, end Date, results []CollectionResult) BackfillSummary {
	s := BackfillSummary{
		Start:   start,
		End:     end,
		Total:   len(results),
		Results: results,
	}
	for _, r := range results {
		if r.Succeeded() {
			s.Succeeded++
			continue
		}
		s.Failed++
		s.FailedDates = append(s.FailedDates, r.Date.String())
	}
	return s
}

// CurrentMetricsView holds the latest known value for every catalog category.
type CurrentMetricsView struct {
	Metrics map[MetricCategory]float64 `json:"metrics"`
	AsOf    map[MetricCategory]Date    `json:"as_of,omitempty"`
}

// ActivityPoint combines the incremental metrics recorded for one date.
type ActivityPoint struct {
	Date   Date                       `json:"date"`
	Values map[MetricCategory]float64 `json:"values"`
}
