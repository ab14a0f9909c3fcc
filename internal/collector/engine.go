// Package collector computes one day's metric snapshots from source data and
// records each invocation in the run log.
package collector

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/registry"
	"github.com/sells-group/metrics-engine/internal/source"
	"github.com/sells-group/metrics-engine/internal/store"
	"github.com/sells-group/metrics-engine/internal/telemetry"
)

// Options tunes an Engine. The zero value collects in UTC with no staleness guard.
type Options struct {
	// Location defines calendar-day boundaries. Nil means UTC.
	Location *time.Location
	// MaxAgeDays rejects routine collection of dates older than this many
	// days. Zero disables the check; backfill and correction always bypass it.
	MaxAgeDays int
	// Now overrides the clock.
	Now func() time.Time
	// Telemetry is optional.
	Telemetry *telemetry.Metrics
}

// Engine collects every active catalog metric for a single date.
type Engine struct {
	catalog   *registry.Catalog
	source    source.Counter
	snapshots store.SnapshotStore
	runs      store.RunLog

	loc        *time.Location
	maxAgeDays int
	now        func() time.Time
	metrics    *telemetry.Metrics
}

// New creates an Engine.
func New(catalog *registry.Catalog, src source.Counter, snapshots store.SnapshotStore, runs store.RunLog, opts Options) *Engine {
	e := &Engine{
		catalog:    catalog,
		source:     src,
		snapshots:  snapshots,
		runs:       runs,
		loc:        opts.Location,
		maxAgeDays: opts.MaxAgeDays,
		now:        opts.Now,
		metrics:    opts.Telemetry,
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Today returns the current calendar date in the engine's location.
func (e *Engine) Today() model.Date {
	return model.DateOf(e.now(), e.loc)
}

// Collect runs a routine collection for date, or for today when date is zero.
func (e *Engine) Collect(ctx context.Context, date model.Date) (model.CollectionResult, error) {
	return e.Run(ctx, date, model.TriggerRoutine)
}

// Run collects date under the given trigger. The returned error is non-nil
// only for validation failures and context cancellation before any work
// started; metric and storage failures are reported in the result.
func (e *Engine) Run(ctx context.Context, date model.Date, trigger model.Trigger) (model.CollectionResult, error) {
	if date.IsZero() {
		date = e.Today()
	}
	if err := e.validate(date, trigger); err != nil {
		return model.CollectionResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.CollectionResult{}, eris.Wrap(err, "collector: run")
	}

	log := zap.L().With(
		zap.String("component", "collector"),
		zap.String("date", date.String()),
		zap.String("trigger", string(trigger)),
	)
	started := time.Now()

	result := model.CollectionResult{Date: date, Trigger: trigger}

	run, err := e.runs.StartRun(ctx, date, trigger)
	if err != nil {
		// The run log is independent of snapshot writes.
		log.Error("failed to open collection run", zap.Error(err))
	} else {
		result.RunID = run.ID
	}

	for _, def := range e.catalog.Active() {
		if err := e.collectOne(ctx, date, def); err != nil {
			log.Warn("metric collection failed",
				zap.String("metric_type", string(def.Type)),
				zap.String("metric_category", string(def.Category)),
				zap.Error(err),
			)
			e.metrics.MetricFailed(string(def.Type), string(def.Category))
			result.MetricsFailed++
			result.Errors = append(result.Errors, model.MetricError{
				MetricType:     def.Type,
				MetricCategory: def.Category,
				Error:          err.Error(),
			})
			continue
		}
		result.MetricsCollected++
	}

	result.Status = model.RunStatusCompleted
	if result.MetricsFailed > 0 {
		result.Status = model.RunStatusFailed
		result.ErrorDetail = errorDetail(result.Errors)
	}

	if result.RunID != "" {
		// Finalize even when the caller has gone away.
		finCtx := context.WithoutCancel(ctx)
		if err := e.runs.FinishRun(finCtx, result.RunID, result.Status, result.MetricsCollected, result.ErrorDetail); err != nil {
			log.Error("failed to finalize collection run", zap.String("run_id", result.RunID), zap.Error(err))
		}
	}

	elapsed := time.Since(started)
	result.ExecutionTimeMS = elapsed.Milliseconds()
	e.metrics.ObserveRun(string(result.Status), string(trigger), elapsed)

	log.Info("collection complete",
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("metrics_collected", result.MetricsCollected),
		zap.Int("metrics_failed", result.MetricsFailed),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

func (e *Engine) validate(date model.Date, trigger model.Trigger) error {
	switch trigger {
	case model.TriggerRoutine, model.TriggerBackfill, model.TriggerCorrection:
	default:
		return model.Invalidf("unknown trigger %q", trigger)
	}

	today := e.Today()
	if date.After(today) {
		return model.Invalidf("date %s is in the future (today is %s)", date, today)
	}
	if trigger == model.TriggerRoutine && e.maxAgeDays > 0 {
		if date.DaysUntil(today) > e.maxAgeDays {
			return model.Invalidf("date %s is more than %d days old; request a correction or backfill to re-collect it", date, e.maxAgeDays)
		}
	}
	return nil
}

func (e *Engine) collectOne(ctx context.Context, date model.Date, def registry.Definition) error {
	value, err := e.compute(ctx, date, def)
	if err != nil {
		return err
	}

	snap := model.DailyMetricSnapshot{
		MetricDate:          date,
		MetricType:          def.Type,
		MetricCategory:      def.Category,
		Value:               value,
		CollectionTimestamp: e.now().UTC(),
	}
	if err := e.snapshots.UpsertSnapshot(ctx, snap); err != nil {
		return eris.Wrap(err, "collector: write snapshot")
	}
	e.metrics.SnapshotWritten()
	return nil
}

// compute counts def's entity over the window its shape implies.
func (e *Engine) compute(ctx context.Context, date model.Date, def registry.Definition) (float64, error) {
	var start time.Time
	switch def.Shape {
	case model.ShapeCumulative:
	case model.ShapeIncremental:
		start = date.Start(e.loc)
	default:
		return 0, eris.Errorf("collector: unsupported shape %q", def.Shape)
	}

	n, err := e.source.Count(ctx, def.Entity, start, date.End(e.loc))
	if err != nil {
		return 0, eris.Wrapf(err, "collector: count %s", def.Entity)
	}
	if n < 0 {
		return 0, eris.Errorf("collector: count %s returned %d", def.Entity, n)
	}
	return float64(n), nil
}

func errorDetail(errs []model.MetricError) string {
	parts := make([]string, len(errs))
	for i, me := range errs {
		parts[i] = string(me.MetricType) + "/" + string(me.MetricCategory) + ": " + me.Error
	}
	return strings.Join(parts, "; ")
}
