// Package backfill drives the collector across a date range, one date at a time.
package backfill

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-engine/internal/model"
)

// DefaultMaxDays bounds a single backfill request.
const DefaultMaxDays = 366

// Runner collects one date under a trigger. *collector.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, date model.Date, trigger model.Trigger) (model.CollectionResult, error)
	Today() model.Date
}

// Orchestrator runs backfills sequentially.
type Orchestrator struct {
	runner  Runner
	maxDays int
}

// New creates an Orchestrator. maxDays <= 0 uses DefaultMaxDays.
func New(runner Runner, maxDays int) *Orchestrator {
	if maxDays <= 0 {
		maxDays = DefaultMaxDays
	}
	return &Orchestrator{runner: runner, maxDays: maxDays}
}

// Validate checks a range without running it.
func (o *Orchestrator) Validate(start, end model.Date) error {
	r := model.DateRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return err
	}
	if n := r.Days(); n > o.maxDays {
		return model.Invalidf("range %s..%s spans %d days; at most %d allowed", start, end, n, o.maxDays)
	}
	if today := o.runner.Today(); end.After(today) {
		return model.Invalidf("end date %s is in the future (today is %s)", end, today)
	}
	return nil
}

// Backfill collects every date in [start, end] in ascending order. A failed
// date is recorded in its result and does not stop the loop. Cancellation is
// checked between dates; on cancel the results gathered so far are returned
// with the context error.
func (o *Orchestrator) Backfill(ctx context.Context, start, end model.Date) ([]model.CollectionResult, error) {
	if err := o.Validate(start, end); err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("component", "backfill"),
		zap.String("start", start.String()),
		zap.String("end", end.String()),
	)
	dates := model.DateRange{Start: start, End: end}.Dates()
	log.Info("starting backfill", zap.Int("dates", len(dates)))

	results := make([]model.CollectionResult, 0, len(dates))
	failed := 0
	for _, date := range dates {
		select {
		case <-ctx.Done():
			log.Warn("backfill cancelled",
				zap.Int("completed_dates", len(results)),
				zap.Int("remaining_dates", len(dates)-len(results)),
			)
			return results, eris.Wrapf(ctx.Err(), "backfill: cancelled before %s", date)
		default:
		}

		res, err := o.runner.Run(ctx, date, model.TriggerBackfill)
		if err != nil {
			// A whole-date failure still gets a slot so callers can re-drive it.
			log.Error("date failed", zap.String("date", date.String()), zap.Error(err))
			res = model.CollectionResult{
				Date:        date,
				Status:      model.RunStatusFailed,
				Trigger:     model.TriggerBackfill,
				ErrorDetail: err.Error(),
			}
		}
		if !res.Succeeded() {
			failed++
		}
		results = append(results, res)
	}

	log.Info("backfill complete",
		zap.Int("dates", len(results)),
		zap.Int("failed", failed),
	)
	return results, nil
}
