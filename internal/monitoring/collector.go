// Package monitoring summarizes collection health from the run log and
// evaluates it against alert thresholds. Delivering alerts is left to the
// caller.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/store"
)

// maxRuns bounds how much of the run log one snapshot reads.
const maxRuns = 5000

// HealthSnapshot is a point-in-time view of collection health.
type HealthSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsRunning   int     `json:"runs_running"`
	FailRate      float64 `json:"fail_rate"`

	// StuckRuns are still running longer than the configured limit.
	StuckRuns []string `json:"stuck_runs,omitempty"`

	// LastCompletedDate is the newest date with a completed run, if any.
	LastCompletedDate *model.Date `json:"last_completed_date,omitempty"`
	// MissingDates in the window before today have no completed run.
	MissingDates []string `json:"missing_dates,omitempty"`

	LookbackDays int       `json:"lookback_days"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Collector gathers health data from the run log.
type Collector struct {
	runs       store.RunLog
	today      func() model.Date
	now        func() time.Time
	stuckAfter time.Duration
}

// NewCollector creates a Collector. today supplies the current calendar
// date in the collection timezone.
func NewCollector(runs store.RunLog, today func() model.Date, stuckAfter time.Duration) *Collector {
	return &Collector{runs: runs, today: today, now: time.Now, stuckAfter: stuckAfter}
}

// Collect builds a snapshot over the last lookbackDays days.
func (c *Collector) Collect(ctx context.Context, lookbackDays int) (*HealthSnapshot, error) {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	now := c.now().UTC()
	today := c.today()

	snap := &HealthSnapshot{
		LookbackDays: lookbackDays,
		CollectedAt:  now,
	}

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: maxRuns})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	cutoff := now.AddDate(0, 0, -lookbackDays)
	completed := make(map[string]bool)

	for _, r := range runs {
		if r.Status == model.RunStatusCompleted {
			completed[r.CollectionDate.String()] = true
			if snap.LastCompletedDate == nil || r.CollectionDate.After(*snap.LastCompletedDate) {
				d := r.CollectionDate
				snap.LastCompletedDate = &d
			}
		}

		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
			if c.stuckAfter > 0 && now.Sub(r.StartedAt) > c.stuckAfter {
				snap.StuckRuns = append(snap.StuckRuns, r.ID)
			}
		}
	}

	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	// Today may simply not have been collected yet.
	for d := today.AddDays(-lookbackDays); d.Before(today); d = d.AddDays(1) {
		if !completed[d.String()] {
			snap.MissingDates = append(snap.MissingDates, d.String())
		}
	}

	return snap, nil
}
