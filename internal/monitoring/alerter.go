package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/sells-group/metrics-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate  AlertType = "collection_failure_rate"
	AlertMissingDates AlertType = "collection_missing_dates"
	AlertStuckRuns    AlertType = "collection_stuck_runs"
)

// minFinishedRuns avoids alerting on the failure rate of a handful of runs.
const minFinishedRuns = 3

// Alert represents a single threshold breach.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a HealthSnapshot against configured thresholds.
type Alerter struct {
	cfg config.MonitoringConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{cfg: cfg}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *HealthSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsCompleted + snap.RunsFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedRuns && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Collection failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dd)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackDays,
			),
			Details: map[string]any{
				"fail_rate": snap.FailRate,
				"threshold": a.cfg.FailureRateThreshold,
				"failed":    snap.RunsFailed,
				"finished":  finished,
			},
			Timestamp: now,
		})
	}

	if len(snap.MissingDates) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertMissingDates,
			Severity: "medium",
			Message: fmt.Sprintf("%d date(s) in the last %dd have no completed collection",
				len(snap.MissingDates), snap.LookbackDays),
			Details: map[string]any{
				"dates": snap.MissingDates,
			},
			Timestamp: now,
		})
	}

	if len(snap.StuckRuns) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckRuns,
			Severity: "high",
			Message: fmt.Sprintf("%d run(s) still running after %s",
				len(snap.StuckRuns), a.cfg.StuckAfter),
			Details: map[string]any{
				"run_ids": snap.StuckRuns,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// Report pairs a snapshot with the alerts it raised.
type Report struct {
	Health *HealthSnapshot `json:"health"`
	Alerts []Alert         `json:"alerts"`
}

// Monitor collects and evaluates in one call.
type Monitor struct {
	collector    *Collector
	alerter      *Alerter
	lookbackDays int
}

// NewMonitor creates a Monitor.
func NewMonitor(collector *Collector, alerter *Alerter, lookbackDays int) *Monitor {
	return &Monitor{collector: collector, alerter: alerter, lookbackDays: lookbackDays}
}

// Check collects a snapshot and evaluates it. Alerts is never nil.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	snap, err := m.collector.Collect(ctx, m.lookbackDays)
	if err != nil {
		return nil, err
	}
	alerts := m.alerter.Evaluate(snap)
	if alerts == nil {
		alerts = []Alert{}
	}
	return &Report{Health: snap, Alerts: alerts}, nil
}
