package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metrics-engine/internal/config"
	"github.com/sells-group/metrics-engine/internal/model"
)

var testMonitoringConfig = config.MonitoringConfig{
	LookbackDays:         7,
	FailureRateThreshold: 0.2,
	StuckAfter:           time.Hour,
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig)

	alerts := a.Evaluate(&HealthSnapshot{
		RunsTotal:     10,
		RunsCompleted: 9,
		RunsFailed:    1,
		FailRate:      0.1,
		LookbackDays:  7,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig)

	alerts := a.Evaluate(&HealthSnapshot{
		RunsTotal:     5,
		RunsCompleted: 3,
		RunsFailed:    2,
		FailRate:      0.4,
		LookbackDays:  7,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "2 failed / 5 finished")
}

func TestAlerter_Evaluate_MinimumRunsRequired(t *testing.T) {
	a := NewAlerter(testMonitoringConfig)

	alerts := a.Evaluate(&HealthSnapshot{
		RunsCompleted: 1,
		RunsFailed:    1,
		FailRate:      0.5,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ZeroThresholdDisablesRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.Evaluate(&HealthSnapshot{RunsFailed: 10, FailRate: 1})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_MissingAndStuck(t *testing.T) {
	a := NewAlerter(testMonitoringConfig)

	alerts := a.Evaluate(&HealthSnapshot{
		MissingDates: []string{"2025-01-09", "2025-01-10"},
		StuckRuns:    []string{"run-1"},
		LookbackDays: 7,
	})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertMissingDates, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 date(s)")
	assert.Equal(t, []string{"2025-01-09", "2025-01-10"}, alerts[0].Details["dates"])
	assert.Equal(t, AlertStuckRuns, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "1h0m0s")
}

func TestMonitor_Check(t *testing.T) {
	runs := &stubRuns{runs: []model.CollectionRun{
		run("a", today.AddDays(-1), model.RunStatusCompleted, time.Hour),
	}}
	m := NewMonitor(newTestCollector(runs), NewAlerter(testMonitoringConfig), 1)

	report, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Health.RunsCompleted)
	assert.NotNil(t, report.Alerts)
	assert.Empty(t, report.Alerts)
}

func TestMonitor_CheckError(t *testing.T) {
	m := NewMonitor(newTestCollector(&stubRuns{listErr: errors.New("boom")}), NewAlerter(testMonitoringConfig), 7)

	_, err := m.Check(context.Background())
	require.Error(t, err)
}
