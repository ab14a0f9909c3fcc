package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/store"
)

var (
	now   = time.Date(2025, 1, 11, 12, 0, 0, 0, time.UTC)
	today = model.NewDate(2025, time.January, 11)
)

// stubRuns implements store.RunLog over a fixed slice.
type stubRuns struct {
	runs    []model.CollectionRun
	listErr error
	filter  store.RunFilter
}

func (m *stubRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]model.CollectionRun, error) {
	m.filter = filter
	return m.runs, m.listErr
}

func (m *stubRuns) StartRun(context.Context, model.Date, model.Trigger) (*model.CollectionRun, error) {
	return nil, nil
}
func (m *stubRuns) FinishRun(context.Context, string, model.RunStatus, int, string) error {
	return nil
}
func (m *stubRuns) GetRun(context.Context, string) (*model.CollectionRun, error) { return nil, nil }
func (m *stubRuns) LatestRun(context.Context) (*model.CollectionRun, error)      { return nil, nil }

func newTestCollector(runs store.RunLog) *Collector {
	c := NewCollector(runs, func() model.Date { return today }, time.Hour)
	c.now = func() time.Time { return now }
	return c
}

func run(id string, date model.Date, status model.RunStatus, startedAgo time.Duration) model.CollectionRun {
	return model.CollectionRun{
		ID:             id,
		CollectionDate: date,
		Status:         status,
		Trigger:        model.TriggerRoutine,
		StartedAt:      now.Add(-startedAgo),
	}
}

func TestCollector_EmptyLog(t *testing.T) {
	c := newTestCollector(&stubRuns{})

	snap, err := c.Collect(context.Background(), 3)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Nil(t, snap.LastCompletedDate)
	assert.Equal(t, []string{"2025-01-08", "2025-01-09", "2025-01-10"}, snap.MissingDates)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_Counts(t *testing.T) {
	runs := &stubRuns{runs: []model.CollectionRun{
		run("a", today.AddDays(-1), model.RunStatusCompleted, 2*time.Hour),
		run("b", today.AddDays(-2), model.RunStatusFailed, 26*time.Hour),
		run("c", today.AddDays(-2), model.RunStatusCompleted, 25*time.Hour),
		run("d", today, model.RunStatusRunning, 10*time.Minute),
		run("e", today, model.RunStatusRunning, 3*time.Hour),
		// Outside the window, but its date still counts as collected.
		run("f", today.AddDays(-3), model.RunStatusCompleted, 30*24*time.Hour),
	}}
	c := newTestCollector(runs)

	snap, err := c.Collect(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, maxRuns, runs.filter.Limit)

	assert.Equal(t, 5, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 2, snap.RunsRunning)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 0.0001)
	assert.Equal(t, []string{"e"}, snap.StuckRuns)
	require.NotNil(t, snap.LastCompletedDate)
	assert.Equal(t, "2025-01-10", snap.LastCompletedDate.String())
	assert.Empty(t, snap.MissingDates)
}

func TestCollector_FailedDateIsMissing(t *testing.T) {
	c := newTestCollector(&stubRuns{runs: []model.CollectionRun{
		run("a", today.AddDays(-1), model.RunStatusFailed, time.Hour),
		run("b", today.AddDays(-2), model.RunStatusCompleted, time.Hour),
	}})

	snap, err := c.Collect(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-10"}, snap.MissingDates)
}

func TestCollector_ListError(t *testing.T) {
	c := newTestCollector(&stubRuns{listErr: errors.New("db down")})

	_, err := c.Collect(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")
}

func TestCollector_MinimumLookback(t *testing.T) {
	c := newTestCollector(&stubRuns{})

	snap, err := c.Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.LookbackDays)
	assert.Equal(t, []string{"2025-01-10"}, snap.MissingDates)
}

func TestCollector_SQLiteRunLog(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	r, err := st.StartRun(ctx, model.DateOf(time.Now(), time.UTC).AddDays(-1), model.TriggerRoutine)
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, r.ID, model.RunStatusCompleted, 6, ""))

	c := NewCollector(st, func() model.Date { return model.DateOf(time.Now(), time.UTC) }, time.Hour)
	snap, err := c.Collect(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RunsCompleted)
	assert.Empty(t, snap.MissingDates)
}
