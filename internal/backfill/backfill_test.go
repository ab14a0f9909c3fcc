package backfill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-engine/internal/collector"
	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/registry"
	"github.com/sells-group/metrics-engine/internal/source"
	"github.com/sells-group/metrics-engine/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	d1 = model.NewDate(2025, time.January, 1)
	d2 = d1.AddDays(1)
	d3 = d1.AddDays(2)
)

type stubRunner struct {
	today   model.Date
	fail    map[string]error
	partial map[string]bool
	calls   []model.Date
	onCall  func(n int)
}

func (s *stubRunner) Today() model.Date { return s.today }

func (s *stubRunner) Run(_ context.Context, date model.Date, trigger model.Trigger) (model.CollectionResult, error) {
	s.calls = append(s.calls, date)
	if s.onCall != nil {
		s.onCall(len(s.calls))
	}
	if err := s.fail[date.String()]; err != nil {
		return model.CollectionResult{}, err
	}
	res := model.CollectionResult{Date: date, Trigger: trigger, Status: model.RunStatusCompleted, MetricsCollected: 6}
	if s.partial[date.String()] {
		res.Status = model.RunStatusFailed
		res.MetricsCollected = 4
		res.MetricsFailed = 2
	}
	return res, nil
}

func newStub() *stubRunner {
	return &stubRunner{today: model.NewDate(2025, time.February, 1), fail: map[string]error{}, partial: map[string]bool{}}
}

func TestBackfill_AllDatesInOrder(t *testing.T) {
	r := newStub()
	results, err := New(r, 0).Backfill(context.Background(), d1, d3)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, []model.Date{d1, d2, d3}, r.calls)
	for i, res := range results {
		assert.Equal(t, r.calls[i], res.Date)
		assert.Equal(t, model.TriggerBackfill, res.Trigger)
	}
}

func TestBackfill_SingleDay(t *testing.T) {
	r := newStub()
	results, err := New(r, 0).Backfill(context.Background(), d2, d2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, d2, results[0].Date)
}

func TestBackfill_ContinuesPastFailures(t *testing.T) {
	r := newStub()
	r.fail[d2.String()] = errors.New("source unreachable")

	results, err := New(r, 0).Backfill(context.Background(), d1, d3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Succeeded())
	assert.False(t, results[1].Succeeded())
	assert.Equal(t, d2, results[1].Date)
	assert.Contains(t, results[1].ErrorDetail, "source unreachable")
	assert.True(t, results[2].Succeeded())

	sum := model.Summarize(d1, d3, results)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, []string{"2025-01-02"}, sum.FailedDates)
}

func TestBackfill_PartialFailureRecorded(t *testing.T) {
	r := newStub()
	r.partial[d1.String()] = true

	results, err := New(r, 0).Backfill(context.Background(), d1, d2)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, results[0].Status)
	assert.Equal(t, 4, results[0].MetricsCollected)
	assert.True(t, results[1].Succeeded())
}

func TestBackfill_Validation(t *testing.T) {
	tests := []struct {
		name       string
		start, end model.Date
		want       string
	}{
		{"reversed", d3, d1, "after end date"},
		{"missing start", model.Date{}, d1, "required"},
		{"too long", d1, d1.AddDays(10), "at most 5 allowed"},
		{"future", model.NewDate(2025, time.January, 30), model.NewDate(2025, time.February, 2), "future"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newStub()
			results, err := New(r, 5).Backfill(context.Background(), tt.start, tt.end)
			require.Error(t, err)
			assert.True(t, model.IsValidation(err))
			assert.Contains(t, model.ValidationMessage(err), tt.want)
			assert.Nil(t, results)
			assert.Empty(t, r.calls)
		})
	}
}

func TestBackfill_CancelBetweenDates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newStub()
	r.onCall = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	results, err := New(r, 0).Backfill(ctx, d1, d3)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 2)
	assert.Len(t, r.calls, 2)
}

// Collection for the middle date fails for every metric; the outer dates
// still land in the store.
func TestBackfill_WithEngine_MiddleDateFails(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	counter := &dateFailCounter{failOn: d2}
	eng := collector.New(registry.MustDefault(), counter, st, st, collector.Options{
		Now: func() time.Time { return time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC) },
	})

	results, err := New(eng, 0).Backfill(context.Background(), d1, d3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, model.RunStatusCompleted, results[0].Status)
	assert.Equal(t, model.RunStatusFailed, results[1].Status)
	assert.Zero(t, results[1].MetricsCollected)
	assert.Equal(t, model.RunStatusCompleted, results[2].Status)

	snaps, err := st.ListSnapshots(context.Background(), store.SnapshotFilter{Start: d1, End: d3})
	require.NoError(t, err)
	perDate := map[string]int{}
	for _, s := range snaps {
		perDate[s.MetricDate.String()]++
	}
	assert.Equal(t, map[string]int{"2025-01-01": 6, "2025-01-03": 6}, perDate)

	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	for _, run := range runs {
		assert.Equal(t, model.TriggerBackfill, run.Trigger)
	}
}

type dateFailCounter struct {
	failOn model.Date
}

var _ source.Counter = (*dateFailCounter)(nil)

func (c *dateFailCounter) Count(_ context.Context, _ model.Entity, _, end time.Time) (int64, error) {
	if end.Equal(c.failOn.End(time.UTC)) {
		return 0, errors.New("forced failure")
	}
	return 1, nil
}
