package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/query"
	"github.com/sells-group/metrics-engine/internal/telemetry"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// countingReader records how often each operation reaches the store.
type countingReader struct {
	calls   sync.Map
	current float64
	err     error
	gate    chan struct{}
}

func (r *countingReader) hit(op string) int64 {
	v, _ := r.calls.LoadOrStore(op, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1)
}

func (r *countingReader) count(op string) int64 {
	v, ok := r.calls.Load(op)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (r *countingReader) FetchMetrics(_ context.Context, q query.MetricsQuery) ([]model.DailyMetricSnapshot, error) {
	r.hit(OpMetrics)
	return []model.DailyMetricSnapshot{{MetricDate: q.Start, MetricType: "users", MetricCategory: "new_users", Value: 3}}, r.err
}

func (r *countingReader) FetchCurrentMetrics(context.Context) (model.CurrentMetricsView, error) {
	r.hit(OpCurrent)
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return model.CurrentMetricsView{}, r.err
	}
	return model.CurrentMetricsView{Metrics: map[model.MetricCategory]float64{"total_users": r.current}}, nil
}

func (r *countingReader) FetchActivityData(_ context.Context, days int) ([]model.ActivityPoint, error) {
	r.hit(OpActivity)
	return make([]model.ActivityPoint, days), r.err
}

func (r *countingReader) GetCollectionStatus(context.Context) (*model.CollectionRun, error) {
	r.hit(OpStatus)
	return nil, r.err
}

type brokenBackend struct{}

func (brokenBackend) Name() string { return "broken" }
func (brokenBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}
func (brokenBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}

func newTestCache(r query.Reader) (*Cache, *fakeClock) {
	mem, clock := newTestMemory(100)
	return New(r, mem, 0, telemetry.New()), clock
}

func TestCache_HitSkipsReader(t *testing.T) {
	r := &countingReader{current: 7}
	c, _ := newTestCache(r)
	ctx := context.Background()

	first, err := c.FetchCurrentMetrics(ctx)
	require.NoError(t, err)
	r.current = 8
	second, err := c.FetchCurrentMetrics(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), r.count(OpCurrent))
	assert.Equal(t, 7.0, first.Metrics["total_users"])
	assert.Equal(t, first, second)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, "5m0s", stats.TTL)
	assert.Equal(t, 1, stats.Entries)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	r := &countingReader{current: 7}
	c, clock := newTestCache(r)
	ctx := context.Background()

	_, err := c.FetchCurrentMetrics(ctx)
	require.NoError(t, err)

	r.current = 9
	clock.Advance(DefaultTTL - time.Second)
	got, err := c.FetchCurrentMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got.Metrics["total_users"])

	clock.Advance(time.Second)
	got, err = c.FetchCurrentMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9.0, got.Metrics["total_users"])
	assert.Equal(t, int64(2), r.count(OpCurrent))
}

func TestCache_KeyedByParameters(t *testing.T) {
	r := &countingReader{}
	c, _ := newTestCache(r)
	ctx := context.Background()
	d := model.NewDate(2025, time.January, 10)

	_, err := c.FetchActivityData(ctx, 7)
	require.NoError(t, err)
	_, err = c.FetchActivityData(ctx, 30)
	require.NoError(t, err)
	points, err := c.FetchActivityData(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, points, 7)
	assert.Equal(t, int64(2), r.count(OpActivity))

	q := query.MetricsQuery{Start: d, End: d}
	_, err = c.FetchMetrics(ctx, q)
	require.NoError(t, err)
	q.Category = "new_users"
	_, err = c.FetchMetrics(ctx, q)
	require.NoError(t, err)
	snaps, err := c.FetchMetrics(ctx, q)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "2025-01-10", snaps[0].MetricDate.String())
	assert.Equal(t, int64(2), r.count(OpMetrics))
}

func TestCache_NilRunIsCached(t *testing.T) {
	r := &countingReader{}
	c, _ := newTestCache(r)

	for i := 0; i < 3; i++ {
		run, err := c.GetCollectionStatus(context.Background())
		require.NoError(t, err)
		assert.Nil(t, run)
	}
	assert.Equal(t, int64(1), r.count(OpStatus))
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	r := &countingReader{err: errors.New("store down")}
	c, _ := newTestCache(r)
	ctx := context.Background()

	_, err := c.FetchCurrentMetrics(ctx)
	require.Error(t, err)

	r.err = nil
	r.current = 4
	got, err := c.FetchCurrentMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.0, got.Metrics["total_users"])
	assert.Equal(t, int64(2), r.count(OpCurrent))
}

func TestCache_BackendFailureReadsThrough(t *testing.T) {
	r := &countingReader{current: 5}
	c := New(r, brokenBackend{}, time.Minute, nil)

	for i := 0; i < 2; i++ {
		got, err := c.FetchCurrentMetrics(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5.0, got.Metrics["total_users"])
	}
	assert.Equal(t, int64(2), r.count(OpCurrent))
	assert.Equal(t, int64(4), c.Stats().Errors)
}

func TestCache_UndecodableEntryIsMiss(t *testing.T) {
	r := &countingReader{current: 2}
	mem := NewMemory(10)
	require.NoError(t, mem.Set(context.Background(), Key(OpCurrent, nil), []byte("{not json"), time.Minute))
	c := New(r, mem, time.Minute, nil)

	got, err := c.FetchCurrentMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Metrics["total_users"])
	assert.Equal(t, int64(1), r.count(OpCurrent))
}

func TestCache_ConcurrentMissesCollapse(t *testing.T) {
	r := &countingReader{current: 1, gate: make(chan struct{})}
	c, _ := newTestCache(r)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.FetchCurrentMetrics(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 1.0, got.Metrics["total_users"])
		}()
	}
	// Let the goroutines pile up behind the first load before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(r.gate)
	wg.Wait()

	assert.LessOrEqual(t, r.count(OpCurrent), int64(2))
}

// blockingReader holds FetchCurrentMetrics until release is closed, failing
// early if its own context ends first.
type blockingReader struct {
	countingReader
	release chan struct{}
}

func (r *blockingReader) FetchCurrentMetrics(ctx context.Context) (model.CurrentMetricsView, error) {
	r.hit(OpCurrent)
	select {
	case <-ctx.Done():
		return model.CurrentMetricsView{}, ctx.Err()
	case <-r.release:
	}
	return model.CurrentMetricsView{Metrics: map[model.MetricCategory]float64{"total_users": r.current}}, nil
}

func TestCache_SharedMissSurvivesFirstCallerCancel(t *testing.T) {
	r := &blockingReader{countingReader: countingReader{current: 4}, release: make(chan struct{})}
	c, _ := newTestCache(r)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.FetchCurrentMetrics(firstCtx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return r.count(OpCurrent) == 1 }, time.Second, 5*time.Millisecond)

	type outcome struct {
		view model.CurrentMetricsView
		err  error
	}
	second := make(chan outcome, 1)
	go func() {
		v, err := c.FetchCurrentMetrics(context.Background())
		second <- outcome{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(r.release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, 4.0, got.view.Metrics["total_users"])
	case <-time.After(time.Second):
		t.Fatal("live caller did not return")
	}
	assert.Equal(t, int64(1), r.count(OpCurrent))

	// The detached load still populated the cache.
	_, err := c.FetchCurrentMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.count(OpCurrent))
}

func TestCache_RedisBackend(t *testing.T) {
	r := &countingReader{current: 3}
	fake := newFakeRedis()
	c := New(r, NewRedis(fake, ""), 2*time.Minute, nil)
	ctx := context.Background()

	_, err := c.FetchCurrentMetrics(ctx)
	require.NoError(t, err)
	got, err := c.FetchCurrentMetrics(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3.0, got.Metrics["total_users"])
	assert.Equal(t, int64(1), r.count(OpCurrent))
	assert.Equal(t, 2*time.Minute, fake.ttls[DefaultRedisPrefix+OpCurrent])
	assert.Equal(t, "redis", c.Stats().Backend)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "fetch_current_metrics", Key(OpCurrent, nil))
	assert.Equal(t, `fetch_activity_data:{"days":7}`, Key(OpActivity, map[string]int{"days": 7}))

	d := model.NewDate(2025, time.January, 10)
	assert.Equal(t,
		`fetch_metrics:{"start_date":"2025-01-10","end_date":"2025-01-10","category":"new_users"}`,
		Key(OpMetrics, query.MetricsQuery{Start: d, End: d, Category: "new_users"}))
}
