// Package cache memoizes read queries for a bounded time. Entries are never
// invalidated by collection; the TTL is the only staleness bound.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/query"
	"github.com/sells-group/metrics-engine/internal/telemetry"
)

// DefaultTTL applies when New is given a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Operation names, used as key prefixes and metric labels.
const (
	OpMetrics  = "fetch_metrics"
	OpCurrent  = "fetch_current_metrics"
	OpActivity = "fetch_activity_data"
	OpStatus   = "collection_status"
)

// Backend stores encoded query results.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// Stats contains cache performance statistics.
type Stats struct {
	Backend    string  `json:"backend"`
	TTL        string  `json:"ttl"`
	Entries    int     `json:"entries,omitempty"`
	MaxEntries int     `json:"max_entries,omitempty"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Errors     int64   `json:"errors"`
	HitRate    float64 `json:"hit_rate"`
}

// Cache wraps a query.Reader. It is safe for concurrent use.
type Cache struct {
	next    query.Reader
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	metrics *telemetry.Metrics

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

var _ query.Reader = (*Cache)(nil)

// New wraps next with backend. tel may be nil.
func New(next query.Reader, backend Backend, ttl time.Duration, tel *telemetry.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{next: next, backend: backend, ttl: ttl, metrics: tel}
}

// FetchMetrics implements query.Reader.
func (c *Cache) FetchMetrics(ctx context.Context, q query.MetricsQuery) ([]model.DailyMetricSnapshot, error) {
	return cached(ctx, c, OpMetrics, q, func(ctx context.Context) ([]model.DailyMetricSnapshot, error) {
		return c.next.FetchMetrics(ctx, q)
	})
}

// FetchCurrentMetrics implements query.Reader.
func (c *Cache) FetchCurrentMetrics(ctx context.Context) (model.CurrentMetricsView, error) {
	return cached(ctx, c, OpCurrent, nil, c.next.FetchCurrentMetrics)
}

// FetchActivityData implements query.Reader.
func (c *Cache) FetchActivityData(ctx context.Context, days int) ([]model.ActivityPoint, error) {
	return cached(ctx, c, OpActivity, map[string]int{"days": days}, func(ctx context.Context) ([]model.ActivityPoint, error) {
		return c.next.FetchActivityData(ctx, days)
	})
}

// GetCollectionStatus implements query.Reader.
func (c *Cache) GetCollectionStatus(ctx context.Context) (*model.CollectionRun, error) {
	return cached(ctx, c, OpStatus, nil, c.next.GetCollectionStatus)
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Backend: c.backend.Name(),
		TTL:     c.ttl.String(),
		Hits:    hits,
		Misses:  misses,
		Errors:  c.errors.Load(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	if m, ok := c.backend.(*Memory); ok {
		s.Entries = m.Len()
		s.MaxEntries = m.MaxEntries()
	}
	return s
}

// Key builds the cache key for an operation and its parameters.
func Key(op string, params any) string {
	if params == nil {
		return op
	}
	b, err := json.Marshal(params)
	if err != nil {
		return op
	}
	return op + ":" + string(b)
}

func cached[T any](ctx context.Context, c *Cache, op string, params any, load func(context.Context) (T, error)) (T, error) {
	log := zap.L().With(zap.String("component", "cache"), zap.String("operation", op))
	key := Key(op, params)

	data, ok, err := c.backend.Get(ctx, key)
	switch {
	case err != nil:
		c.errors.Add(1)
		c.metrics.CacheResult(op, "error")
		log.Warn("cache read failed, reading through", zap.Error(err))
	case ok:
		var v T
		jsonErr := json.Unmarshal(data, &v)
		if jsonErr == nil {
			c.hits.Add(1)
			c.metrics.CacheResult(op, "hit")
			return v, nil
		}
		log.Warn("discarding undecodable cache entry", zap.Error(jsonErr))
	}

	c.misses.Add(1)
	c.metrics.CacheResult(op, "miss")

	// The shared load must outlive any one caller; each caller stops waiting
	// on its own context instead.
	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		val, err := load(loadCtx)
		if err != nil {
			return val, err
		}
		if encoded, encErr := json.Marshal(val); encErr != nil {
			log.Warn("cache encode failed", zap.Error(encErr))
		} else if setErr := c.backend.Set(loadCtx, key, encoded, c.ttl); setErr != nil {
			c.errors.Add(1)
			log.Warn("cache write failed", zap.Error(setErr))
		}
		return val, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}
