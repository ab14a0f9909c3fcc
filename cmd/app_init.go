package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-engine/internal/backfill"
	"github.com/sells-group/metrics-engine/internal/cache"
	"github.com/sells-group/metrics-engine/internal/collector"
	"github.com/sells-group/metrics-engine/internal/config"
	"github.com/sells-group/metrics-engine/internal/monitoring"
	"github.com/sells-group/metrics-engine/internal/query"
	"github.com/sells-group/metrics-engine/internal/registry"
	"github.com/sells-group/metrics-engine/internal/source"
	"github.com/sells-group/metrics-engine/internal/store"
	"github.com/sells-group/metrics-engine/internal/telemetry"
)

// appEnv holds everything the commands need. Reader is the cached read path.
type appEnv struct {
	Store     store.Store
	Catalog   *registry.Catalog
	Telemetry *telemetry.Metrics
	Engine    *collector.Engine
	Backfill  *backfill.Orchestrator
	Cache     *cache.Cache
	Reader    query.Reader
	Monitor   *monitoring.Monitor

	closers []func() error
}

// Close releases every connection opened by initApp, newest first.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
	e.closers = nil
}

// initApp opens the store and source, migrates, seeds the catalog, and wires
// the engine, backfill orchestrator and cached reader. Callers should defer
// env.Close().
func initApp(ctx context.Context, c *config.Config) (*appEnv, error) {
	env := &appEnv{Telemetry: telemetry.New()}

	cat, err := loadCatalog(c)
	if err != nil {
		return nil, err
	}
	env.Catalog = cat

	loc, err := c.Collect.Location()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, st.Close)

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, err
	}
	if err := st.SeedDefinitions(ctx, cat.Version(), cat.All()); err != nil {
		env.Close()
		return nil, err
	}

	src, closeSrc, err := initSource(ctx, c, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeSrc != nil {
		env.closers = append(env.closers, closeSrc)
	}

	backend, closeBackend, err := initCacheBackend(ctx, c)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeBackend != nil {
		env.closers = append(env.closers, closeBackend)
	}

	env.Engine = collector.New(cat, src, st, st, collector.Options{
		Location:   loc,
		MaxAgeDays: c.Collect.MaxAgeDays,
		Telemetry:  env.Telemetry,
	})
	env.Backfill = backfill.New(env.Engine, c.Collect.MaxBackfillDays)
	env.Cache = cache.New(query.NewService(cat, st, st, loc), backend, c.Cache.TTL, env.Telemetry)
	env.Reader = env.Cache
	env.Monitor = monitoring.NewMonitor(
		monitoring.NewCollector(st, env.Engine.Today, c.Monitor.StuckAfter),
		monitoring.NewAlerter(c.Monitor),
		c.Monitor.LookbackDays,
	)

	zap.L().Debug("app initialized",
		zap.String("store", c.Store.Driver),
		zap.String("source", c.SourceDriver()),
		zap.String("cache", backend.Name()),
		zap.Int("catalog_version", cat.Version()),
	)
	return env, nil
}

func loadCatalog(c *config.Config) (*registry.Catalog, error) {
	if c.Collect.CatalogPath == "" {
		return registry.Default()
	}
	return registry.LoadFile(c.Collect.CatalogPath)
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initSource builds the counter over the operational database. When the
// source is the store's own Postgres database the pool is shared and the
// returned closer is nil.
func initSource(ctx context.Context, c *config.Config, st store.Store) (source.Counter, func() error, error) {
	tables, err := source.DefaultTables().Merge(c.Source.Tables)
	if err != nil {
		return nil, nil, err
	}

	switch c.SourceDriver() {
	case "sqlite":
		db, err := store.OpenSQLite(c.SourceURL())
		if err != nil {
			return nil, nil, err
		}
		return source.NewSQLiteCounter(db, tables), db.Close, nil
	case "postgres":
		if pg, ok := st.(*store.PostgresStore); ok && c.SourceURL() == c.Store.DatabaseURL {
			return source.NewPostgresCounter(pg.Pool(), tables), nil, nil
		}
		pool, err := store.OpenPool(ctx, c.SourceURL(), &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
		if err != nil {
			return nil, nil, eris.Wrap(err, "source")
		}
		return source.NewPostgresCounter(pool, tables), func() error { pool.Close(); return nil }, nil
	default:
		return nil, nil, eris.Errorf("unsupported source driver: %s", c.SourceDriver())
	}
}

func initCacheBackend(ctx context.Context, c *config.Config) (cache.Backend, func() error, error) {
	switch c.Cache.Backend {
	case "redis":
		client, err := cache.DialRedis(ctx, c.Cache.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewRedis(client, cache.DefaultRedisPrefix), client.Close, nil
	case "memory", "":
		return cache.NewMemory(c.Cache.MaxEntries), nil, nil
	default:
		return nil, nil, eris.Errorf("unsupported cache backend: %s", c.Cache.Backend)
	}
}
