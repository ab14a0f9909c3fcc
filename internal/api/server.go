// Package api serves collection triggers and dashboard reads over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/metrics-engine/internal/cache"
	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/monitoring"
	"github.com/sells-group/metrics-engine/internal/query"
	"github.com/sells-group/metrics-engine/internal/registry"
	"github.com/sells-group/metrics-engine/internal/store"
	"github.com/sells-group/metrics-engine/internal/telemetry"
)

// Collector runs one collection. *collector.Engine satisfies it.
type Collector interface {
	Run(ctx context.Context, date model.Date, trigger model.Trigger) (model.CollectionResult, error)
	Today() model.Date
}

// Backfiller runs a range. *backfill.Orchestrator satisfies it.
type Backfiller interface {
	Backfill(ctx context.Context, start, end model.Date) ([]model.CollectionResult, error)
}

// Pinger checks store connectivity for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker summarizes collection health. *monitoring.Monitor satisfies it.
type HealthChecker interface {
	Check(ctx context.Context) (*monitoring.Report, error)
}

// Deps are the collaborators the server routes to. Cache, Telemetry, Pinger
// and Health are optional.
type Deps struct {
	Collector Collector
	Backfill  Backfiller
	Reader    query.Reader
	Runs      store.RunLog
	Catalog   *registry.Catalog
	Cache     *cache.Cache
	Telemetry *telemetry.Metrics
	Pinger    Pinger
	Health    HealthChecker
}

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
	// TriggerRPS limits collect and backfill requests. Zero disables the limit.
	TriggerRPS   float64
	TriggerBurst int
}

// Server holds the handlers.
type Server struct {
	deps    Deps
	opts    Options
	limiter *rate.Limiter
}

// NewServer creates a Server.
func NewServer(deps Deps, opts Options) *Server {
	s := &Server{deps: deps, opts: opts}
	if opts.TriggerRPS > 0 {
		burst := opts.TriggerBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.TriggerRPS), burst)
	}
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.deps.Telemetry.Handler())

	r.Route("/api/v1/metrics", func(r chi.Router) {
		r.Get("/", s.handleFetchMetrics)
		r.Get("/current", s.handleCurrent)
		r.Get("/activity", s.handleActivity)
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/catalog", s.handleCatalog)
		if s.deps.Health != nil {
			r.Get("/health", s.handleCollectionHealth)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.limitTriggers)
			r.Post("/collect", s.handleCollect)
			r.Post("/backfill", s.handleBackfill)
		})
	})
	return r
}

func (s *Server) limitTriggers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeFailure(w, http.StatusTooManyRequests, "too many collection requests", "retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
