package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nuabase/castgate/config"
	"github.com/nuabase/castgate/errors"
	"github.com/nuabase/castgate/server/handlers"
	"github.com/nuabase/castgate/server/middleware"
)

// DocsURL is where "/" points callers.
const DocsURL = "https://docs.nuabase.com"

// Router is the HTTP surface for one configuration. A new Router is built
// whenever the configuration changes.
type Router struct {
	router  chi.Router
	limiter *middleware.RateLimiter
}

// NewRouter mounts the API on chi.
//
//	POST /cast/value        queue a value cast, 202 {id}
//	POST /cast/value/now    execute inline, 200 with the result
//	POST /cast/array        queue an array cast
//	POST /cast/array/now    execute inline
//	GET  /requests/{id}     read a request back
//	GET  /health            provider and queue health
//	GET  /metrics           Prometheus
func NewRouter(cfg *config.Config, app *App, logger *zap.Logger) *Router {
	r := chi.NewRouter()
	rt := &Router{router: r}

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTimer)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.PrometheusMetrics(app.Metrics))
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrorWithType(w, "Not Found", errors.NotFoundError, http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrorWithType(w, "Method not allowed", errors.BadRequestError, http.StatusMethodNotAllowed)
	})

	cast := handlers.NewCastHandler(handlers.CastConfig{
		Validator:    app.Validator,
		Requests:     app.Requests,
		Executor:     app.Executor,
		Scheduler:    app.Jobs,
		Logger:       logger.Named("handlers"),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	reqs := handlers.NewRequestHandler(app.Requests, logger.Named("handlers"))

	if cfg.RateLimit.RequestsPerMinute > 0 {
		rt.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, app.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(cfg.Auth.APIKeys))
		if rt.limiter != nil {
			r.Use(rt.limiter.Middleware)
		}
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

		r.Post("/cast/value", cast.Value)
		r.Post("/cast/value/now", cast.ValueNow)
		r.Post("/cast/array", cast.Array)
		r.Post("/cast/array/now", cast.ArrayNow)
		r.Get("/requests/{id}", reqs.Get)
	})

	var providers handlers.ProviderStatus
	if app.Providers != nil {
		providers = app.Providers
	}
	r.Get("/health", handlers.Health(providers, app.Jobs))
	r.Handle("/metrics", app.Metrics.Handler())
	r.Get("/", handlers.Root(DocsURL))

	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.router.ServeHTTP(w, r)
}

// sweep forgets clients idle for longer than idle.
func (rt *Router) sweep(idle time.Duration) int {
	if rt.limiter == nil {
		return 0
	}
	return rt.limiter.Sweep(idle)
}
