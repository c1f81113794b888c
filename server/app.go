package server

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nuabase/castgate/cache"
	"github.com/nuabase/castgate/config"
	"github.com/nuabase/castgate/execution"
	"github.com/nuabase/castgate/jobs"
	"github.com/nuabase/castgate/jobs/tasks"
	"github.com/nuabase/castgate/llm"
	"github.com/nuabase/castgate/requests"
	"github.com/nuabase/castgate/server/metrics"
	"github.com/nuabase/castgate/server/provider"
	"github.com/nuabase/castgate/server/validation"
)

// App holds everything behind the HTTP surface: storage, the result
// cache, the provider manager, the job runtime and the executor.
type App struct {
	Metrics   *metrics.Metrics
	Requests  requests.Store
	Cache     cache.Store
	Jobs      *jobs.Runtime
	Executor  *execution.Executor
	Validator *validation.Validator

	// Providers is nil when the app was built around an injected client.
	Providers *provider.Manager

	counter *llm.TokenCounter
	logger  *zap.Logger
	closers []func()
}

// NewApp builds an App from cfg. When client is nil the providers in
// cfg.LLM are dialed through a provider.Manager.
func NewApp(ctx context.Context, cfg *config.Config, client llm.Client, logger *zap.Logger) (*App, error) {
	a := &App{
		Metrics: metrics.NewMetrics(),
		counter: llm.NewTokenCounter(),
		logger:  logger,
	}

	if err := a.openStore(ctx, cfg.Store); err != nil {
		a.Close()
		return nil, err
	}
	rdb, err := a.openCache(ctx, cfg.Cache)
	if err != nil {
		a.Close()
		return nil, err
	}

	if client == nil {
		m, err := provider.NewManagerFromConfig(cfg, a.counter, logger, a.Metrics.Registry())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Providers = m
		client = m
	}

	a.Jobs = jobs.NewRuntime(jobs.Config{
		Workers:     cfg.Jobs.Workers,
		BackoffBase: cfg.Jobs.BackoffBase,
		MaxBackoff:  cfg.Jobs.MaxBackoff,
		Logger:      logger.Named("jobs"),
		Metrics:     a.Metrics,
	})

	a.Executor = execution.New(execution.Config{
		Requests:    a.Requests,
		Cache:       a.Cache,
		LLM:         llm.NewCaller(client, logger.Named("llm")),
		Scheduler:   a.Jobs,
		Logger:      logger.Named("execution"),
		Metrics:     a.Metrics,
		CacheTTL:    cfg.Cache.TTL,
		MaxAttempts: cfg.LLM.MaxAttempts,
	})

	var pub tasks.Publisher = tasks.LogPublisher{Logger: logger.Named("sse")}
	if rdb != nil {
		pub = tasks.NewRedisPublisher(rdb, "")
	}
	tasks.Register(a.Jobs, tasks.Deps{
		Executor:  a.Executor,
		Requests:  a.Requests,
		Publisher: pub,
		Logger:    logger.Named("tasks"),
	})

	a.Validator = newValidator(cfg, a.counter)
	return a, nil
}

func newValidator(cfg *config.Config, counter llm.Tokenizer) *validation.Validator {
	defaults := validation.Defaults{
		Model:       cfg.LLM.DefaultModel,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		MaxRetries:  cfg.LLM.MaxRetries,
		Provider:    requests.DefaultProvider,
	}
	var opts []validation.Option
	if cfg.LLM.MaxPromptTokens > 0 {
		opts = append(opts, validation.WithPromptLimit(counter, cfg.LLM.MaxPromptTokens))
	}
	return validation.New(defaults, opts...)
}

func (a *App) openStore(ctx context.Context, cfg config.StoreConfig) error {
	if cfg.Type != "postgres" {
		a.Requests = requests.NewMemoryStore()
		return nil
	}

	pool, err := requests.OpenPostgres(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pool.Close)

	store := requests.NewPostgresStore(pool)
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}
	a.Requests = store
	a.logger.Info("using postgres request store")
	return nil
}

func (a *App) openCache(ctx context.Context, cfg config.CacheConfig) (*redis.Client, error) {
	if cfg.Type != "redis" {
		a.Cache = cache.NewMemoryStore()
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
	}
	a.Cache = cache.NewRedisStore(rdb)
	a.logger.Info("using redis cache", zap.String("address", cfg.Redis.Address))
	return rdb, nil
}

// Reload applies the parts of cfg that can change while running: the
// provider clients and the request defaults.
func (a *App) Reload(cfg *config.Config) error {
	a.Validator = newValidator(cfg, a.counter)
	if a.Providers == nil {
		return nil
	}

	clients := make(map[llm.ProviderID]llm.Client, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		c, err := provider.NewClient(llm.ProviderID(name), pc, cfg.LLM.Temperature, a.counter)
		if err != nil {
			return fmt.Errorf("failed to initialize provider %s: %w", name, err)
		}
		clients[llm.ProviderID(name)] = c
	}
	return a.Providers.SetProviders(clients)
}

// Start starts the job workers.
func (a *App) Start(ctx context.Context) {
	a.Jobs.Start(ctx)
}

// Shutdown drains the job runtime and releases connections.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.Jobs != nil {
		err = a.Jobs.Shutdown(ctx)
	}
	a.Close()
	return err
}

// Close releases connections without waiting for jobs.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
