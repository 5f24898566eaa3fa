package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"progresskit/adapters/jsonfile"
	mem "progresskit/adapters/memory"
	redisAdapter "progresskit/adapters/redis"
	sqlxAdapter "progresskit/adapters/sqlx"
	"progresskit/analytics"
	"progresskit/api/httpapi"
	"progresskit/cache"
	"progresskit/config"
	"progresskit/core"
	"progresskit/engine"
	"progresskit/integrations/webhook"
	"progresskit/metrics"
	"progresskit/progression"
	"progresskit/realtime"
)

// App aggregates the assembled server components.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	System  *progression.System
	Server  *http.Server
	Metrics *MetricsServer
}

// MetricsServer serves Prometheus metrics on its own listener. Nil when disabled.
type MetricsServer struct {
	*http.Server
}

func provideConfig(ctx context.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case os.Getenv("PROGRESSKIT_CONFIG_FILE") != "":
		cfg, err = config.LoadFromFile(os.Getenv("PROGRESSKIT_CONFIG_FILE"))
	case os.Getenv("PROGRESSKIT_PROFILE") != "":
		cfg, err = config.LoadProfile(os.Getenv("PROGRESSKIT_PROFILE"))
	default:
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Environment == config.EnvProduction {
		if err := cfg.LoadSecretsFromEnv(ctx); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideMetrics(cfg *config.Config) *metrics.Collector {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.NewCollector("progresskit", cfg.Metrics.CollectSystem)
}

func provideStats(cfg *config.Config) (*analytics.Stats, error) {
	loc, err := cfg.Progression.Location()
	if err != nil {
		return nil, err
	}
	return analytics.NewStats(loc), nil
}

func provideStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.DocumentStore, func(), error) {
	return setupStorage(ctx, cfg, logger)
}

func provideCache(cfg *config.Config, collector *metrics.Collector) *cache.Cache {
	opts := []cache.Option{
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
	}
	if collector != nil {
		opts = append(opts, cache.WithObserver(collector.CacheObserver()))
	}
	return cache.New(opts...)
}

func provideSystem(
	cfg *config.Config,
	logger *slog.Logger,
	store engine.DocumentStore,
	c *cache.Cache,
	hub *realtime.Hub,
	stats *analytics.Stats,
	collector *metrics.Collector,
) (*progression.System, func(), error) {
	loc, err := cfg.Progression.Location()
	if err != nil {
		return nil, nil, err
	}
	mode := engine.DispatchSync
	if cfg.Progression.AsyncEvents {
		mode = engine.DispatchAsync
	}
	hooks := []analytics.Hook{stats}
	if sink := setupWebhooks(cfg, logger); sink != nil {
		hooks = append(hooks, sink)
	}
	sys, err := progression.New(
		progression.WithStore(store),
		progression.WithDispatchMode(mode),
		progression.WithQueue(cfg.Progression.QueueSize, cfg.Progression.Workers),
		progression.WithCache(c),
		progression.WithRealtime(hub),
		progression.WithHooks(hooks...),
		progression.WithMetrics(collector),
		progression.WithLogger(logger),
		progression.WithEngineOptions(engine.Options{
			Location:              loc,
			DefaultProjectXP:      cfg.Progression.DefaultProjectXP,
			SweepMissedMilestones: cfg.Progression.SweepMissedMilestones,
			DailyXPEstimate:       cfg.Progression.DailyXPEstimate,
			Logger:                logger,
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return sys, sys.Close, nil
}

func provideHandler(cfg *config.Config, logger *slog.Logger, sys *progression.System, stats *analytics.Stats, collector *metrics.Collector) http.Handler {
	return httpapi.NewMux(sys.Service, sys.Catalog, sys.Hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitIdle:    cfg.Security.RateLimit.CleanupInterval,
		Stats:            stats,
		Metrics:          collector,
		Logger:           logger,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func provideMetricsServer(cfg *config.Config, collector *metrics.Collector) *MetricsServer {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, collector.Handler())
	return &MetricsServer{Server: &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	out := os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func convertAttributes(attrs map[string]string) []slog.Attr {
	result := make([]slog.Attr, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the configured document store and its cleanup.
func setupStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.DocumentStore, func(), error) {
	noop := func() {}
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), noop, nil
	case "redis":
		store, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis storage: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing redis", "error", err)
			}
		}, nil
	case "sql":
		store, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return nil, nil, fmt.Errorf("sql storage: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("sql storage: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing database", "error", err)
			}
		}, nil
	case "file":
		store, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("file storage: %w", err)
		}
		return store, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

func setupWebhooks(cfg *config.Config, logger *slog.Logger) *webhook.Sink {
	if len(cfg.Webhooks.Endpoints) == 0 {
		return nil
	}
	types := make([]core.EventType, 0, len(cfg.Webhooks.Events))
	for _, e := range cfg.Webhooks.Events {
		types = append(types, core.EventType(e))
	}
	return webhook.New(cfg.Webhooks.Endpoints,
		webhook.WithClient(&http.Client{Timeout: cfg.Webhooks.Timeout}),
		webhook.WithEventTypes(types...),
		webhook.WithSecret(cfg.Webhooks.Secret),
		webhook.WithLogger(logger),
	)
}
