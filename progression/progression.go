// Package progression assembles a ready-to-use progression stack: store,
// event bus, service, catalog cache and the event consumers around them.
package progression

import (
	"context"
	"log/slog"

	mem "progresskit/adapters/memory"
	"progresskit/analytics"
	"progresskit/cache"
	"progresskit/catalog"
	"progresskit/core"
	"progresskit/engine"
	"progresskit/metrics"
	"progresskit/realtime"
)

// Option configures the builder.
type Option func(*config)

type config struct {
	store     engine.DocumentStore
	mode      engine.DispatchMode
	queueSize int
	workers   int
	engine    engine.Options
	cache     *cache.Cache
	hub       *realtime.Hub
	hooks     []analytics.Hook
	collector *metrics.Collector
	logger    *slog.Logger
}

// WithStore sets the persistence adapter.
func WithStore(s engine.DocumentStore) Option { return func(c *config) { c.store = s } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithQueue sizes the async dispatch queue and its worker pool.
func WithQueue(size, workers int) Option {
	return func(c *config) { c.queueSize, c.workers = size, workers }
}

// WithEngineOptions passes level, badge, milestone and clock settings to the service.
func WithEngineOptions(o engine.Options) Option { return func(c *config) { c.engine = o } }

// WithCache shares a catalog cache instead of building a default one.
func WithCache(cc *cache.Cache) Option { return func(c *config) { c.cache = cc } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithHooks subscribes hooks (analytics, webhooks) to every event.
func WithHooks(hooks ...analytics.Hook) Option {
	return func(c *config) { c.hooks = append(c.hooks, hooks...) }
}

// WithMetrics records events, cache outcomes and queue health in collector.
// A collector serves one System; its gauges are registered once.
func WithMetrics(collector *metrics.Collector) Option { return func(c *config) { c.collector = collector } }

func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// System is the assembled stack.
type System struct {
	Service *engine.ProgressionService
	Catalog *catalog.Repository
	Cache   *cache.Cache
	Bus     *engine.EventBus
	Hub     *realtime.Hub
	unsubs  []func()
}

// New builds a System. If not provided, defaults are used:
//   - store: in-memory
//   - dispatch: async
//   - cache: unbounded with the default ttl
func New(opts ...Option) (*System, error) {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.store == nil {
		cfg.store = mem.New()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.engine.Logger == nil {
		cfg.engine.Logger = cfg.logger
	}
	if cfg.cache == nil {
		var copts []cache.Option
		if cfg.collector != nil {
			copts = append(copts, cache.WithObserver(cfg.collector.CacheObserver()))
		}
		cfg.cache = cache.New(copts...)
	}

	bus := engine.NewEventBusSize(cfg.mode, cfg.queueSize, cfg.workers)
	svc, err := engine.NewProgressionService(cfg.store, bus, cfg.engine)
	if err != nil {
		bus.Close()
		return nil, err
	}

	sys := &System{
		Service: svc,
		Catalog: catalog.NewRepository(cfg.store, cfg.cache, catalog.WithLogger(cfg.logger)),
		Cache:   cfg.cache,
		Bus:     bus,
		Hub:     cfg.hub,
	}
	if cfg.hub != nil {
		sys.unsubs = append(sys.unsubs, bus.SubscribeAll(cfg.hub.Broadcast))
	}
	for _, h := range cfg.hooks {
		sys.unsubs = append(sys.unsubs, bus.SubscribeAll(h.OnEvent))
	}
	if cfg.collector != nil {
		sys.unsubs = append(sys.unsubs, bus.SubscribeAll(cfg.collector.HandleEvent))
		cfg.collector.GaugeFunc("events", "dropped", "Events discarded because the async queue was full.",
			func() float64 { return float64(bus.Dropped()) })
		cfg.collector.GaugeFunc("cache", "entries", "Entries held by the catalog cache.",
			func() float64 { return float64(cfg.cache.Len()) })
		if cfg.hub != nil {
			hub := cfg.hub
			cfg.collector.GaugeFunc("realtime", "subscribers", "Connected realtime subscribers.",
				func() float64 { return float64(hub.Subscribers()) })
		}
	}
	return sys, nil
}

// Publish forwards an externally produced event to every subscriber.
func (s *System) Publish(ctx context.Context, ev core.Event) { s.Service.Publish(ctx, ev) }

// Close detaches consumers after the bus has flushed its queue.
func (s *System) Close() {
	s.Service.Close()
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}
