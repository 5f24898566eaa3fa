// Package metrics exposes progression and cache telemetry as Prometheus
// collectors on a private registry.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"progresskit/core"
)

// Collector owns the registry and every progression metric.
type Collector struct {
	registry *prometheus.Registry

	events     *prometheus.CounterVec
	xpAwarded  *prometheus.CounterVec
	levelUps   *prometheus.CounterVec
	badges     *prometheus.CounterVec
	milestones *prometheus.CounterVec

	cacheOps *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	namespace string
}

// NewCollector creates a collector. collectSystem adds Go runtime and process collectors.
func NewCollector(namespace string, collectSystem bool) *Collector {
	if namespace == "" {
		namespace = "progresskit"
	}
	c := &Collector{registry: prometheus.NewRegistry(), namespace: namespace}

	c.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "progression", Name: "events_total",
		Help: "Progression events published, by type",
	}, []string{"type"})
	c.xpAwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "progression", Name: "xp_awarded_total",
		Help: "XP added to learners, by source",
	}, []string{"source"})
	c.levelUps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "progression", Name: "level_ups_total",
		Help: "Level transitions, by reached tier",
	}, []string{"level"})
	c.badges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "progression", Name: "badges_unlocked_total",
		Help: "Badges newly unlocked, by badge",
	}, []string{"badge"})
	c.milestones = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "progression", Name: "milestones_reached_total",
		Help: "Streak milestones granted, by threshold",
	}, []string{"threshold"})
	c.cacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "operations_total",
		Help: "Cache lookups and evictions, by key family and result",
	}, []string{"family", "result"})
	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests, by method, route and status",
	}, []string{"method", "path", "status"})
	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"method", "path"})
	c.httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "in_flight_requests",
		Help: "HTTP requests currently being served",
	})

	c.registry.MustRegister(
		c.events, c.xpAwarded, c.levelUps, c.badges, c.milestones,
		c.cacheOps, c.httpRequests, c.httpDuration, c.httpInFlight,
	)
	if collectSystem {
		c.registry.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler exposing the registered metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge read from fn at scrape time, e.g. queue drops.
func (c *Collector) GaugeFunc(subsystem, name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn))
}

// HandleEvent records a progression event. Subscribe it to the event bus.
func (c *Collector) HandleEvent(_ context.Context, ev core.Event) {
	c.events.WithLabelValues(string(ev.Type)).Inc()
	switch ev.Type {
	case core.EventXPAdded:
		if ev.Delta > 0 {
			c.xpAwarded.WithLabelValues(ev.Source).Add(float64(ev.Delta))
		}
	case core.EventLevelUp:
		if ev.Level != nil {
			c.levelUps.WithLabelValues(ev.Level.Name).Inc()
		}
	case core.EventBadgeUnlocked:
		c.badges.WithLabelValues(ev.Badge).Inc()
	case core.EventMilestoneReached:
		c.milestones.WithLabelValues(strconv.Itoa(ev.Streak)).Inc()
	}
}

// CacheObserver reports cache outcomes. Keys are reduced to their family
// ("track:go" counts as "track") to bound label cardinality.
func (c *Collector) CacheObserver() *CacheObserver { return &CacheObserver{ops: c.cacheOps} }

type CacheObserver struct{ ops *prometheus.CounterVec }

func (o *CacheObserver) Hit(key string)     { o.ops.WithLabelValues(family(key), "hit").Inc() }
func (o *CacheObserver) Miss(key string)    { o.ops.WithLabelValues(family(key), "miss").Inc() }
func (o *CacheObserver) Expired(key string) { o.ops.WithLabelValues(family(key), "expired").Inc() }
func (o *CacheObserver) Evicted(key string) { o.ops.WithLabelValues(family(key), "evicted").Inc() }

func family(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// InstrumentHandler wraps next with request metrics. route maps a request to
// a low-cardinality path label.
func (c *Collector) InstrumentHandler(next http.Handler, route func(*http.Request) string) http.Handler {
	if route == nil {
		route = func(*http.Request) string { return "other" }
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := route(r)
		method := strings.ToUpper(r.Method)
		c.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes through to the underlying writer so websocket upgrades work.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
