// Package metrics implements Prometheus instrumentation for the cache
// engine. A disabled collector is a safe no-op, so callers never nil-check.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "asyncache",
	}
}

// Collector holds the engine's Prometheus metrics.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	fetchesStarted     prometheus.Counter
	fetchesSucceeded   prometheus.Counter
	fetchesFailed      prometheus.Counter
	fetchesPaused      prometheus.Counter
	fetchRetries       prometheus.Counter
	dedupJoins         prometheus.Counter
	cacheHits          prometheus.Counter
	generationsDropped prometheus.Counter

	entriesGauge      prometheus.Gauge
	observersGauge    prometheus.Gauge
	offlineQueueGauge prometheus.Gauge

	gcEvictions   prometheus.Counter
	invalidations prometheus.Counter

	mutations         *prometheus.CounterVec
	mutationRollbacks prometheus.Counter
}

// NewCollector creates a collector. When disabled every method is a no-op
// and Registry returns nil.
func NewCollector(config Config) (*Collector, error) {
	if !config.Enabled {
		return &Collector{}, nil
	}
	if config.Namespace == "" {
		config.Namespace = "asyncache"
	}

	c := &Collector{
		enabled:  true,
		registry: prometheus.NewRegistry(),
	}

	ns := config.Namespace
	c.fetchesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "fetches_started_total",
		Help: "Producer invocations started.",
	})
	c.fetchesSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "fetches_succeeded_total",
		Help: "Producer invocations that resolved successfully.",
	})
	c.fetchesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "fetches_failed_total",
		Help: "Producer invocations that exhausted retries.",
	})
	c.fetchesPaused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "fetches_paused_total",
		Help: "Fetches deferred because the host was offline.",
	})
	c.fetchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "fetch_retries_total",
		Help: "Producer retry attempts.",
	})
	c.dedupJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "dedup_joins_total",
		Help: "Callers attached to an already in-flight fetch.",
	})
	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "cache_hits_total",
		Help: "Reads served from fresh cached data without a producer call.",
	})
	c.generationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "stale_generations_dropped_total",
		Help: "Producer results discarded because a newer attempt superseded them.",
	})
	c.entriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "entries",
		Help: "Entries currently resident in the store.",
	})
	c.observersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "active_observers",
		Help: "Live observer subscriptions.",
	})
	c.offlineQueueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "offline_mutation_queue_depth",
		Help: "Mutations queued while offline awaiting replay.",
	})
	c.gcEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "gc_evictions_total",
		Help: "Entries evicted by the garbage collector.",
	})
	c.invalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "invalidations_total",
		Help: "Entries marked stale by prefix invalidation.",
	})
	c.mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "mutations_total",
		Help: "Mutations by outcome.",
	}, []string{"outcome"})
	c.mutationRollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "mutation_rollbacks_total",
		Help: "Optimistic updates rolled back after a failed mutation.",
	})

	collectors := []prometheus.Collector{
		c.fetchesStarted, c.fetchesSucceeded, c.fetchesFailed, c.fetchesPaused,
		c.fetchRetries, c.dedupJoins, c.cacheHits, c.generationsDropped,
		c.entriesGauge, c.observersGauge, c.offlineQueueGauge,
		c.gcEvictions, c.invalidations, c.mutations, c.mutationRollbacks,
	}
	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return c, nil
}

// Registry returns the Prometheus registry for scraping, or nil when the
// collector is disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// FetchStarted counts a producer invocation.
func (c *Collector) FetchStarted() {
	if c != nil && c.enabled {
		c.fetchesStarted.Inc()
	}
}

// FetchSucceeded counts a successful resolution.
func (c *Collector) FetchSucceeded() {
	if c != nil && c.enabled {
		c.fetchesSucceeded.Inc()
	}
}

// FetchFailed counts a terminal failure.
func (c *Collector) FetchFailed() {
	if c != nil && c.enabled {
		c.fetchesFailed.Inc()
	}
}

// FetchPaused counts an offline deferral.
func (c *Collector) FetchPaused() {
	if c != nil && c.enabled {
		c.fetchesPaused.Inc()
	}
}

// Retry counts a retry attempt.
func (c *Collector) Retry() {
	if c != nil && c.enabled {
		c.fetchRetries.Inc()
	}
}

// DedupJoin counts a deduplicated caller.
func (c *Collector) DedupJoin() {
	if c != nil && c.enabled {
		c.dedupJoins.Inc()
	}
}

// Hit counts a read served fresh from cache.
func (c *Collector) Hit() {
	if c != nil && c.enabled {
		c.cacheHits.Inc()
	}
}

// GenerationDropped counts a superseded result discard.
func (c *Collector) GenerationDropped() {
	if c != nil && c.enabled {
		c.generationsDropped.Inc()
	}
}

// SetEntries records the current entry count.
func (c *Collector) SetEntries(n int) {
	if c != nil && c.enabled {
		c.entriesGauge.Set(float64(n))
	}
}

// ObserverAttached increments the live observer gauge.
func (c *Collector) ObserverAttached() {
	if c != nil && c.enabled {
		c.observersGauge.Inc()
	}
}

// ObserverDetached decrements the live observer gauge.
func (c *Collector) ObserverDetached() {
	if c != nil && c.enabled {
		c.observersGauge.Dec()
	}
}

// SetOfflineQueueDepth records the offline mutation queue depth.
func (c *Collector) SetOfflineQueueDepth(n int) {
	if c != nil && c.enabled {
		c.offlineQueueGauge.Set(float64(n))
	}
}

// Eviction counts a GC eviction.
func (c *Collector) Eviction() {
	if c != nil && c.enabled {
		c.gcEvictions.Inc()
	}
}

// Invalidation counts a prefix-invalidated entry.
func (c *Collector) Invalidation() {
	if c != nil && c.enabled {
		c.invalidations.Inc()
	}
}

// MutationSucceeded counts a successful mutation.
func (c *Collector) MutationSucceeded() {
	if c != nil && c.enabled {
		c.mutations.WithLabelValues("success").Inc()
	}
}

// MutationFailed counts a failed mutation.
func (c *Collector) MutationFailed() {
	if c != nil && c.enabled {
		c.mutations.WithLabelValues("error").Inc()
	}
}

// Rollback counts an optimistic-update rollback.
func (c *Collector) Rollback() {
	if c != nil && c.enabled {
		c.mutationRollbacks.Inc()
	}
}
