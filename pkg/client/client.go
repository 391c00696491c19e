package client

import (
	"context"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/asyncache/asyncache/internal/connectivity"
	"github.com/asyncache/asyncache/internal/fetch"
	"github.com/asyncache/asyncache/internal/invalidate"
	"github.com/asyncache/asyncache/internal/metrics"
	"github.com/asyncache/asyncache/internal/mutation"
	"github.com/asyncache/asyncache/internal/observer"
	"github.com/asyncache/asyncache/internal/store"
	"github.com/asyncache/asyncache/pkg/config"
	"github.com/asyncache/asyncache/pkg/errors"
	"github.com/asyncache/asyncache/pkg/key"
	"github.com/asyncache/asyncache/pkg/log"
	"github.com/asyncache/asyncache/pkg/retry"
	"github.com/asyncache/asyncache/pkg/types"
)

// Subscription re-exports the observer subscription handle.
type Subscription = observer.Subscription

// ObserveOptions re-exports the per-subscription options.
type ObserveOptions = observer.Options

// MutateOptions re-exports the per-mutation options.
type MutateOptions = mutation.Options

// Rollback re-exports the optimistic-edit rollback closure.
type Rollback = mutation.Rollback

// FetchOptions configure one Client.Fetch call.
type FetchOptions struct {
	// Options are the per-entry knobs; zero values fall back to the
	// configured defaults.
	Options types.Options

	// Force bypasses the freshness check.
	Force bool

	// Rethrow returns the terminal fetch error to the caller. Off by
	// default: failures are reported through entry state and Fetch returns
	// the last known data.
	Rethrow bool
}

// Client is the engine facade. Construct with New, start with Mount, and
// release with Unmount. All methods are safe for concurrent use.
type Client struct {
	cfg      *config.Configuration
	defaults types.Options
	logger   *log.Logger

	store       *store.Store
	conn        *connectivity.Manager
	metrics     *metrics.Collector
	fetcher     *fetch.Coordinator
	observers   *observer.Manager
	invalidator *invalidate.Engine
	sweeper     *invalidate.Sweeper

	mu        sync.Mutex
	mounted   bool
	mutations *mutation.Coordinator
}

// New creates a client from the configuration. A nil configuration uses
// NewDefault.
func New(cfg *config.Configuration) (*Client, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			"invalid configuration").WithCause(err)
	}

	level := log.ParseLevel(cfg.Logging.Level)
	format := log.FormatText
	if cfg.Logging.Format == "json" {
		format = log.FormatJSON
	}
	logger := log.New(&log.Config{Level: level, Output: os.Stdout, Format: format})

	collector, err := metrics.NewCollector(cfg.MetricsCollectorConfig())
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			"failed to initialize metrics").WithCause(err)
	}

	s := store.New()
	conn := connectivity.New()
	backoff := retry.Config{
		MaxAttempts:  cfg.Defaults.MaxRetries + 1,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
	}

	c := &Client{
		cfg:      cfg,
		defaults: cfg.EntryDefaults(),
		logger:   logger,
		store:    s,
		conn:     conn,
		metrics:  collector,
	}
	c.fetcher = fetch.New(s, conn, collector, logger, backoff)
	c.observers = observer.NewManager(s, c.fetcher, collector, logger)
	c.invalidator = invalidate.NewEngine(s, c.fetcher, collector, logger)
	c.sweeper = invalidate.NewSweeper(s, c.fetcher, collector, logger, cfg.GC.SweepInterval)
	return c, nil
}

// Mount starts the client's background machinery: the GC sweeper (when
// enabled) and the offline mutation queue's connectivity listener. Mounting
// twice is a no-op.
func (c *Client) Mount() error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.mutations = mutation.New(c.conn, c.metrics, c.logger)
	c.mounted = true
	c.mu.Unlock()

	if c.cfg.GC.Enabled {
		c.sweeper.Start()
	}
	c.logger.Info("cache client mounted",
		log.F("gc_enabled", c.cfg.GC.Enabled),
		log.F("metrics_enabled", c.cfg.Metrics.Enabled))
	return nil
}

// Unmount stops the background machinery. Cached entries survive until
// Clear; a client may be remounted.
func (c *Client) Unmount() error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.mounted = false
	mutations := c.mutations
	c.mutations = nil
	c.mu.Unlock()

	c.sweeper.Stop()
	if mutations != nil {
		mutations.Close()
	}
	c.logger.Info("cache client unmounted")
	return nil
}

func (c *Client) requireMounted(op string) error {
	c.mu.Lock()
	mounted := c.mounted
	c.mu.Unlock()
	if mounted {
		return nil
	}
	return errors.NewError(errors.ErrCodeNotMounted,
		"client is not mounted").WithOperation(op)
}

// resolve fills zero-valued entry options from the configured defaults. A
// negative StaleTime requests immediate staleness explicitly, bypassing the
// configured default; it normalizes to zero.
func (c *Client) resolve(opts types.Options) types.Options {
	switch {
	case opts.StaleTime < 0:
		opts.StaleTime = 0
	case opts.StaleTime == 0:
		opts.StaleTime = c.defaults.StaleTime
	}
	if opts.GCTime <= 0 {
		opts.GCTime = c.defaults.GCTime
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = c.defaults.MaxRetries
	}
	if opts.NetworkMode == "" {
		opts.NetworkMode = c.defaults.NetworkMode
	}
	if c.defaults.DisableStructuralSharing {
		opts.DisableStructuralSharing = true
	}
	return opts
}

// Subscribe attaches an observer to k, marking the entry active and
// refreshing it in the background when stale.
func (c *Client) Subscribe(k key.Key, producer types.Producer, opts types.Options, obsOpts ObserveOptions) (*Subscription, error) {
	if err := c.requireMounted("subscribe"); err != nil {
		return nil, err
	}
	sub, err := c.observers.Subscribe(k, producer, c.resolve(opts), obsOpts)
	if err != nil {
		return nil, err
	}
	c.metrics.SetEntries(c.store.Len())
	return sub, nil
}

// Fetch ensures fresh data for k and returns it. Producer failures land in
// entry state; by default Fetch then returns the entry's last known data
// and a nil error. Set FetchOptions.Rethrow to receive the terminal error
// instead. Cancellation is always returned.
func (c *Client) Fetch(ctx context.Context, k key.Key, producer types.Producer, opts FetchOptions) (any, error) {
	if err := c.requireMounted("fetch"); err != nil {
		return nil, err
	}
	data, err := c.fetcher.EnsureFresh(ctx, k, producer, c.resolve(opts.Options), opts.Force)
	if err == nil {
		return data, nil
	}
	if opts.Rethrow || errors.IsCanceled(err) || errors.CodeOf(err) == errors.ErrCodeKeyNotSerializable {
		return nil, err
	}
	snap, _ := c.store.Snapshot(k)
	return snap.Data, nil
}

// Prefetch warms the cache for k without surfacing producer failures.
func (c *Client) Prefetch(ctx context.Context, k key.Key, producer types.Producer, opts types.Options) error {
	_, err := c.Fetch(ctx, k, producer, FetchOptions{Options: opts})
	return err
}

// GetData returns the entry's data when it holds a successful value.
func (c *Client) GetData(k key.Key) (any, bool) {
	snap, ok := c.store.Snapshot(k)
	if !ok || !snap.HasData() {
		return nil, false
	}
	return snap.Data, true
}

// Snapshot returns the entry's full current state.
func (c *Client) Snapshot(k key.Key) (types.Snapshot, bool) {
	return c.store.Snapshot(k)
}

// SetData writes data directly into the cache, creating the entry if
// needed. This is the optimistic-edit primitive used by mutation OnMutate
// hooks; the write is a success write and clears any invalidation mark.
func (c *Client) SetData(k key.Key, data any, opts types.Options) (types.Snapshot, error) {
	snap, err := c.store.Get(k, c.resolve(opts), nil)
	if err != nil {
		return types.Snapshot{}, err
	}
	success := types.StatusSuccess
	after, _ := c.store.Apply(snap.Canonical, store.Change{
		Status:   &success,
		SetData:  true,
		Data:     data,
		SetError: true,
		Err:      nil,
	})
	c.metrics.SetEntries(c.store.Len())
	return after, nil
}

// Mutate runs a mutation through its lifecycle hooks and blocks until it
// settles. While offline (network mode "online") the write is queued and
// replayed on reconnect.
func (c *Client) Mutate(ctx context.Context, input any, opts MutateOptions) (any, error) {
	c.mu.Lock()
	mutations := c.mutations
	c.mu.Unlock()
	if mutations == nil {
		return nil, errors.NewError(errors.ErrCodeNotMounted,
			"client is not mounted").WithOperation("mutate")
	}
	return mutations.Mutate(ctx, input, opts)
}

// Invalidate marks every entry under prefix stale; actively observed
// entries are refetched immediately when refetchActive is set.
func (c *Client) Invalidate(ctx context.Context, prefix key.Key, refetchActive bool) error {
	if err := c.requireMounted("invalidate"); err != nil {
		return err
	}
	return c.invalidator.Invalidate(ctx, prefix, refetchActive)
}

// CancelFetch aborts the in-flight fetch for k, if any.
func (c *Client) CancelFetch(k key.Key) bool {
	return c.fetcher.Cancel(k)
}

// PauseFetches suppresses and cancels fetches under prefix; call before
// applying an optimistic edit.
func (c *Client) PauseFetches(prefix key.Key) error {
	return c.fetcher.PauseFetches(prefix)
}

// ResumeFetches lifts a PauseFetches suppression.
func (c *Client) ResumeFetches(prefix key.Key) error {
	return c.fetcher.ResumeFetches(prefix)
}

// Remove drops the entry for k entirely.
func (c *Client) Remove(k key.Key) bool {
	removed := c.store.Delete(k)
	if removed {
		c.metrics.SetEntries(c.store.Len())
	}
	return removed
}

// Clear drops every entry and listener registration.
func (c *Client) Clear() {
	c.store.Clear()
	c.metrics.SetEntries(0)
}

// SetOnline flips the connectivity flag. Going online resumes paused
// fetches and replays queued mutations.
func (c *Client) SetOnline(online bool) {
	c.conn.SetOnline(online)
}

// IsOnline reports the connectivity flag.
func (c *Client) IsOnline() bool {
	return c.conn.IsOnline()
}

// Stats summarizes store activity.
func (c *Client) Stats() types.CacheStats {
	return c.store.Stats()
}

// Registry returns the Prometheus registry for scraping, or nil when
// metrics are disabled.
func (c *Client) Registry() *prometheus.Registry {
	return c.metrics.Registry()
}
