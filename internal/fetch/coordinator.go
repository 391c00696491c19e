// Package fetch implements the fetch coordinator: it decides whether a
// key's data needs refreshing and orchestrates at most one producer
// invocation per key at a time, with retries, offline pausing, and
// generation-based discard of superseded results.
package fetch

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/asyncache/asyncache/internal/connectivity"
	"github.com/asyncache/asyncache/internal/metrics"
	"github.com/asyncache/asyncache/internal/store"
	"github.com/asyncache/asyncache/pkg/errors"
	"github.com/asyncache/asyncache/pkg/key"
	"github.com/asyncache/asyncache/pkg/log"
	"github.com/asyncache/asyncache/pkg/retry"
	"github.com/asyncache/asyncache/pkg/types"
)

// call is one in-flight producer invocation. Concurrent callers for the
// same key share a single call and observe the same resolution.
type call struct {
	done       chan struct{}
	data       any
	err        error
	generation uint64
	cancel     context.CancelFunc
}

// Coordinator guarantees at most one in-flight producer invocation per key.
type Coordinator struct {
	store   *store.Store
	conn    *connectivity.Manager
	metrics *metrics.Collector
	logger  *log.Logger

	// backoff carries the engine-level retry timing; per-entry options
	// override attempts, predicate, and delay.
	backoff retry.Config

	mu       sync.Mutex
	inflight map[string]*call
}

// New creates a fetch coordinator.
func New(s *store.Store, conn *connectivity.Manager, collector *metrics.Collector, logger *log.Logger, backoff retry.Config) *Coordinator {
	if logger == nil {
		logger = log.Discard()
	}
	return &Coordinator{
		store:    s,
		conn:     conn,
		metrics:  collector,
		logger:   logger.WithFields(log.F("component", "fetch")),
		backoff:  backoff,
		inflight: make(map[string]*call),
	}
}

// EnsureFresh returns fresh data for k, invoking producer only when the
// entry is stale or force is set. Concurrent callers for the same key share
// one producer invocation. opts must arrive fully resolved.
//
// The producer runs detached from ctx: a caller abandoning its wait does
// not abort the fetch (work already done is preserved). Use Cancel for
// explicit cancellation.
func (c *Coordinator) EnsureFresh(ctx context.Context, k key.Key, producer types.Producer, opts types.Options, force bool) (any, error) {
	snap, err := c.store.Get(k, opts, producer)
	if err != nil {
		return nil, err
	}
	canonical := snap.Canonical

	if producer == nil {
		producer = c.store.Producer(canonical)
		if producer == nil {
			return nil, errors.NewError(errors.ErrCodeInvalidState,
				"no producer bound to key").WithKey(canonical).WithOperation("ensure_fresh")
		}
	}

	c.mu.Lock()
	if existing, ok := c.inflight[canonical]; ok {
		c.mu.Unlock()
		c.store.RecordDedupJoin()
		c.metrics.DedupJoin()
		return c.await(ctx, existing)
	}

	// Freshness check happens under the coordinator lock so a concurrent
	// starter cannot slip between the check and the in-flight registration.
	snap, _ = c.store.SnapshotCanonical(canonical)
	if !force && snap.Status == types.StatusSuccess && !snap.Stale {
		c.mu.Unlock()
		c.store.RecordHit()
		c.metrics.Hit()
		return snap.Data, nil
	}

	// Fetches for this key are suppressed while a conflicting optimistic
	// mutation is in progress.
	if c.store.FetchesPaused(canonical) {
		c.mu.Unlock()
		return snap.Data, nil
	}

	generation := c.store.NextGeneration()
	fetchCtx, cancel := context.WithCancel(context.Background())
	cl := &call{
		done:       make(chan struct{}),
		generation: generation,
		cancel:     cancel,
	}
	c.inflight[canonical] = cl
	c.mu.Unlock()

	fetching := types.FetchActive
	c.store.Apply(canonical, store.Change{
		FetchStatus: &fetching,
		Generation:  &generation,
	})
	c.store.RecordFetch()
	c.metrics.FetchStarted()

	go c.run(fetchCtx, cl, canonical, k, producer, opts)

	return c.await(ctx, cl)
}

// await blocks until the shared call resolves or ctx is done. Abandoning
// the wait leaves the fetch running.
func (c *Coordinator) await(ctx context.Context, cl *call) (any, error) {
	select {
	case <-ctx.Done():
		return nil, errors.NewError(errors.ErrCodeFetchCanceled,
			"caller detached before fetch resolved").WithCause(ctx.Err())
	case <-cl.done:
		return cl.data, cl.err
	}
}

// run executes one producer invocation with retry, pause, and generation
// accounting, then resolves the shared call.
func (c *Coordinator) run(ctx context.Context, cl *call, canonical string, k key.Key, producer types.Producer, opts types.Options) {
	data, err := c.invoke(ctx, cl, canonical, k, producer, opts)

	switch {
	case err == nil:
		success := types.StatusSuccess
		idle := types.FetchIdle
		_, applied := c.store.Apply(canonical, store.Change{
			RequireGeneration: &cl.generation,
			Status:            &success,
			FetchStatus:       &idle,
			SetData:           true,
			Data:              data,
			SetError:          true,
			Err:               nil,
			SetFailure:        true, // resets retry bookkeeping
		})
		if !applied {
			c.metrics.GenerationDropped()
			c.logger.Debug("discarded superseded fetch result", log.F("key", canonical))
		} else {
			c.metrics.FetchSucceeded()
		}

	case errors.IsCanceled(err) || stderrors.Is(err, context.Canceled):
		// Cancellation is neither success nor failure: the entry reverts
		// to its pre-fetch status; only fetch activity is reset.
		idle := types.FetchIdle
		c.store.Apply(canonical, store.Change{
			RequireGeneration: &cl.generation,
			FetchStatus:       &idle,
		})
		err = errors.NewError(errors.ErrCodeFetchCanceled, "fetch canceled").
			WithKey(canonical).WithCause(err)

	default:
		failure := types.StatusError
		idle := types.FetchIdle
		snap, _ := c.store.SnapshotCanonical(canonical)
		_, applied := c.store.Apply(canonical, store.Change{
			RequireGeneration: &cl.generation,
			Status:            &failure,
			FetchStatus:       &idle,
			SetError:          true,
			Err:               err,
			SetFailure:        true,
			FailureCount:      snap.FailureCount + 1,
			FailureReason:     err,
		})
		if !applied {
			c.metrics.GenerationDropped()
		} else {
			c.metrics.FetchFailed()
			c.logger.Warn("fetch failed", log.F("key", canonical), log.F("error", err.Error()))
		}
	}

	c.mu.Lock()
	if c.inflight[canonical] == cl {
		delete(c.inflight, canonical)
	}
	c.mu.Unlock()

	cl.data = data
	cl.err = err
	close(cl.done)
}

// invoke runs the producer through the retry policy, pausing while offline
// according to the entry's network mode.
func (c *Coordinator) invoke(ctx context.Context, cl *call, canonical string, k key.Key, producer types.Producer, opts types.Options) (any, error) {
	cfg := c.backoff
	switch {
	case opts.MaxRetries < 0:
		cfg.MaxAttempts = 1
	case opts.MaxRetries > 0:
		cfg.MaxAttempts = opts.MaxRetries + 1
	}
	if opts.ShouldRetry != nil {
		cfg.ShouldRetry = opts.ShouldRetry
	}
	if opts.RetryDelay != nil {
		cfg.DelayFn = opts.RetryDelay
	}
	cfg.OnRetry = func(failureCount int, err error, _ time.Duration) {
		c.metrics.Retry()
		c.store.Apply(canonical, store.Change{
			RequireGeneration: &cl.generation,
			SetFailure:        true,
			FailureCount:      failureCount,
			FailureReason:     err,
		})
	}

	var data any
	attempt := 0
	doErr := retry.New(cfg).DoWithContext(ctx, func(ctx context.Context) error {
		attempt++
		if err := c.maybePause(ctx, canonical, cl.generation, opts.NetworkMode, attempt); err != nil {
			return err
		}
		result, err := producer(ctx, k)
		if err != nil {
			return errors.NewError(errors.ErrCodeProducerFailed, "producer rejected").
				WithKey(canonical).WithCause(err)
		}
		data = result
		return nil
	})
	return data, doErr
}

// maybePause defers the attempt until connectivity returns, per network
// mode: "online" pauses every attempt, "offlineFirst" lets the first
// attempt through and pauses retries, "always" never pauses.
func (c *Coordinator) maybePause(ctx context.Context, canonical string, generation uint64, mode types.NetworkMode, attempt int) error {
	shouldPause := false
	switch mode {
	case types.NetworkAlways:
	case types.NetworkOfflineFirst:
		shouldPause = attempt > 1 && !c.conn.IsOnline()
	default: // online
		shouldPause = !c.conn.IsOnline()
	}
	if !shouldPause {
		return nil
	}

	paused := types.FetchPaused
	c.store.Apply(canonical, store.Change{
		RequireGeneration: &generation,
		FetchStatus:       &paused,
	})
	c.metrics.FetchPaused()
	c.logger.Debug("fetch paused offline", log.F("key", canonical))

	if err := c.conn.WaitOnline(ctx); err != nil {
		return errors.NewError(errors.ErrCodeFetchCanceled, "canceled while paused offline").
			WithCause(err)
	}

	fetching := types.FetchActive
	c.store.Apply(canonical, store.Change{
		RequireGeneration: &generation,
		FetchStatus:       &fetching,
	})
	return nil
}

// Cancel aborts the in-flight fetch for k, if any. The entry's fetch
// status resets to idle without writing data or error; a late resolution
// from a producer that ignores its context is discarded by the generation
// guard.
func (c *Coordinator) Cancel(k key.Key) bool {
	canonical, err := k.Canonical()
	if err != nil {
		return false
	}
	return c.CancelCanonical(canonical)
}

// CancelCanonical aborts the in-flight fetch at the canonical key, if any.
// The call is deregistered immediately so the next EnsureFresh starts a
// fresh attempt instead of joining the cancelled one, and the entry's
// generation is restamped so the cancelled attempt's eventual resolution
// fails every conditional write.
func (c *Coordinator) CancelCanonical(canonical string) bool {
	c.mu.Lock()
	cl, ok := c.inflight[canonical]
	if ok {
		delete(c.inflight, canonical)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	generation := c.store.NextGeneration()
	idle := types.FetchIdle
	c.store.Apply(canonical, store.Change{
		Generation:  &generation,
		FetchStatus: &idle,
	})
	cl.cancel()
	return true
}

// PauseFetches suppresses new producer invocations and cancels in-flight
// ones for every key matching the prefix. Callers use this before applying
// an optimistic mutation so a stale background response cannot overwrite
// the optimistic write.
func (c *Coordinator) PauseFetches(prefix key.Key) error {
	matches, err := c.store.MatchPrefix(prefix)
	if err != nil {
		return err
	}
	for _, k := range matches {
		canonical, cerr := k.Canonical()
		if cerr != nil {
			continue
		}
		c.store.SetFetchesPaused(canonical, true)
		c.CancelCanonical(canonical)
	}
	return nil
}

// ResumeFetches lifts the suppression set by PauseFetches. It does not
// trigger refetches; reconciliation is the mutation's settle hook's job.
func (c *Coordinator) ResumeFetches(prefix key.Key) error {
	matches, err := c.store.MatchPrefix(prefix)
	if err != nil {
		return err
	}
	for _, k := range matches {
		canonical, cerr := k.Canonical()
		if cerr != nil {
			continue
		}
		c.store.SetFetchesPaused(canonical, false)
	}
	return nil
}

// InFlight reports the number of keys with an active producer invocation.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
