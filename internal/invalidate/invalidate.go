// Package invalidate implements prefix invalidation and the garbage
// collector that evicts idle entries.
package invalidate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asyncache/asyncache/internal/fetch"
	"github.com/asyncache/asyncache/internal/metrics"
	"github.com/asyncache/asyncache/internal/store"
	"github.com/asyncache/asyncache/pkg/key"
	"github.com/asyncache/asyncache/pkg/log"
)

// Engine marks entries stale by key prefix and refetches the active ones.
type Engine struct {
	store   *store.Store
	fetcher *fetch.Coordinator
	metrics *metrics.Collector
	logger  *log.Logger
}

// NewEngine creates an invalidation engine.
func NewEngine(s *store.Store, fetcher *fetch.Coordinator, collector *metrics.Collector, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Discard()
	}
	return &Engine{
		store:   s,
		fetcher: fetcher,
		metrics: collector,
		logger:  logger.WithFields(log.F("component", "invalidate")),
	}
}

// Invalidate marks every entry matching prefix as stale. Active entries
// (observerCount > 0) are additionally refetched in parallel when
// refetchActive is set, using each entry's recorded producer; inactive
// entries refresh lazily on their next subscribe. Invalidate returns after
// all triggered refetches settle; refetch failures land in entry state and
// are not returned.
func (e *Engine) Invalidate(ctx context.Context, prefix key.Key, refetchActive bool) error {
	matches, err := e.store.MatchPrefix(prefix)
	if err != nil {
		return err
	}

	stale := true
	var g errgroup.Group
	for _, k := range matches {
		canonical, cerr := k.Canonical()
		if cerr != nil {
			continue
		}
		snap, applied := e.store.Apply(canonical, store.Change{Invalidated: &stale})
		if !applied {
			continue
		}
		e.store.RecordInvalidation()
		e.metrics.Invalidation()

		if !refetchActive || snap.ObserverCount == 0 {
			continue
		}
		producer := e.store.Producer(canonical)
		if producer == nil {
			continue
		}
		opts, _ := e.store.Options(canonical)
		k := k
		g.Go(func() error {
			if _, ferr := e.fetcher.EnsureFresh(ctx, k, producer, opts, true); ferr != nil {
				e.logger.Debug("invalidation refetch failed",
					log.F("key", canonical), log.F("error", ferr.Error()))
			}
			return nil
		})
	}
	return g.Wait()
}

// Sweeper periodically evicts entries that have been idle (no observers)
// longer than their gc time.
type Sweeper struct {
	store    *store.Store
	fetcher  *fetch.Coordinator
	metrics  *metrics.Collector
	logger   *log.Logger
	interval time.Duration

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	active bool
}

// NewSweeper creates a GC sweeper running at the given interval. Intervals
// <= 0 fall back to one minute.
func NewSweeper(s *store.Store, fetcher *fetch.Coordinator, collector *metrics.Collector, logger *log.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = log.Discard()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    s,
		fetcher:  fetcher,
		metrics:  collector,
		logger:   logger.WithFields(log.F("component", "gc")),
		interval: interval,
	}
}

// Start launches the sweep loop. Safe to call once; repeated calls while
// running are no-ops.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

// Stop halts the sweep loop and waits for the in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

func (s *Sweeper) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.sweepAt(now)
		}
	}
}

// Sweep runs one eviction pass immediately and returns the number of
// entries evicted.
func (s *Sweeper) Sweep() int {
	return s.sweepAt(time.Now())
}

func (s *Sweeper) sweepAt(now time.Time) int {
	expired := s.store.ExpiredIdle(now)
	evicted := 0
	for _, canonical := range expired {
		// An entry resubscribed between the scan and the delete is rare
		// but real; re-check before evicting.
		snap, ok := s.store.SnapshotCanonical(canonical)
		if !ok || snap.ObserverCount > 0 {
			continue
		}
		s.fetcher.CancelCanonical(canonical)
		if s.store.DeleteCanonical(canonical) {
			evicted++
			s.store.RecordEviction()
			s.metrics.Eviction()
		}
	}
	if evicted > 0 {
		s.metrics.SetEntries(s.store.Len())
		s.logger.Debug("gc sweep evicted entries", log.F("count", evicted))
	}
	return evicted
}
