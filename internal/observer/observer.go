// Package observer implements consumer subscriptions on top of the store's
// listener fan-out: tracked-field suppression, data projection via Select,
// and the subscribe-triggers-refresh behavior.
package observer

import (
	"context"
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/asyncache/asyncache/internal/fetch"
	"github.com/asyncache/asyncache/internal/metrics"
	"github.com/asyncache/asyncache/internal/store"
	"github.com/asyncache/asyncache/pkg/key"
	"github.com/asyncache/asyncache/pkg/log"
	"github.com/asyncache/asyncache/pkg/types"
)

// Options configure one subscription, independent of the entry's own options.
type Options struct {
	// TrackFields restricts notifications to changes of the named snapshot
	// fields (types.Field* constants). Empty tracks every field.
	TrackFields []string

	// Select projects the entry's data before delivery and before change
	// comparison: a data write whose projection is unchanged does not
	// notify. The projection must be a pure function of its input.
	Select func(data any) any

	// OnChange receives the post-write snapshot for every non-suppressed
	// change.
	OnChange types.OnChange
}

// Manager creates and tears down subscriptions.
type Manager struct {
	store   *store.Store
	fetcher *fetch.Coordinator
	metrics *metrics.Collector
	logger  *log.Logger
}

// NewManager creates an observer manager.
func NewManager(s *store.Store, fetcher *fetch.Coordinator, collector *metrics.Collector, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Discard()
	}
	return &Manager{
		store:   s,
		fetcher: fetcher,
		metrics: collector,
		logger:  logger.WithFields(log.F("component", "observer")),
	}
}

// Subscription is one live observer registration. Unsubscribe is idempotent.
type Subscription struct {
	mgr        *Manager
	key        key.Key
	canonical  string
	opts       Options
	listenerID int
	once       sync.Once

	mu            sync.Mutex
	lastProjected any
	haveProjected bool
}

// Subscribe registers an observer for k, marks the entry active, and kicks a
// background refresh when the entry lacks fresh data. entryOpts must arrive
// fully resolved. The subscription's OnChange starts firing with the next
// store write; the current state is available immediately via Snapshot.
func (m *Manager) Subscribe(k key.Key, producer types.Producer, entryOpts types.Options, opts Options) (*Subscription, error) {
	snap, err := m.store.Get(k, entryOpts, producer)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		mgr:       m,
		key:       k,
		canonical: snap.Canonical,
		opts:      opts,
	}
	if opts.Select != nil && snap.Status == types.StatusSuccess {
		sub.lastProjected = opts.Select(snap.Data)
		sub.haveProjected = true
	}

	sub.listenerID = m.store.Listen(snap.Canonical, sub.handle)
	m.store.AddObserver(snap.Canonical)
	m.metrics.ObserverAttached()

	// An observer wants live data: refresh in the background unless the
	// entry is already fresh. EnsureFresh itself performs the freshness
	// check and dedup, so firing unconditionally is safe but wasteful;
	// the stale check here just avoids goroutine churn on hot keys.
	if snap.Status != types.StatusSuccess || snap.Stale {
		go func() {
			if _, err := m.fetcher.EnsureFresh(context.Background(), k, producer, entryOpts, false); err != nil {
				m.logger.Debug("background refresh failed",
					log.F("key", snap.Canonical), log.F("error", err.Error()))
			}
		}()
	}

	return sub, nil
}

// handle is the store listener: it applies projection and tracked-field
// suppression, then delivers.
func (s *Subscription) handle(snap types.Snapshot, changed map[string]bool) {
	if s.opts.OnChange == nil {
		return
	}

	projected := snap.Data
	if s.opts.Select != nil {
		if snap.Status == types.StatusSuccess {
			projected = s.opts.Select(snap.Data)
		} else {
			projected = nil
		}
	}

	effective := changed
	if s.opts.Select != nil && changed[types.FieldData] {
		s.mu.Lock()
		same := s.haveProjected && projectionEqual(s.lastProjected, projected)
		s.lastProjected = projected
		s.haveProjected = snap.Status == types.StatusSuccess
		s.mu.Unlock()
		if same {
			effective = make(map[string]bool, len(changed))
			for f := range changed {
				if f != types.FieldData {
					effective[f] = true
				}
			}
		}
	}

	if !s.interested(effective) {
		return
	}

	snap.Data = projected
	s.opts.OnChange(snap)
}

// interested reports whether the effective changed set intersects the
// tracked fields. An empty changed set never notifies.
func (s *Subscription) interested(changed map[string]bool) bool {
	if len(changed) == 0 {
		return false
	}
	if len(s.opts.TrackFields) == 0 {
		return true
	}
	for _, f := range s.opts.TrackFields {
		if changed[f] {
			return true
		}
	}
	return false
}

// Snapshot returns the entry's current state with the subscription's
// projection applied.
func (s *Subscription) Snapshot() (types.Snapshot, bool) {
	snap, ok := s.mgr.store.SnapshotCanonical(s.canonical)
	if !ok {
		return types.Snapshot{}, false
	}
	if s.opts.Select != nil {
		if snap.Status == types.StatusSuccess {
			snap.Data = s.opts.Select(snap.Data)
		} else {
			snap.Data = nil
		}
	}
	return snap, true
}

// Key returns the subscribed key.
func (s *Subscription) Key() key.Key {
	return s.key
}

// Unsubscribe tears the registration down. The first call decrements the
// entry's observer count (starting its GC idle clock at zero); later calls
// are no-ops.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mgr.store.Unlisten(s.canonical, s.listenerID)
		s.mgr.store.RemoveObserver(s.canonical)
		s.mgr.metrics.ObserverDetached()
	})
}

// projectionEqual compares projected values structurally. Unexported fields
// make cmp panic; those count as changed.
func projectionEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return cmp.Equal(a, b)
}
