// Package store implements the entry store: the single source of truth for
// cache entries and the only component permitted to mutate them. Every write
// flows through Apply, which performs exactly one synchronous listener
// fan-out per call.
package store

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/asyncache/asyncache/pkg/key"
	"github.com/asyncache/asyncache/pkg/types"
)

// Listener receives the post-write snapshot and the set of snapshot fields
// whose values changed in that write.
type Listener func(snap types.Snapshot, changed map[string]bool)

// Change is a shallow partial update: nil/unset fields leave the entry
// unchanged. Timestamps are maintained automatically when data or error are
// set.
type Change struct {
	Status      *types.Status
	FetchStatus *types.FetchStatus

	// SetData controls whether Data is applied (Data may legitimately be
	// nil).
	SetData bool
	Data    any

	// SetError controls whether Err is applied; a nil Err clears the error.
	SetError bool
	Err      error

	Invalidated *bool

	// SetFailure applies the transient retry bookkeeping.
	SetFailure    bool
	FailureCount  int
	FailureReason error

	// Generation restamps the entry's current fetch generation.
	Generation *uint64

	// RequireGeneration makes the change conditional: it is discarded
	// unless the entry's generation matches. Used to drop results of
	// superseded fetch attempts.
	RequireGeneration *uint64
}

// Store is the mapping from canonical key to cache entry.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	listeners map[string]map[int]Listener
	nextID    int

	generation atomic.Uint64

	// counters
	hits          atomic.Uint64
	fetches       atomic.Uint64
	dedupJoins    atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries:   make(map[string]*entry),
		listeners: make(map[string]map[int]Listener),
		now:       time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get returns the entry snapshot for k, lazily creating the entry in
// pending/idle state. opts must arrive fully resolved; producer, when
// non-nil, is recorded as the key's refetch producer. Never returns an
// absent entry for a serializable key.
func (s *Store) Get(k key.Key, opts types.Options, producer types.Producer) (types.Snapshot, error) {
	canonical, err := k.Canonical()
	if err != nil {
		return types.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[canonical]
	if !ok {
		ent = &entry{
			key:         k,
			canonical:   canonical,
			status:      types.StatusPending,
			fetchStatus: types.FetchIdle,
			opts:        opts,
			createdAt:   s.now(),
		}
		s.entries[canonical] = ent
	} else {
		ent.opts = opts
	}
	if producer != nil {
		ent.producer = producer
	}
	return ent.snapshot(s.now()), nil
}

// Snapshot returns the current view of k's entry, if present.
func (s *Store) Snapshot(k key.Key) (types.Snapshot, bool) {
	canonical, err := k.Canonical()
	if err != nil {
		return types.Snapshot{}, false
	}
	return s.SnapshotCanonical(canonical)
}

// SnapshotCanonical returns the current view of the entry at the canonical
// key, if present.
func (s *Store) SnapshotCanonical(canonical string) (types.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entries[canonical]
	if !ok {
		return types.Snapshot{}, false
	}
	return ent.snapshot(s.now()), true
}

// Apply merges ch into the entry at canonical and fans out exactly one
// notification to the key's listeners. It reports whether the change was
// applied; a missing entry or failed generation requirement yields false.
func (s *Store) Apply(canonical string, ch Change) (types.Snapshot, bool) {
	s.mu.Lock()

	ent, ok := s.entries[canonical]
	if !ok {
		s.mu.Unlock()
		return types.Snapshot{}, false
	}
	if ch.RequireGeneration != nil && ent.generation != *ch.RequireGeneration {
		s.mu.Unlock()
		return types.Snapshot{}, false
	}

	now := s.now()
	before := ent.snapshot(now)

	if ch.Generation != nil {
		ent.generation = *ch.Generation
	}
	if ch.Status != nil {
		ent.status = *ch.Status
	}
	if ch.FetchStatus != nil {
		ent.fetchStatus = *ch.FetchStatus
	}
	if ch.SetData {
		next := ch.Data
		if !ent.opts.DisableStructuralSharing &&
			before.Status == types.StatusSuccess &&
			structurallyEqual(ent.data, next) {
			// Keep the previous reference so downstream identity checks
			// remain stable across refetches of identical content.
			next = ent.data
		}
		ent.data = next
		ent.dataUpdatedAt = now
		ent.invalidated = false
	}
	if ch.SetError {
		ent.err = ch.Err
		if ch.Err != nil {
			ent.errorUpdatedAt = now
		}
	}
	if ch.Invalidated != nil {
		ent.invalidated = *ch.Invalidated
	}
	if ch.SetFailure {
		ent.failureCount = ch.FailureCount
		ent.failureReason = ch.FailureReason
	}

	after := ent.snapshot(now)
	changed := diffSnapshots(before, after)

	var fns []Listener
	for _, fn := range s.listeners[canonical] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	// Synchronous fan-out, completed before Apply returns.
	for _, fn := range fns {
		fn(after, changed)
	}
	return after, true
}

// Delete removes the entry entirely. An in-flight producer for the key is
// not cancelled here, but its eventual result is ignored because the entry
// (and its generation) are gone.
func (s *Store) Delete(k key.Key) bool {
	canonical, err := k.Canonical()
	if err != nil {
		return false
	}
	return s.DeleteCanonical(canonical)
}

// DeleteCanonical removes the entry at the canonical key.
func (s *Store) DeleteCanonical(canonical string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[canonical]; !ok {
		return false
	}
	delete(s.entries, canonical)
	return true
}

// Clear removes every entry and listener registration.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
	s.listeners = make(map[string]map[int]Listener)
}

// MatchPrefix returns the keys of all entries whose key has prefix as a
// segment-prefix, the exact match (if any) first and the remainder ordered
// by canonical string for deterministic iteration.
func (s *Store) MatchPrefix(prefix key.Key) ([]key.Key, error) {
	prefixCanonical, err := prefix.Canonical()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	type match struct {
		canonical string
		k         key.Key
	}
	var exact *match
	var rest []match
	for canonical, ent := range s.entries {
		ok, perr := key.IsPrefixOf(prefix, ent.key)
		if perr != nil || !ok {
			continue
		}
		if canonical == prefixCanonical {
			exact = &match{canonical, ent.key}
			continue
		}
		rest = append(rest, match{canonical, ent.key})
	}
	s.mu.RUnlock()

	sort.Slice(rest, func(i, j int) bool { return rest[i].canonical < rest[j].canonical })

	var out []key.Key
	if exact != nil {
		out = append(out, exact.k)
	}
	for _, m := range rest {
		out = append(out, m.k)
	}
	return out, nil
}

// MatchFunc returns the keys of all entries whose snapshot satisfies pred,
// ordered by canonical string.
func (s *Store) MatchFunc(pred func(types.Snapshot) bool) []key.Key {
	s.mu.RLock()
	now := s.now()
	type match struct {
		canonical string
		k         key.Key
	}
	var matches []match
	for canonical, ent := range s.entries {
		if pred(ent.snapshot(now)) {
			matches = append(matches, match{canonical, ent.key})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].canonical < matches[j].canonical })
	out := make([]key.Key, len(matches))
	for i, m := range matches {
		out[i] = m.k
	}
	return out
}

// Listen registers a listener for the canonical key and returns its id.
func (s *Store) Listen(canonical string, fn Listener) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.listeners[canonical] == nil {
		s.listeners[canonical] = make(map[int]Listener)
	}
	s.listeners[canonical][id] = fn
	return id
}

// Unlisten removes a listener registration. Safe to call repeatedly.
func (s *Store) Unlisten(canonical string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.listeners[canonical]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.listeners, canonical)
		}
	}
}

// AddObserver increments the observer count for the canonical key and
// returns the new count.
func (s *Store) AddObserver(canonical string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[canonical]
	if !ok {
		return 0
	}
	ent.observerCount++
	return ent.observerCount
}

// RemoveObserver decrements the observer count, recording the detach time
// when it reaches zero (the GC idle clock starts then).
func (s *Store) RemoveObserver(canonical string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[canonical]
	if !ok {
		return 0
	}
	if ent.observerCount > 0 {
		ent.observerCount--
	}
	if ent.observerCount == 0 {
		ent.lastDetached = s.now()
	}
	return ent.observerCount
}

// ExpiredIdle returns the canonical keys of entries with no observers whose
// idle time exceeds their gc time as of now. Idle time is measured from the
// latest of last observer detach, last data write, and last error write;
// entries with none of those are measured from creation, so never-fetched
// and error-only entries still expire.
func (s *Store) ExpiredIdle(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for canonical, ent := range s.entries {
		if ent.observerCount > 0 {
			continue
		}
		idleSince := ent.createdAt
		for _, t := range []time.Time{ent.lastDetached, ent.dataUpdatedAt, ent.errorUpdatedAt} {
			if t.After(idleSince) {
				idleSince = t
			}
		}
		if now.Sub(idleSince) >= ent.opts.GCTime {
			out = append(out, canonical)
		}
	}
	sort.Strings(out)
	return out
}

// NextGeneration returns a fresh monotonically increasing fetch generation.
func (s *Store) NextGeneration() uint64 {
	return s.generation.Add(1)
}

// Generation returns the entry's current fetch generation.
func (s *Store) Generation(canonical string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.entries[canonical]
	if !ok {
		return 0, false
	}
	return ent.generation, true
}

// Producer returns the refetch producer recorded for the canonical key.
func (s *Store) Producer(canonical string) types.Producer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ent, ok := s.entries[canonical]; ok {
		return ent.producer
	}
	return nil
}

// Options returns the resolved per-entry options.
func (s *Store) Options(canonical string) (types.Options, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ent, ok := s.entries[canonical]; ok {
		return ent.opts, true
	}
	return types.Options{}, false
}

// SetFetchesPaused toggles the per-key fetch suppression flag used while a
// conflicting optimistic mutation is in flight.
func (s *Store) SetFetchesPaused(canonical string, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.entries[canonical]; ok {
		ent.fetchesPaused = paused
	}
}

// FetchesPaused reports the per-key fetch suppression flag.
func (s *Store) FetchesPaused(canonical string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ent, ok := s.entries[canonical]; ok {
		return ent.fetchesPaused
	}
	return false
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RecordHit counts a read served from fresh cached data.
func (s *Store) RecordHit() { s.hits.Add(1) }

// RecordFetch counts a started producer invocation.
func (s *Store) RecordFetch() { s.fetches.Add(1) }

// RecordDedupJoin counts a caller attached to an existing in-flight fetch.
func (s *Store) RecordDedupJoin() { s.dedupJoins.Add(1) }

// RecordEviction counts a GC eviction.
func (s *Store) RecordEviction() { s.evictions.Add(1) }

// RecordInvalidation counts an entry marked stale by the invalidation engine.
func (s *Store) RecordInvalidation() { s.invalidations.Add(1) }

// Stats summarizes store activity.
func (s *Store) Stats() types.CacheStats {
	s.mu.RLock()
	entries := len(s.entries)
	active := 0
	for _, ent := range s.entries {
		if ent.observerCount > 0 {
			active++
		}
	}
	s.mu.RUnlock()

	stats := types.CacheStats{
		Entries:       entries,
		ActiveEntries: active,
		Hits:          s.hits.Load(),
		Fetches:       s.fetches.Load(),
		DedupJoins:    s.dedupJoins.Load(),
		Evictions:     s.evictions.Load(),
		Invalidations: s.invalidations.Load(),
	}
	total := stats.Hits + stats.Fetches
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// structurallyEqual compares two data values with go-cmp. Values containing
// unexported fields make cmp panic; those are treated as unequal so the new
// reference wins.
func structurallyEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return cmp.Equal(a, b)
}

// diffSnapshots computes the set of observable fields whose values differ.
func diffSnapshots(before, after types.Snapshot) map[string]bool {
	changed := make(map[string]bool)
	if before.Status != after.Status {
		changed[types.FieldStatus] = true
	}
	if before.FetchStatus != after.FetchStatus {
		changed[types.FieldFetchStatus] = true
	}
	if !sameData(before.Data, after.Data) {
		changed[types.FieldData] = true
	}
	if !sameError(before.Err, after.Err) {
		changed[types.FieldError] = true
	}
	if before.Stale != after.Stale {
		changed[types.FieldStale] = true
	}
	if before.FailureCount != after.FailureCount {
		changed[types.FieldFailure] = true
	}
	return changed
}

// sameData is an identity-or-primitive-equality check: structural sharing
// guarantees reference stability for unchanged data, so reference identity
// suffices for slices, maps, and pointers. Uncomparable values fall back to
// "changed".
func sameData(a, b any) (same bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		return false
	}
	switch ra.Kind() {
	case reflect.Slice:
		return ra.Pointer() == rb.Pointer() && ra.Len() == rb.Len()
	case reflect.Map, reflect.Ptr, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Error() == b.Error()
}
