package store

import (
	"time"

	"github.com/asyncache/asyncache/pkg/key"
	"github.com/asyncache/asyncache/pkg/types"
)

// entry is the unit of cached state for one key. It is owned exclusively by
// the Store and mutated only through Store.Apply.
type entry struct {
	key       key.Key
	canonical string

	status      types.Status
	fetchStatus types.FetchStatus

	data any
	err  error

	createdAt      time.Time
	dataUpdatedAt  time.Time
	errorUpdatedAt time.Time

	// invalidated marks the entry stale regardless of data age.
	invalidated bool

	failureCount  int
	failureReason error

	// opts are fully resolved: the client applies its defaults before the
	// entry reaches the store.
	opts types.Options

	// producer is the most recent async producer bound to this key. Kept so
	// invalidation can force a refetch without the original caller present.
	producer types.Producer

	observerCount int
	lastDetached  time.Time

	// generation stamps the fetch attempt whose result may still be
	// applied. Results carrying an older generation are discarded.
	generation uint64

	// fetchesPaused suppresses new producer invocations for this key while
	// a conflicting optimistic mutation is in progress.
	fetchesPaused bool
}

// isStale reports the derived staleness flag: invalidated, never-successful,
// or data older than the entry's stale time.
func (e *entry) isStale(now time.Time) bool {
	if e.status != types.StatusSuccess {
		return true
	}
	if e.invalidated {
		return true
	}
	return now.Sub(e.dataUpdatedAt) >= e.opts.StaleTime
}

// snapshot builds an immutable view of the entry.
func (e *entry) snapshot(now time.Time) types.Snapshot {
	return types.Snapshot{
		Key:            e.key,
		Canonical:      e.canonical,
		Status:         e.status,
		FetchStatus:    e.fetchStatus,
		Data:           e.data,
		Err:            e.err,
		DataUpdatedAt:  e.dataUpdatedAt,
		ErrorUpdatedAt: e.errorUpdatedAt,
		Stale:          e.isStale(now),
		FailureCount:   e.failureCount,
		FailureReason:  e.failureReason,
		ObserverCount:  e.observerCount,
	}
}
