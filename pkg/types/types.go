// Package types defines the shared data model of the cache engine: entry
// state enums, snapshots, per-entry options, and statistics.
package types

import (
	"time"

	"github.com/asyncache/asyncache/pkg/key"
)

// Status reflects whether data exists for an entry and whether the last
// attempt failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FetchStatus reflects producer-invocation activity, independent of Status.
type FetchStatus string

const (
	FetchIdle   FetchStatus = "idle"
	FetchActive FetchStatus = "fetching"
	FetchPaused FetchStatus = "paused"
)

// NetworkMode controls how fetches and mutations behave while offline.
type NetworkMode string

const (
	// NetworkOnline defers producer invocation while offline and resumes
	// automatically on reconnect. This is the default.
	NetworkOnline NetworkMode = "online"

	// NetworkAlways invokes producers regardless of connectivity.
	NetworkAlways NetworkMode = "always"

	// NetworkOfflineFirst attempts the first invocation regardless of
	// connectivity but pauses retries while offline.
	NetworkOfflineFirst NetworkMode = "offlineFirst"
)

// Snapshot is an immutable view of one cache entry.
type Snapshot struct {
	Key         key.Key
	Canonical   string
	Status      Status
	FetchStatus FetchStatus

	// Data is the last successfully produced value, nil if absent.
	Data any

	// Err is the last failure, nil if absent. Cleared on next success.
	Err error

	DataUpdatedAt  time.Time
	ErrorUpdatedAt time.Time

	// Stale reports whether the entry has been invalidated or its data age
	// exceeds its stale time. Stale data is still servable.
	Stale bool

	FailureCount  int
	FailureReason error
	ObserverCount int
}

// HasData reports whether the snapshot carries a successfully produced value.
func (s Snapshot) HasData() bool {
	return s.Status == StatusSuccess
}

// Snapshot field names used by observers for tracked-field change
// suppression.
const (
	FieldStatus      = "status"
	FieldFetchStatus = "fetchStatus"
	FieldData        = "data"
	FieldError       = "error"
	FieldStale       = "stale"
	FieldFailure     = "failureCount"
)

// Options are the per-entry configuration knobs. Zero values mean "use the
// client default".
type Options struct {
	// StaleTime is the duration after which data is considered stale. Zero
	// uses the client default; a negative value forces immediate staleness
	// even when the default is non-zero.
	StaleTime time.Duration `yaml:"stale_time"`

	// GCTime is the idle duration after which an entry with no observers
	// is evicted. Values <= 0 use the client default (5 minutes).
	GCTime time.Duration `yaml:"gc_time"`

	// MaxRetries caps producer retries after the initial failure. Negative
	// disables retries; zero uses the client default (3).
	MaxRetries int `yaml:"max_retries"`

	// ShouldRetry overrides the retry decision per failure.
	ShouldRetry func(failureCount int, err error) bool `yaml:"-"`

	// RetryDelay overrides the backoff delay per failure.
	RetryDelay func(failureCount int, err error) time.Duration `yaml:"-"`

	// NetworkMode controls offline behavior. Empty uses the client default.
	NetworkMode NetworkMode `yaml:"network_mode"`

	// DisableStructuralSharing turns off reuse of the previous data
	// reference when a refetch produces a structurally identical value.
	DisableStructuralSharing bool `yaml:"disable_structural_sharing"`
}

// CacheStats summarizes store activity.
type CacheStats struct {
	Entries       int     `json:"entries"`
	ActiveEntries int     `json:"active_entries"`
	Hits          uint64  `json:"hits"`
	Fetches       uint64  `json:"fetches"`
	DedupJoins    uint64  `json:"dedup_joins"`
	Evictions     uint64  `json:"evictions"`
	Invalidations uint64  `json:"invalidations"`
	HitRate       float64 `json:"hit_rate"`
}
