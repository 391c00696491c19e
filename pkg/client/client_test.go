package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncache/asyncache/pkg/config"
	"github.com/asyncache/asyncache/pkg/errors"
	"github.com/asyncache/asyncache/pkg/key"
	"github.com/asyncache/asyncache/pkg/types"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Logging.Level = "OFF"
	cfg.Metrics.Enabled = false
	cfg.GC.Enabled = false
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Retry.Jitter = false

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Mount())
	t.Cleanup(func() { _ = c.Unmount() })
	return c
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Defaults.NetworkMode = "sometimes"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestOperationsRequireMount(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Logging.Level = "OFF"
	cfg.Metrics.Enabled = false
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), key.New("x"), nil, FetchOptions{})
	assert.Equal(t, errors.ErrCodeNotMounted, errors.CodeOf(err))

	_, err = c.Mutate(context.Background(), nil, MutateOptions{})
	assert.Equal(t, errors.ErrCodeNotMounted, errors.CodeOf(err))

	err = c.Invalidate(context.Background(), key.New("x"), true)
	assert.Equal(t, errors.ErrCodeNotMounted, errors.CodeOf(err))
}

func TestMountUnmountIdempotent(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Logging.Level = "OFF"
	cfg.Metrics.Enabled = false
	c, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, c.Mount())
	require.NoError(t, c.Mount())
	require.NoError(t, c.Unmount())
	require.NoError(t, c.Unmount())

	// Remount works.
	require.NoError(t, c.Mount())
	_, err = c.Fetch(context.Background(), key.New("alive"), func(ctx context.Context, k key.Key) (any, error) {
		return "ok", nil
	}, FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Unmount())
}

// Scenario: two back-to-back fetches for the same key share one producer
// call and resolve to identical data.
func TestFetch_Dedup(t *testing.T) {
	c := newTestClient(t)
	k := key.New("book", "42")

	var calls atomic.Int64
	release := make(chan struct{})
	fetchBook := func(ctx context.Context, k key.Key) (any, error) {
		calls.Add(1)
		<-release
		return map[string]string{"title": "Moby Dick"}, nil
	}

	var wg sync.WaitGroup
	results := make([]any, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Fetch(context.Background(), k, fetchBook, FetchOptions{})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "exactly one network call")
	assert.Equal(t, results[0], results[1])
	// Structural sharing applies within one resolution too: both callers
	// share the same reference.
	assert.NotNil(t, results[0])
}

// Scenario: staleTime=5s; a subscribe at t=3s does not refetch, a
// subscribe at t=6s does.
func TestSubscribe_StaleTimeWindow(t *testing.T) {
	c := newTestClient(t)
	k := key.New("repos", map[string]any{"sort": "id"})
	opts := types.Options{StaleTime: 5 * time.Second}

	base := time.Now()
	clock := base
	c.store.SetClock(func() time.Time { return clock })

	var calls atomic.Int64
	producer := func(ctx context.Context, k key.Key) (any, error) {
		return calls.Add(1), nil
	}

	// t=0: initial fetch.
	_, err := c.Fetch(context.Background(), k, producer, FetchOptions{Options: opts})
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	// t=3s: fresh, subscribing must not refetch.
	clock = base.Add(3 * time.Second)
	sub, err := c.Subscribe(k, producer, opts, ObserveOptions{})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "fresh subscribe refetched")
	sub.Unsubscribe()

	// t=6s: stale, subscribing refetches.
	clock = base.Add(6 * time.Second)
	sub, err = c.Subscribe(k, producer, opts, ObserveOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 2 },
		time.Second, 5*time.Millisecond, "stale subscribe did not refetch")
	sub.Unsubscribe()
}

// Scenario: a configured default stale time applies to entries that leave
// StaleTime unset, and a negative per-entry value opts back into immediate
// staleness.
func TestFetch_ConfiguredDefaultStaleTime(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Logging.Level = "OFF"
	cfg.Metrics.Enabled = false
	cfg.GC.Enabled = false
	cfg.Defaults.StaleTime = time.Hour

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Mount())
	t.Cleanup(func() { _ = c.Unmount() })

	k := key.New("defaulted")
	var calls atomic.Int64
	producer := func(ctx context.Context, k key.Key) (any, error) {
		return calls.Add(1), nil
	}

	_, err = c.Fetch(context.Background(), k, producer, FetchOptions{})
	require.NoError(t, err)
	// Within the default window: a cache hit, not a refetch.
	_, err = c.Fetch(context.Background(), k, producer, FetchOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load(), "default stale time not applied")

	// Negative StaleTime overrides the default with immediate staleness.
	eager := key.New("eager")
	_, err = c.Fetch(context.Background(), eager, producer, FetchOptions{Options: types.Options{StaleTime: -1}})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), eager, producer, FetchOptions{Options: types.Options{StaleTime: -1}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load(), "negative stale time did not force refetch")
}

// Scenario: an optimistic edit is rolled back when the write producer
// rejects; post-settlement state equals pre-mutation state.
func TestMutate_RollbackLaw(t *testing.T) {
	c := newTestClient(t)
	k := key.New("todos", "42")

	_, err := c.SetData(k, map[string]any{"id": "42", "done": false}, types.Options{})
	require.NoError(t, err)

	_, err = c.Mutate(context.Background(), map[string]string{"id": "42"}, MutateOptions{
		MutationKey: key.New("todos", "toggle"),
		OnMutate: func(ctx context.Context, input any) (Rollback, error) {
			prev, _ := c.GetData(k)
			_ = c.PauseFetches(key.New("todos"))
			_, serr := c.SetData(k, map[string]any{"id": "42", "done": true}, types.Options{})
			if serr != nil {
				return nil, serr
			}
			return func() {
				_, _ = c.SetData(k, prev, types.Options{})
			}, nil
		},
		Fn: func(ctx context.Context, input any) (any, error) {
			return nil, fmt.Errorf("server rejected")
		},
		OnSettled: func(ctx context.Context, result any, err error, input any) error {
			return c.ResumeFetches(key.New("todos"))
		},
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeMutationFailed, errors.CodeOf(err))

	data, ok := c.GetData(k)
	require.True(t, ok)
	assert.Equal(t, false, data.(map[string]any)["done"], "rollback law violated")
}

// Scenario: prefix invalidation refetches the active entry immediately,
// only marks the inactive one stale, and leaves non-matching keys alone.
func TestInvalidate_ActiveInactiveSplit(t *testing.T) {
	c := newTestClient(t)

	activeKey := key.New("todos", "list", map[string]any{"sort": "id"})
	inactiveKey := key.New("todos", "list", map[string]any{"sort": "title"})
	detailKey := key.New("todos", "detail", "1")

	var activeCalls, inactiveCalls, detailCalls atomic.Int64
	counting := func(n *atomic.Int64) types.Producer {
		return func(ctx context.Context, k key.Key) (any, error) {
			return n.Add(1), nil
		}
	}
	opts := types.Options{StaleTime: time.Hour}

	_, err := c.Fetch(context.Background(), activeKey, counting(&activeCalls), FetchOptions{Options: opts})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), inactiveKey, counting(&inactiveCalls), FetchOptions{Options: opts})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), detailKey, counting(&detailCalls), FetchOptions{Options: opts})
	require.NoError(t, err)

	sub, err := c.Subscribe(activeKey, counting(&activeCalls), opts, ObserveOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, c.Invalidate(context.Background(), key.New("todos", "list"), true))

	assert.EqualValues(t, 2, activeCalls.Load(), "active entry refetched exactly once")
	assert.EqualValues(t, 1, inactiveCalls.Load(), "inactive entry fetched again")
	assert.EqualValues(t, 1, detailCalls.Load(), "non-matching entry touched")

	inactiveSnap, ok := c.Snapshot(inactiveKey)
	require.True(t, ok)
	assert.True(t, inactiveSnap.Stale, "inactive entry not marked stale")

	// The stale inactive entry refetches on its next subscribe.
	sub2, err := c.Subscribe(inactiveKey, counting(&inactiveCalls), opts, ObserveOptions{})
	require.NoError(t, err)
	defer sub2.Unsubscribe()
	require.Eventually(t, func() bool { return inactiveCalls.Load() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestFetch_RethrowOptIn(t *testing.T) {
	c := newTestClient(t)
	k := key.New("fails")
	opts := types.Options{MaxRetries: -1}

	boom := func(ctx context.Context, k key.Key) (any, error) {
		return nil, fmt.Errorf("boom")
	}

	// Default: failure is reported through entry state, not the return.
	data, err := c.Fetch(context.Background(), k, boom, FetchOptions{Options: opts})
	assert.NoError(t, err)
	assert.Nil(t, data)
	snap, ok := c.Snapshot(k)
	require.True(t, ok)
	assert.Equal(t, types.StatusError, snap.Status)
	assert.Error(t, snap.Err)

	// Rethrow: the terminal error reaches the caller.
	_, err = c.Fetch(context.Background(), k, boom, FetchOptions{Options: opts, Force: true, Rethrow: true})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRetryExhausted, errors.CodeOf(err))
}

// Stale-while-revalidate: a failing refetch keeps the previously fetched
// data and surfaces the error alongside it.
func TestFetch_ErrorKeepsOldData(t *testing.T) {
	c := newTestClient(t)
	k := key.New("swr")
	opts := types.Options{MaxRetries: -1}

	fail := false
	producer := func(ctx context.Context, k key.Key) (any, error) {
		if fail {
			return nil, fmt.Errorf("down")
		}
		return "good", nil
	}

	_, err := c.Fetch(context.Background(), k, producer, FetchOptions{Options: opts})
	require.NoError(t, err)

	fail = true
	data, err := c.Fetch(context.Background(), k, producer, FetchOptions{Options: opts, Force: true})
	assert.NoError(t, err)
	assert.Equal(t, "good", data, "old data must survive a failed refetch")

	snap, _ := c.Snapshot(k)
	assert.Equal(t, types.StatusError, snap.Status)
	assert.Equal(t, "good", snap.Data)
	assert.Error(t, snap.Err)
}

func TestSetDataGetDataRemove(t *testing.T) {
	c := newTestClient(t)
	k := key.New("direct")

	_, ok := c.GetData(k)
	assert.False(t, ok)

	snap, err := c.SetData(k, 41, types.Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, snap.Status)

	data, ok := c.GetData(k)
	require.True(t, ok)
	assert.Equal(t, 41, data)

	assert.True(t, c.Remove(k))
	assert.False(t, c.Remove(k))
	_, ok = c.GetData(k)
	assert.False(t, ok)
}

func TestOfflineRoundTrip(t *testing.T) {
	c := newTestClient(t)
	k := key.New("offline", "entry")

	assert.True(t, c.IsOnline())
	c.SetOnline(false)
	assert.False(t, c.IsOnline())

	var calls atomic.Int64
	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), k, func(ctx context.Context, k key.Key) (any, error) {
			calls.Add(1)
			return "back", nil
		}, FetchOptions{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		snap, ok := c.Snapshot(k)
		return ok && snap.FetchStatus == types.FetchPaused
	}, time.Second, 5*time.Millisecond, "fetch never paused offline")
	assert.EqualValues(t, 0, calls.Load())

	c.SetOnline(true)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, calls.Load())
}

func TestStats(t *testing.T) {
	c := newTestClient(t)
	opts := types.Options{StaleTime: time.Hour}

	producer := func(ctx context.Context, k key.Key) (any, error) { return "v", nil }
	_, err := c.Fetch(context.Background(), key.New("a"), producer, FetchOptions{Options: opts})
	require.NoError(t, err)
	// Second call is a hit.
	_, err = c.Fetch(context.Background(), key.New("a"), producer, FetchOptions{Options: opts})
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.EqualValues(t, 1, stats.Fetches)
	assert.EqualValues(t, 1, stats.Hits)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)

	c.Clear()
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestRegistry(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Logging.Level = "OFF"
	cfg.GC.Enabled = false
	c, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, c.Registry(), "metrics enabled by default")

	cfg2 := config.NewDefault()
	cfg2.Logging.Level = "OFF"
	cfg2.Metrics.Enabled = false
	c2, err := New(cfg2)
	require.NoError(t, err)
	assert.Nil(t, c2.Registry())
}
