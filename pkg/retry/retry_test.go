package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/asyncache/asyncache/pkg/errors"
)

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// TestRetryer_SucceedsAfterFailures tests recovery within the attempt budget
func TestRetryer_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := New(fastConfig(4)).Do(func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient %d", calls)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

// TestRetryer_Exhaustion tests that attempts are capped and the terminal
// error carries RETRY_EXHAUSTED with the last failure as cause
func TestRetryer_Exhaustion(t *testing.T) {
	calls := 0
	last := fmt.Errorf("always failing")
	err := New(fastConfig(4)).Do(func() error {
		calls++
		return last
	})
	if calls != 4 {
		t.Errorf("expected 4 attempts (3 retries), got %d", calls)
	}
	if errors.CodeOf(err) != errors.ErrCodeRetryExhausted {
		t.Errorf("expected RETRY_EXHAUSTED, got %v", err)
	}
	if !stderrors.Is(err, last) {
		t.Error("terminal error should wrap the last failure")
	}
}

// TestRetryer_ShouldRetryPredicate tests the custom predicate path
func TestRetryer_ShouldRetryPredicate(t *testing.T) {
	calls := 0
	cfg := fastConfig(5)
	cfg.ShouldRetry = func(failureCount int, err error) bool {
		return failureCount < 2 // allow exactly one retry
	}
	err := New(cfg).Do(func() error {
		calls++
		return fmt.Errorf("nope")
	})
	if calls != 2 {
		t.Errorf("expected 2 calls with predicate limiting retries, got %d", calls)
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

// TestRetryer_NonRetryableEngineError tests that engine errors flagged
// non-retryable stop immediately
func TestRetryer_NonRetryableEngineError(t *testing.T) {
	calls := 0
	err := New(fastConfig(4)).Do(func() error {
		calls++
		return errors.NewError(errors.ErrCodeMutationFailed, "not idempotent")
	})
	if calls != 1 {
		t.Errorf("expected single attempt for non-retryable error, got %d", calls)
	}
	if errors.CodeOf(err) != errors.ErrCodeMutationFailed {
		t.Errorf("expected original error returned, got %v", err)
	}
}

// TestRetryer_ContextCancellation tests cancellation during backoff
func TestRetryer_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastConfig(4)
	// Both knobs must be raised: delay() caps at MaxDelay.
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- New(cfg).DoWithContext(ctx, func(context.Context) error {
			calls++
			return fmt.Errorf("fail then wait")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.IsCanceled(err) {
			t.Errorf("expected FETCH_CANCELED, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 attempt, got %d", calls)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retryer did not observe cancellation")
	}
}

// TestRetryer_DelayFn tests the custom delay function path
func TestRetryer_DelayFn(t *testing.T) {
	var delays []time.Duration
	cfg := fastConfig(3)
	cfg.DelayFn = func(failureCount int, err error) time.Duration {
		return time.Duration(failureCount) * time.Millisecond
	}
	cfg.OnRetry = func(failureCount int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	_ = New(cfg).Do(func() error { return fmt.Errorf("x") })

	if len(delays) != 2 {
		t.Fatalf("expected 2 retry delays, got %d", len(delays))
	}
	if delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("unexpected delays: %v", delays)
	}
}

// TestRetryer_DefaultBackoffCapped tests the exponential progression and cap
func TestRetryer_DefaultBackoffCapped(t *testing.T) {
	r := New(Config{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	})

	tests := []struct {
		failureCount int
		want         time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second}, // capped (would be 32s)
		{9, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := r.delay(tt.failureCount, nil); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.failureCount, got, tt.want)
		}
	}
}
