// Package mutation implements the mutation coordinator: side-effecting
// write-producers with lifecycle hooks, optimistic rollback, and an offline
// queue replayed in issue order on reconnect.
package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/asyncache/asyncache/internal/connectivity"
	"github.com/asyncache/asyncache/internal/metrics"
	"github.com/asyncache/asyncache/pkg/errors"
	"github.com/asyncache/asyncache/pkg/key"
	"github.com/asyncache/asyncache/pkg/log"
	"github.com/asyncache/asyncache/pkg/types"
)

// Status is a mutation record's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaused  Status = "paused"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Rollback undoes the optimistic cache edit made by an OnMutate hook.
type Rollback func()

// Options configure one mutate call. Fn is required; everything else is
// optional. Mutations are never retried automatically.
type Options struct {
	// MutationKey labels the mutation for cross-mutation coordination and
	// logging. It is not a cache key; nothing is stored under it.
	MutationKey key.Key

	// Fn is the write producer.
	Fn types.MutationFn

	// OnMutate runs before Fn, typically applying an optimistic cache edit.
	// Its returned Rollback (may be nil) is invoked if Fn fails. An OnMutate
	// error aborts the mutation before Fn runs; OnError and OnSettled still
	// fire with the abort error.
	OnMutate func(ctx context.Context, input any) (Rollback, error)

	// OnSuccess runs after Fn resolves, before OnSettled.
	OnSuccess func(ctx context.Context, result any, input any) error

	// OnError runs after the rollback (if any) when Fn rejects.
	OnError func(ctx context.Context, err error, input any) error

	// OnSettled always runs last, success or failure. Conventionally it
	// triggers invalidation to reconcile against authoritative state.
	OnSettled func(ctx context.Context, result any, err error, input any) error

	// NetworkMode controls offline behavior. The default ("online") queues
	// the mutation while offline; "always" and "offlineFirst" execute
	// immediately since mutations have no retry phase to pause.
	NetworkMode types.NetworkMode
}

// Record identifies one in-flight or settled mutation.
type Record struct {
	ID          uuid.UUID
	MutationKey key.Key
	SubmittedAt time.Time

	mu     sync.Mutex
	status Status
}

// Status returns the record's current lifecycle state.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Record) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// pending is one queued offline mutation awaiting replay.
type pending struct {
	rec      *Record
	ctx      context.Context
	input    any
	opts     Options
	rollback Rollback

	mu       sync.Mutex
	taken    bool // claimed by replay or by cancellation
	done     chan struct{}
	result   any
	err      error
}

// claim marks the pending mutation as owned by exactly one finisher.
func (p *pending) claim() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taken {
		return false
	}
	p.taken = true
	return true
}

func (p *pending) resolve(result any, err error) {
	p.result = result
	p.err = err
	close(p.done)
}

// Coordinator executes mutations and owns the offline queue.
type Coordinator struct {
	conn    *connectivity.Manager
	metrics *metrics.Collector
	logger  *log.Logger

	mu    sync.Mutex
	queue []*pending

	unsubscribe func()
}

// New creates a mutation coordinator wired to connectivity transitions:
// going online replays the queue.
func New(conn *connectivity.Manager, collector *metrics.Collector, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Discard()
	}
	c := &Coordinator{
		conn:    conn,
		metrics: collector,
		logger:  logger.WithFields(log.F("component", "mutation")),
	}
	c.unsubscribe = conn.Subscribe(func(online bool) {
		if online {
			c.replay()
		}
	})
	return c
}

// Close detaches the coordinator from connectivity transitions. Queued
// mutations stay queued; a later explicit replay is not possible, so close
// only after draining.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// QueueDepth reports the number of mutations waiting for connectivity.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Mutate runs one mutation through its full lifecycle and blocks until it
// settles. The optimistic edit (OnMutate) always happens synchronously
// before Fn starts, even when the mutation is then queued offline.
func (c *Coordinator) Mutate(ctx context.Context, input any, opts Options) (any, error) {
	if opts.Fn == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			"mutation requires a write producer").WithOperation("mutate")
	}
	mode := opts.NetworkMode
	if mode == "" {
		mode = types.NetworkOnline
	}

	rec := &Record{
		ID:          uuid.New(),
		MutationKey: opts.MutationKey,
		SubmittedAt: time.Now(),
		status:      StatusPending,
	}

	var rollback Rollback
	if opts.OnMutate != nil {
		rb, err := opts.OnMutate(ctx, input)
		if err != nil {
			// Fn never ran and no optimistic edit survives, but the error
			// lifecycle still fires so callers settle uniformly.
			mErr := errors.NewError(errors.ErrCodeMutationFailed,
				"onMutate hook rejected").WithOperation("mutate").WithCause(err)
			if opts.OnError != nil {
				if herr := opts.OnError(ctx, mErr, input); herr != nil {
					c.logger.Warn("onError hook failed", log.F("error", herr.Error()))
				}
			}
			rec.setStatus(StatusError)
			c.metrics.MutationFailed()
			c.settle(ctx, opts, nil, mErr, input)
			return nil, mErr
		}
		rollback = rb
	}

	if mode == types.NetworkOnline && !c.conn.IsOnline() {
		return c.enqueue(ctx, rec, input, opts, rollback)
	}
	return c.execute(ctx, rec, input, opts, rollback)
}

// execute runs Fn and the post hooks. Hook errors are logged, never
// propagated; the mutation's outcome is Fn's outcome.
func (c *Coordinator) execute(ctx context.Context, rec *Record, input any, opts Options, rollback Rollback) (any, error) {
	result, err := opts.Fn(ctx, input)
	if err != nil {
		mErr := errors.NewError(errors.ErrCodeMutationFailed,
			"write producer rejected").WithOperation("mutate").WithCause(err)
		if rollback != nil {
			rollback()
			c.metrics.Rollback()
		}
		if opts.OnError != nil {
			if herr := opts.OnError(ctx, mErr, input); herr != nil {
				c.logger.Warn("onError hook failed", log.F("error", herr.Error()))
			}
		}
		rec.setStatus(StatusError)
		c.metrics.MutationFailed()
		c.settle(ctx, opts, nil, mErr, input)
		return nil, mErr
	}

	if opts.OnSuccess != nil {
		if herr := opts.OnSuccess(ctx, result, input); herr != nil {
			c.logger.Warn("onSuccess hook failed", log.F("error", herr.Error()))
		}
	}
	rec.setStatus(StatusSuccess)
	c.metrics.MutationSucceeded()
	c.settle(ctx, opts, result, nil, input)
	return result, nil
}

func (c *Coordinator) settle(ctx context.Context, opts Options, result any, err error, input any) {
	if opts.OnSettled == nil {
		return
	}
	if herr := opts.OnSettled(ctx, result, err, input); herr != nil {
		c.logger.Warn("onSettled hook failed", log.F("error", herr.Error()))
	}
}

// enqueue parks the mutation until connectivity returns, then waits for its
// replay to settle. A caller abandoning the wait cancels the queued
// mutation: its optimistic edit is rolled back and the error hooks fire.
func (c *Coordinator) enqueue(ctx context.Context, rec *Record, input any, opts Options, rollback Rollback) (any, error) {
	p := &pending{
		rec:      rec,
		ctx:      ctx,
		input:    input,
		opts:     opts,
		rollback: rollback,
		done:     make(chan struct{}),
	}
	rec.setStatus(StatusPaused)

	c.mu.Lock()
	c.queue = append(c.queue, p)
	depth := len(c.queue)
	c.mu.Unlock()
	c.metrics.SetOfflineQueueDepth(depth)
	c.logger.Debug("mutation queued offline", log.F("id", rec.ID.String()), log.F("depth", depth))

	// Connectivity may have returned between the offline check and the
	// append; a replay started by that transition has already drained or
	// will drain this entry, but a transition completed before the append
	// would strand it. Re-check.
	if c.conn.IsOnline() {
		c.replay()
	}

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		if p.claim() {
			cErr := errors.NewError(errors.ErrCodeMutationFailed,
				"canceled while queued offline").WithOperation("mutate").WithCause(ctx.Err())
			if rollback != nil {
				rollback()
				c.metrics.Rollback()
			}
			if opts.OnError != nil {
				if herr := opts.OnError(ctx, cErr, input); herr != nil {
					c.logger.Warn("onError hook failed", log.F("error", herr.Error()))
				}
			}
			rec.setStatus(StatusError)
			c.metrics.MutationFailed()
			c.settle(ctx, opts, nil, cErr, input)
			return nil, cErr
		}
		// Replay claimed it first; its settlement is imminent.
		<-p.done
		return p.result, p.err
	}
}

// replay drains the queue and executes every queued mutation. Invocation
// starts strictly in original call order; the calls themselves run
// concurrently.
func (c *Coordinator) replay() {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	c.metrics.SetOfflineQueueDepth(0)
	c.logger.Info("replaying offline mutations", log.F("count", len(batch)))

	go func() {
		var g errgroup.Group
		for _, p := range batch {
			if !p.claim() {
				continue // canceled while queued
			}
			p := p
			started := make(chan struct{})
			g.Go(func() error {
				close(started)
				result, err := c.execute(p.ctx, p.rec, p.input, p.opts, p.rollback)
				p.resolve(result, err)
				return err
			})
			// Start order is the issue order.
			<-started
		}
		if err := g.Wait(); err != nil {
			c.logger.Warn("offline replay finished with failures", log.F("first_error", err.Error()))
		}
	}()
}
