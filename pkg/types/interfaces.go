package types

import (
	"context"

	"github.com/asyncache/asyncache/pkg/key"
)

// Producer is the asynchronous read contract supplied by the caller per key.
// It must return an error to signal failure and should honor ctx for
// cooperative cancellation (best-effort). Callers are contractually required
// to include every producer input parameter as a key segment; the engine
// cannot verify this.
type Producer func(ctx context.Context, k key.Key) (any, error)

// MutationFn is the side-effecting write contract. Mutations are not assumed
// idempotent and are never retried automatically.
type MutationFn func(ctx context.Context, input any) (any, error)

// OnChange is the consumer notification contract. It receives the entry
// snapshot current at notification time; consumers re-read via the observer
// for later state.
type OnChange func(Snapshot)
