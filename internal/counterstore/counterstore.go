// Package counterstore implements the §6 "Counter store" external interface:
// a shared, multi-writer place to keep the soft rate-limit counters the
// wake subsystem guards against (cooldown timestamps, per-agent/day and
// per-pair/day counts). Two implementations share the interface: a
// Redis-backed one for multi-process deployments and an in-memory one for
// tests and single-process operation.
package counterstore

import (
	"context"
	"time"
)

// Store is the narrow interface the wake subsystem consumes. Increment
// returns the counter's value *after* incrementing, matching Redis INCR
// semantics, so callers can implement increment-then-check-then-rollback
// without a separate read.
type Store interface {
	// Increment adds 1 to key, setting ttl as the key's expiry only if the
	// key did not already exist (first increment establishes the window).
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decrement subtracts 1 from key; used to roll back an Increment when a
	// guardrail rejects the action the counter was provisionally tracking.
	Decrement(ctx context.Context, key string) (int64, error)
	// Get returns the current value of key, or 0 if it doesn't exist.
	Get(ctx context.Context, key string) (int64, error)
	// SetTimestamp stores an opaque timestamp value (epoch ms) with ttl, used for
	// the cooldown guardrail's "last wake at" marker.
	SetTimestamp(ctx context.Context, key string, at time.Time, ttl time.Duration) error
	// GetTimestamp returns the stored timestamp, or the zero time if unset.
	GetTimestamp(ctx context.Context, key string) (time.Time, error)
}
