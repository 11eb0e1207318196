// Package counter provides the shared atomic counter store backing run
// completion tracking.
package counter

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("counter not found")

// Store is a key-value store of integer counters with atomic increments and
// expiry. It is the only mutable shared state outside the collaborator
// services; every mutation is an atomic increment, set, or delete.
type Store interface {
	// Increment atomically adds delta to the counter and returns the new
	// value. A missing counter starts at zero.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Set writes the counter with a time-to-live. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error

	// Get returns the counter value, or ErrNotFound.
	Get(ctx context.Context, key string) (int64, error)

	// Delete removes the given counters. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	Close() error
}
