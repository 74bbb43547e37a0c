// Package db defines the coordination-store contract shared by every
// gateway component. All mutations are expressed as atomic operations
// (increment, compare-and-set) so they stay correct with many writer
// processes on one store.
package db

import (
	"context"
	"time"
)

// Store is the coordination-store facade. Consumers use narrow
// sub-interfaces (ISP); the facade exists for wiring in main.
type Store interface {
	Pinger
	KVStore
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KVStore provides the atomic key-value operations the gateway builds on.
type KVStore interface {
	// Get returns the raw value, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes the key and reports whether it existed.
	Del(ctx context.Context, key string) (bool, error)
	// IncrBy atomically adds val and returns the resulting value.
	// A missing key counts as zero.
	IncrBy(ctx context.Context, key string, val int64) (int64, error)
	// Expire sets a TTL. When nx is true the TTL is set only if the key
	// has no expiry yet (EXPIRE NX).
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error
	// CompareAndSet atomically replaces the value only if the current
	// value equals expected. A nil expected means "set only if absent".
	// Returns false without error when the comparison failed.
	CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)
	// ZAddPrune atomically drops sorted-set members scored at or below
	// min, adds member at score, refreshes the key TTL, and returns the
	// resulting set size.
	ZAddPrune(ctx context.Context, key, member string, min, score int64, ttl time.Duration) (int64, error)
	// ZRem removes member from the sorted set, reporting whether it was
	// present.
	ZRem(ctx context.Context, key, member string) (bool, error)
}
