// Package lease stores concurrency slots on the coordination store.
// Each scope holds a sorted set of lease IDs scored by expiry, so every
// granted slot is reclaimed on its own schedule; a crashed holder costs
// capacity for at most one TTL regardless of ongoing traffic.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/kailas-cloud/aigate/internal/domain"
)

// store is the consumer interface for slot operations (ISP).
type store interface {
	ZAddPrune(ctx context.Context, key, member string, min, score int64, ttl time.Duration) (int64, error)
	ZRem(ctx context.Context, key, member string) (bool, error)
}

// Store grants and revokes per-scope slots. The per-slot expiry is the
// correctness backstop: a holder that never releases stops counting
// once its score passes.
type Store struct {
	store store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a lease store. ttl must exceed the longest provider call.
func New(s store, ttl time.Duration) *Store {
	return &Store{store: s, ttl: ttl, now: time.Now}
}

func slotKey(scope domain.Scope) string {
	return domain.KeyPrefix + "conc:" + string(scope)
}

// Grant records the lease in the scope's slot set and returns how many
// live slots the scope now holds. Expired slots are pruned in the same
// atomic step, so the count never includes abandoned holders.
func (s *Store) Grant(ctx context.Context, scope domain.Scope, id string) (int64, error) {
	key := slotKey(scope)
	now := s.now()
	n, err := s.store.ZAddPrune(ctx, key, id, now.UnixMilli(), now.Add(s.ttl).UnixMilli(), s.ttl)
	if err != nil {
		return 0, fmt.Errorf("slot grant %s: %w", key, err)
	}
	return n, nil
}

// Revoke drops the lease from the scope's slot set. Revoking a slot
// that already expired or was never granted is a no-op, which is what
// makes release idempotent.
func (s *Store) Revoke(ctx context.Context, scope domain.Scope, id string) error {
	key := slotKey(scope)
	if _, err := s.store.ZRem(ctx, key, id); err != nil {
		return fmt.Errorf("slot revoke %s: %w", key, err)
	}
	return nil
}
