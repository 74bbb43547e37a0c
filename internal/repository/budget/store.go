// Package budget implements usage-window counters on the coordination
// store (INCRBY + EXPIRE NX, GET).
package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kailas-cloud/aigate/internal/db"
	"github.com/kailas-cloud/aigate/internal/domain"
)

// store is the consumer interface for budget operations (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	IncrBy(ctx context.Context, key string, val int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error
}

// Store keeps one pair of counters (tokens, calls) per budget window.
// Windows are never reset: a new window key starts at zero and old keys
// are garbage-collected by their TTL.
type Store struct {
	store     store
	dailyTTL  time.Duration
	weeklyTTL time.Duration
}

// New creates a budget store.
// dailyTTL covers daily windows (recommended: 48h).
// weeklyTTL covers ISO-week windows (recommended: 9 days).
func New(s store, dailyTTL, weeklyTTL time.Duration) *Store {
	return &Store{
		store:     s,
		dailyTTL:  dailyTTL,
		weeklyTTL: weeklyTTL,
	}
}

func windowKey(scope domain.Scope, period domain.Period, window, unit string) string {
	return fmt.Sprintf("%sbudget:%s:%s:%s:%s", domain.KeyPrefix, scope, period, window, unit)
}

// IncrTokens atomically adjusts the token counter of one window and
// returns the new total. Negative deltas are allowed (commit adjustment,
// rollback).
func (s *Store) IncrTokens(
	ctx context.Context, scope domain.Scope, period domain.Period, window string, n int64,
) (int64, error) {
	return s.incr(ctx, windowKey(scope, period, window, "tokens"), period, n)
}

// IncrCalls atomically adjusts the call counter of one window and
// returns the new total.
func (s *Store) IncrCalls(
	ctx context.Context, scope domain.Scope, period domain.Period, window string, n int64,
) (int64, error) {
	return s.incr(ctx, windowKey(scope, period, window, "calls"), period, n)
}

// Tokens returns the current token usage of one window (0 if unseen).
func (s *Store) Tokens(
	ctx context.Context, scope domain.Scope, period domain.Period, window string,
) (int64, error) {
	return s.get(ctx, windowKey(scope, period, window, "tokens"))
}

// Calls returns the current call usage of one window (0 if unseen).
func (s *Store) Calls(
	ctx context.Context, scope domain.Scope, period domain.Period, window string,
) (int64, error) {
	return s.get(ctx, windowKey(scope, period, window, "calls"))
}

func (s *Store) incr(ctx context.Context, key string, period domain.Period, n int64) (int64, error) {
	val, err := s.store.IncrBy(ctx, key, n)
	if err != nil {
		return 0, fmt.Errorf("budget INCRBY %s: %w", key, err)
	}

	// Set TTL only if the key has no expiry yet (NX, not reset on repeat).
	ttl := s.dailyTTL
	if period == domain.PeriodWeekly {
		ttl = s.weeklyTTL
	}
	if err := s.store.Expire(ctx, key, ttl, true); err != nil {
		return val, fmt.Errorf("budget EXPIRE %s: %w", key, err)
	}
	return val, nil
}

func (s *Store) get(ctx context.Context, key string) (int64, error) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("budget GET %s: %w", key, err)
	}

	val, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("budget GET %s parse: %w", key, err)
	}
	return val, nil
}
