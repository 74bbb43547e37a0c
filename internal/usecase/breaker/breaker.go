// Package breaker is a per-scope circuit breaker whose state lives in
// the coordination store, so every process sees the same picture of a
// failing provider. All transitions go through compare-and-set.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/aigate/internal/db"
	"github.com/kailas-cloud/aigate/internal/domain"
	"github.com/kailas-cloud/aigate/internal/metrics"
)

// store is the consumer interface for breaker state (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)
}

// State names, persisted in the state blob.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// stateTTL keeps stale per-scope state from accumulating forever.
const stateTTL = 24 * time.Hour

// casAttempts bounds the CAS retry loop under writer contention.
const casAttempts = 4

type state struct {
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Successes int    `json:"successes"`
	OpenedAt  int64  `json:"opened_at,omitempty"` // unix seconds
	Trial     bool   `json:"trial,omitempty"`     // half-open trial in flight
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it.
	SuccessThreshold int
	// Cooldown is the minimum time the breaker stays open.
	Cooldown time.Duration
}

// Breaker guards one or more scopes. A store failure never blocks
// traffic: checks fail open and recordings are dropped.
type Breaker struct {
	store  store
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// New creates a breaker.
func New(s store, cfg Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		store:  s,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

func key(scope domain.Scope) string {
	return domain.KeyPrefix + "breaker:" + string(scope)
}

// Allow reports whether a call to scope may proceed. While half-open it
// admits exactly one trial call; concurrent callers are rejected as if
// the breaker were still open. trial is true when this caller claimed
// the trial slot and must settle it with RecordSuccess, RecordFailure,
// or ReleaseTrial.
func (b *Breaker) Allow(ctx context.Context, scope domain.Scope) (allowed, trial bool) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		st, raw, err := b.load(ctx, scope)
		if err != nil {
			b.logger.Warn("Breaker state unreadable; allowing call",
				zap.String("scope", string(scope)), zap.Error(err))
			return true, false
		}
		if raw == nil {
			return true, false // no state yet: closed
		}

		switch st.State {
		case StateClosed:
			return true, false

		case StateOpen:
			if b.now().Unix()-st.OpenedAt < int64(b.cfg.Cooldown.Seconds()) {
				return false, false
			}
			// Cool-down elapsed: move to half-open and claim the trial.
			next := state{State: StateHalfOpen, Trial: true}
			ok, err := b.swap(ctx, scope, raw, next)
			if err != nil {
				return true, false
			}
			if ok {
				metrics.BreakerTransitionsTotal.WithLabelValues(string(scope), StateHalfOpen).Inc()
				return true, true
			}
			// Lost the race; re-read.

		case StateHalfOpen:
			if st.Trial {
				return false, false
			}
			next := st
			next.Trial = true
			ok, err := b.swap(ctx, scope, raw, next)
			if err != nil {
				return true, false
			}
			if ok {
				return true, true
			}

		default:
			return true, false
		}
	}
	// Persistent contention means other writers are transitioning this
	// scope; reject rather than risk a second trial.
	return false, false
}

// ReleaseTrial returns an unused trial claim so a later caller can be
// admitted. Called when an admitted trial exits without a provider
// outcome to report; otherwise the half-open scope would reject all
// traffic until the state blob expires.
func (b *Breaker) ReleaseTrial(ctx context.Context, scope domain.Scope) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		st, raw, err := b.load(ctx, scope)
		if err != nil || raw == nil {
			return
		}
		if st.State != StateHalfOpen || !st.Trial {
			return // an outcome already settled the trial
		}

		next := st
		next.Trial = false
		ok, err := b.swap(ctx, scope, raw, next)
		if err != nil || ok {
			return
		}
	}
}

// RecordSuccess feeds a successful provider outcome into the state machine.
func (b *Breaker) RecordSuccess(ctx context.Context, scope domain.Scope) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		st, raw, err := b.load(ctx, scope)
		if err != nil || raw == nil {
			return
		}

		var next state
		switch st.State {
		case StateClosed:
			if st.Failures == 0 {
				return
			}
			next = state{State: StateClosed}

		case StateHalfOpen:
			succ := st.Successes + 1
			if succ >= b.cfg.SuccessThreshold {
				next = state{State: StateClosed}
			} else {
				next = state{State: StateHalfOpen, Successes: succ}
			}

		default: // open: a late success changes nothing
			return
		}

		ok, err := b.swap(ctx, scope, raw, next)
		if err != nil {
			return
		}
		if ok {
			if st.State == StateHalfOpen && next.State == StateClosed {
				metrics.BreakerTransitionsTotal.WithLabelValues(string(scope), StateClosed).Inc()
				b.logger.Info("Circuit breaker closed", zap.String("scope", string(scope)))
			}
			return
		}
	}
}

// RecordFailure feeds a failed provider outcome into the state machine.
func (b *Breaker) RecordFailure(ctx context.Context, scope domain.Scope) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		st, raw, err := b.load(ctx, scope)
		if err != nil {
			return
		}

		var next state
		switch {
		case raw == nil:
			next = state{State: StateClosed, Failures: 1}
			if next.Failures >= b.cfg.FailureThreshold {
				next = b.opened()
			}

		case st.State == StateClosed:
			next = state{State: StateClosed, Failures: st.Failures + 1}
			if next.Failures >= b.cfg.FailureThreshold {
				next = b.opened()
			}

		case st.State == StateHalfOpen:
			// Any half-open failure reopens immediately.
			next = b.opened()

		default: // already open
			return
		}

		ok, err := b.swap(ctx, scope, raw, next)
		if err != nil {
			return
		}
		if ok {
			if next.State == StateOpen {
				metrics.BreakerTransitionsTotal.WithLabelValues(string(scope), StateOpen).Inc()
				b.logger.Warn("Circuit breaker opened",
					zap.String("scope", string(scope)),
					zap.Int("failures", next.Failures))
			}
			return
		}
	}
}

// RetryAfter returns how long until an open scope may admit a trial call.
// Zero when the breaker is not open or state is unreadable.
func (b *Breaker) RetryAfter(ctx context.Context, scope domain.Scope) time.Duration {
	st, raw, err := b.load(ctx, scope)
	if err != nil || raw == nil || st.State != StateOpen {
		return 0
	}
	elapsed := time.Duration(b.now().Unix()-st.OpenedAt) * time.Second
	if elapsed >= b.cfg.Cooldown {
		return 0
	}
	return b.cfg.Cooldown - elapsed
}

func (b *Breaker) opened() state {
	return state{State: StateOpen, Failures: b.cfg.FailureThreshold, OpenedAt: b.now().Unix()}
}

// load returns the parsed state and the raw blob it came from. A nil raw
// means no state exists yet.
func (b *Breaker) load(ctx context.Context, scope domain.Scope) (state, []byte, error) {
	raw, err := b.store.Get(ctx, key(scope))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return state{State: StateClosed}, nil, nil
		}
		return state{}, nil, err
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return state{}, nil, err
	}
	return st, raw, nil
}

// swap replaces raw with next via compare-and-set.
func (b *Breaker) swap(ctx context.Context, scope domain.Scope, raw []byte, next state) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	ok, err := b.store.CompareAndSet(ctx, key(scope), raw, data, stateTTL)
	if err != nil {
		b.logger.Warn("Breaker CAS failed", zap.String("scope", string(scope)), zap.Error(err))
		return false, err
	}
	return ok, nil
}
