// Package budget enforces rolling daily and weekly usage ceilings with a
// reserve/commit/rollback protocol. Reservation is a speculative atomic
// increment, never read-then-write, so two concurrent calls cannot both
// pass a check against stale usage.
package budget

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/aigate/internal/domain"
)

var periods = []domain.Period{domain.PeriodDaily, domain.PeriodWeekly}

// appliedWindow records one window a reservation was applied to, with
// the window key frozen at reservation time.
type appliedWindow struct {
	scope  domain.Scope
	period domain.Period
	window string
}

// Reservation is a speculative hold on every checked window. It must be
// finished with exactly one Commit or Rollback.
type Reservation struct {
	estimated int64
	applied   []appliedWindow
	unmetered bool
	done      bool
}

// Unmetered reports whether the reservation was granted in degraded mode
// and holds no real budget.
func (r *Reservation) Unmetered() bool { return r.unmetered }

// Tracker coordinates reservations across scopes and periods.
type Tracker struct {
	windows Windows
	now     func() time.Time
	logger  *zap.Logger
}

// NewTracker creates a budget tracker.
func NewTracker(windows Windows, logger *zap.Logger) *Tracker {
	return &Tracker{
		windows: windows,
		now:     time.Now,
		logger:  logger,
	}
}

// Reserve speculatively adds estimated tokens and one call unit to the
// daily and weekly windows of every given scope. If any window would
// exceed its limit, every increment already applied is reversed and the
// reservation fails; no partial reservations survive.
//
// A store failure degrades to an unmetered reservation (usage cannot be
// enforced while the store is down; availability wins).
func (t *Tracker) Reserve(ctx context.Context, estimated int64, scopes ...Limits) (*Reservation, error) {
	at := t.now()
	res := &Reservation{estimated: estimated}

	for _, lim := range scopes {
		for _, period := range periods {
			window := period.WindowKey(at)

			tokens, err := t.windows.IncrTokens(ctx, lim.Scope, period, window, estimated)
			if err != nil {
				t.undo(ctx, res)
				return t.degraded(lim.Scope, err)
			}
			calls, err := t.windows.IncrCalls(ctx, lim.Scope, period, window, 1)
			if err != nil {
				// The token half already landed; reverse it before degrading.
				t.adjust(ctx, appliedWindow{lim.Scope, period, window}, -estimated, 0)
				t.undo(ctx, res)
				return t.degraded(lim.Scope, err)
			}
			res.applied = append(res.applied, appliedWindow{lim.Scope, period, window})

			if limit := lim.tokens(period); limit > 0 && tokens > limit {
				t.undo(ctx, res)
				return nil, &domain.BudgetError{Scope: lim.Scope, Period: period, Used: tokens, Limit: limit}
			}
			if limit := lim.calls(period); limit > 0 && calls > limit {
				t.undo(ctx, res)
				return nil, &domain.BudgetError{Scope: lim.Scope, Period: period, Used: calls, Limit: limit}
			}
		}
	}
	return res, nil
}

// Commit settles a reservation against the tokens actually used: each
// reserved window is adjusted by actual-estimated (possibly negative).
// The call units stay recorded.
func (t *Tracker) Commit(ctx context.Context, res *Reservation, actual int64) {
	if res == nil || res.done {
		return
	}
	res.done = true
	if res.unmetered {
		return
	}

	delta := actual - res.estimated
	if delta == 0 {
		return
	}
	ctx, cancel := detach(ctx)
	defer cancel()
	for _, w := range res.applied {
		t.adjust(ctx, w, delta, 0)
	}
}

// Rollback fully reverses a reservation: the call never consumed
// provider tokens, so neither tokens nor the call unit may remain.
func (t *Tracker) Rollback(ctx context.Context, res *Reservation) {
	if res == nil || res.done {
		return
	}
	res.done = true
	if res.unmetered {
		return
	}

	ctx, cancel := detach(ctx)
	defer cancel()
	t.undo(ctx, res)
}

func (t *Tracker) undo(ctx context.Context, res *Reservation) {
	for _, w := range res.applied {
		t.adjust(ctx, w, -res.estimated, -1)
	}
	res.applied = nil
}

// adjust applies token and call deltas to one window, best-effort.
func (t *Tracker) adjust(ctx context.Context, w appliedWindow, tokens, calls int64) {
	if tokens != 0 {
		if _, err := t.windows.IncrTokens(ctx, w.scope, w.period, w.window, tokens); err != nil {
			t.logger.Warn("Budget token adjustment failed; window expires by TTL",
				zap.String("scope", string(w.scope)),
				zap.String("window", w.window),
				zap.Error(err))
		}
	}
	if calls != 0 {
		if _, err := t.windows.IncrCalls(ctx, w.scope, w.period, w.window, calls); err != nil {
			t.logger.Warn("Budget call adjustment failed; window expires by TTL",
				zap.String("scope", string(w.scope)),
				zap.String("window", w.window),
				zap.Error(err))
		}
	}
}

// degraded grants an unmetered reservation after a store failure.
func (t *Tracker) degraded(scope domain.Scope, cause error) (*Reservation, error) {
	t.logger.Warn("Budget store unreachable; treating usage as unmetered",
		zap.String("scope", string(scope)), zap.Error(cause))
	return &Reservation{unmetered: true}, nil
}

// detach keeps cleanup running after the call's context was canceled.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
}
