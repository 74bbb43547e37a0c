package budget

import (
	"context"

	"github.com/kailas-cloud/aigate/internal/domain"
)

// Windows is the storage contract for budget window counters.
// Callers pass the window key explicitly so commit and rollback adjust
// the same window a reservation touched, even across a day boundary.
type Windows interface {
	IncrTokens(ctx context.Context, scope domain.Scope, period domain.Period, window string, n int64) (int64, error)
	IncrCalls(ctx context.Context, scope domain.Scope, period domain.Period, window string, n int64) (int64, error)
}

// Limits holds the window ceilings for one scope. Zero means unlimited.
type Limits struct {
	Scope        domain.Scope
	DailyTokens  int64
	WeeklyTokens int64
	DailyCalls   int64
	WeeklyCalls  int64
}

func (l Limits) tokens(period domain.Period) int64 {
	if period == domain.PeriodWeekly {
		return l.WeeklyTokens
	}
	return l.DailyTokens
}

func (l Limits) calls(period domain.Period) int64 {
	if period == domain.PeriodWeekly {
		return l.WeeklyCalls
	}
	return l.DailyCalls
}
