package gateway

import (
	"context"
	"time"

	"github.com/kailas-cloud/aigate/internal/domain"
	"github.com/kailas-cloud/aigate/internal/domain/tier"
	"github.com/kailas-cloud/aigate/internal/usecase/budget"
	"github.com/kailas-cloud/aigate/internal/usecase/lease"
)

// Policies resolves tier names to their limit policies.
type Policies interface {
	PolicyFor(name string) (tier.Policy, error)
}

// Leases grants and returns concurrency slot pairs.
type Leases interface {
	Acquire(ctx context.Context, guild domain.Scope, limits lease.Limits) (*lease.Lease, error)
	Release(ctx context.Context, l *lease.Lease)
}

// Breaker gates provider calls per scope. A caller for whom Allow
// claimed the half-open trial must settle it with RecordSuccess,
// RecordFailure, or ReleaseTrial.
type Breaker interface {
	Allow(ctx context.Context, scope domain.Scope) (allowed, trial bool)
	RecordSuccess(ctx context.Context, scope domain.Scope)
	RecordFailure(ctx context.Context, scope domain.Scope)
	ReleaseTrial(ctx context.Context, scope domain.Scope)
	RetryAfter(ctx context.Context, scope domain.Scope) time.Duration
}

// Budget reserves, commits, and rolls back usage window holds.
type Budget interface {
	Reserve(ctx context.Context, estimated int64, scopes ...budget.Limits) (*budget.Reservation, error)
	Commit(ctx context.Context, res *budget.Reservation, actual int64)
	Rollback(ctx context.Context, res *budget.Reservation)
}

// KillSwitch reports whether the gateway is globally disabled.
type KillSwitch interface {
	IsDisabled(ctx context.Context) (bool, string)
}

// Provider performs one completion against the external AI provider.
type Provider interface {
	Complete(ctx context.Context, tier, system, prompt string, maxTokens int) (domain.ProviderResult, error)
}

// ResponseCache serves repeated short prompts without spending a slot.
type ResponseCache interface {
	Eligible(mode domain.Mode, prompt, characterID string, hasMemory bool) bool
	Get(ctx context.Context, characterID, prompt string) (string, bool)
	Put(ctx context.Context, characterID, prompt, text string)
}
