// Package lease grants time-bounded concurrency slots across the global
// and per-guild scopes, coordinated through the shared store so limits
// hold across processes.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/aigate/internal/domain"
)

// retryAfterFull is the retry hint returned with a full-scope rejection.
const retryAfterFull = 10 * time.Second

// Coordinator grants and releases slot pairs. Acquisition is
// all-or-nothing and never waits: a full scope rejects immediately.
type Coordinator struct {
	slots      Slots
	failClosed bool
	logger     *zap.Logger
}

// NewCoordinator creates a lease coordinator. With failClosed=false the
// coordinator grants unmetered leases when the store is unreachable.
func NewCoordinator(slots Slots, failClosed bool, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		slots:      slots,
		failClosed: failClosed,
		logger:     logger,
	}
}

// Acquire grabs one global and one guild slot together. If either scope
// is full, any slot taken during this attempt is revoked before the
// failure is returned, so no partial hold survives.
func (c *Coordinator) Acquire(ctx context.Context, guild domain.Scope, limits Limits) (*Lease, error) {
	id := uuid.NewString()

	globalCount, err := c.slots.Grant(ctx, domain.ScopeGlobal, id)
	if err != nil {
		// The grant can land even when the call errors; revoke before
		// degrading so no slot leaks into the store.
		c.revoke(ctx, domain.ScopeGlobal, id)
		return c.degraded(ctx, guild, err)
	}
	if globalCount > int64(limits.Global) {
		c.revoke(ctx, domain.ScopeGlobal, id)
		return nil, &domain.ExhaustedError{Scope: domain.ScopeGlobal, RetryAfter: retryAfterFull}
	}

	guildCount, err := c.slots.Grant(ctx, guild, id)
	if err != nil {
		c.revoke(ctx, guild, id)
		c.revoke(ctx, domain.ScopeGlobal, id)
		return c.degraded(ctx, guild, err)
	}
	if guildCount > int64(limits.PerGuild) {
		c.revoke(ctx, guild, id)
		c.revoke(ctx, domain.ScopeGlobal, id)
		return nil, &domain.ExhaustedError{Scope: guild, RetryAfter: retryAfterFull}
	}

	return &Lease{ID: id, Guild: guild}, nil
}

// Release returns both slots. It is idempotent: a slot already revoked,
// or expired and pruned, is simply absent from its set. It never
// returns an error so cleanup code can call it unconditionally.
func (c *Coordinator) Release(ctx context.Context, lease *Lease) {
	if lease == nil || lease.Unmetered {
		return
	}

	// Release must run even when the call's context was already
	// canceled; detach from cancellation but keep a bound.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	c.revoke(ctx, lease.Guild, lease.ID)
	c.revoke(ctx, domain.ScopeGlobal, lease.ID)
}

// degraded handles a store failure during acquisition. Fail-open grants
// an unmetered lease; fail-closed rejects as exhausted.
func (c *Coordinator) degraded(ctx context.Context, guild domain.Scope, cause error) (*Lease, error) {
	if c.failClosed {
		c.logger.Warn("Coordination store unreachable; rejecting (fail-closed)",
			zap.String("guild", string(guild)), zap.Error(cause))
		return nil, &domain.ExhaustedError{Scope: domain.ScopeGlobal, RetryAfter: retryAfterFull}
	}

	c.logger.Warn("Coordination store unreachable; granting unmetered lease",
		zap.String("guild", string(guild)), zap.Error(cause))
	return &Lease{ID: uuid.NewString(), Guild: guild, Unmetered: true}, nil
}

func (c *Coordinator) revoke(ctx context.Context, scope domain.Scope, id string) {
	if err := c.slots.Revoke(ctx, scope, id); err != nil {
		c.logger.Warn("Failed to revoke slot; it will expire on its own",
			zap.String("scope", string(scope)),
			zap.String("lease_id", id),
			zap.Error(err))
	}
}
