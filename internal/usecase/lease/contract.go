package lease

import (
	"context"

	"github.com/kailas-cloud/aigate/internal/domain"
)

// Slots is the storage contract for per-scope slot sets.
type Slots interface {
	// Grant adds the lease to the scope's slot set, pruning expired
	// slots, and returns the live count including this grant.
	Grant(ctx context.Context, scope domain.Scope, id string) (int64, error)
	// Revoke removes the lease from the scope's slot set. Revoking an
	// absent or expired slot is a no-op.
	Revoke(ctx context.Context, scope domain.Scope, id string) error
}

// Limits holds the slot maxima for one acquisition.
type Limits struct {
	Global   int
	PerGuild int
}

// Lease is a granted pair of slots (global + guild). An Unmetered lease
// was granted in degraded mode and holds no real capacity.
type Lease struct {
	ID        string
	Guild     domain.Scope
	Unmetered bool
}
