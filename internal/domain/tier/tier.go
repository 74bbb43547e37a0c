// Package tier holds the static per-tier policy table: token ceilings,
// budget limits, and concurrency shares. Policies are loaded once at
// startup and read-only for the process lifetime.
package tier

import (
	"fmt"

	"github.com/kailas-cloud/aigate/internal/domain"
)

// Policy is the immutable limit set for one account tier.
type Policy struct {
	Name string

	// Per-call output token ceilings by mode.
	MaxTokensTalk  int
	MaxTokensScene int

	// Rolling usage budgets per user. Zero means unlimited.
	DailyTokenLimit  int64
	WeeklyTokenLimit int64
	DailyCallLimit   int64
	WeeklyCallLimit  int64

	// Concurrency capacity. MaxConcurrentGlobal is this tier's share of
	// the global slot pool; MaxConcurrentPerGuild caps one guild.
	MaxConcurrentGlobal   int
	MaxConcurrentPerGuild int
}

// MaxTokensPerCall returns the per-call output ceiling for mode.
func (p Policy) MaxTokensPerCall(mode domain.Mode) int {
	if mode == domain.ModeScene {
		return p.MaxTokensScene
	}
	return p.MaxTokensTalk
}

// ClampTokens lowers requested to the tier's per-call ceiling for mode.
// It never raises the value above what was requested; a non-positive
// request falls back to the ceiling itself.
func (p Policy) ClampTokens(mode domain.Mode, requested int) int {
	ceiling := p.MaxTokensPerCall(mode)
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

// Registry resolves tier names to policies. Built and validated once at
// process start; lookups are pure and need no locking.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry validates the policy set and builds a registry.
func NewRegistry(policies []Policy) (*Registry, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("at least one tier policy is required")
	}
	m := make(map[string]Policy, len(policies))
	for _, p := range policies {
		if p.Name == "" {
			return nil, fmt.Errorf("tier policy with empty name")
		}
		if _, dup := m[p.Name]; dup {
			return nil, fmt.Errorf("duplicate tier policy %q", p.Name)
		}
		if p.MaxTokensTalk <= 0 || p.MaxTokensScene <= 0 {
			return nil, fmt.Errorf("tier %q: per-call token ceilings must be positive", p.Name)
		}
		if p.MaxConcurrentGlobal <= 0 || p.MaxConcurrentPerGuild <= 0 {
			return nil, fmt.Errorf("tier %q: concurrency limits must be positive", p.Name)
		}
		if p.DailyTokenLimit < 0 || p.WeeklyTokenLimit < 0 ||
			p.DailyCallLimit < 0 || p.WeeklyCallLimit < 0 {
			return nil, fmt.Errorf("tier %q: budget limits must not be negative", p.Name)
		}
		m[p.Name] = p
	}
	return &Registry{policies: m}, nil
}

// PolicyFor returns the policy for the named tier.
func (r *Registry) PolicyFor(name string) (Policy, error) {
	p, ok := r.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("tier %q: %w", name, domain.ErrUnknownTier)
	}
	return p, nil
}
