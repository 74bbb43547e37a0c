// Package gateway runs the admission pipeline for AI completion calls:
// kill switch, response cache, concurrency lease, circuit breaker, token
// clamp, budget reservation, provider invocation, then settlement. Every
// admitted call releases its lease on every exit path, success or not.
package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/aigate/internal/domain"
	"github.com/kailas-cloud/aigate/internal/metrics"
	"github.com/kailas-cloud/aigate/internal/usecase/budget"
	"github.com/kailas-cloud/aigate/internal/usecase/lease"
)

// GuildBudget holds the per-guild usage ceilings, shared by every guild.
// Zero means unlimited.
type GuildBudget struct {
	DailyTokens  int64
	WeeklyTokens int64
	DailyCalls   int64
	WeeklyCalls  int64
}

// Config is the orchestration wiring that is not per-request.
type Config struct {
	// BreakerScope is the scope the provider breaker trips on.
	BreakerScope domain.Scope
	GuildBudget  GuildBudget
}

// Service is the gateway orchestrator.
type Service struct {
	policies Policies
	leases   Leases
	breaker  Breaker
	budget   Budget
	kill     KillSwitch
	provider Provider
	cache    ResponseCache // nil when the response cache is disabled
	cfg      Config
	logger   *zap.Logger
}

// New creates the orchestrator. cache may be nil.
func New(
	policies Policies,
	leases Leases,
	breaker Breaker,
	budgetTracker Budget,
	kill KillSwitch,
	provider Provider,
	cache ResponseCache,
	cfg Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		policies: policies,
		leases:   leases,
		breaker:  breaker,
		budget:   budgetTracker,
		kill:     kill,
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
	}
}

// Complete runs one request through the full admission pipeline.
func (s *Service) Complete(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResult, error) {
	start := time.Now()
	res, err := s.complete(ctx, req)

	mode := string(req.Mode)
	metrics.GatewayRequestsTotal.WithLabelValues(mode, req.Tier, statusFor(res, err)).Inc()
	metrics.GatewayRequestDuration.WithLabelValues(mode, req.Tier).Observe(time.Since(start).Seconds())
	if err == nil && !res.Cached {
		metrics.GatewayTokensTotal.WithLabelValues(mode, req.Tier, "prompt").Add(float64(res.PromptTokens))
		metrics.GatewayTokensTotal.WithLabelValues(mode, req.Tier, "completion").Add(float64(res.CompletionTokens))
		metrics.GatewayTokensTotal.WithLabelValues(mode, req.Tier, "total").Add(float64(res.TotalTokens))
	}
	if res.Unmetered {
		metrics.DegradedCallsTotal.Inc()
	}

	return res, err
}

func (s *Service) complete(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResult, error) {
	if disabled, reason := s.kill.IsDisabled(ctx); disabled {
		return domain.CompletionResult{}, &domain.DisabledError{Reason: reason}
	}

	policy, err := s.policies.PolicyFor(req.Tier)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	// A cache hit answers before any slot or budget is touched.
	cacheable := s.cache != nil && s.cache.Eligible(req.Mode, req.Prompt, req.CharacterID, req.HasMemory)
	if cacheable {
		if text, ok := s.cache.Get(ctx, req.CharacterID, req.Prompt); ok {
			return domain.CompletionResult{Text: text, Cached: true}, nil
		}
	}

	guild := domain.GuildScope(req.GuildID)
	held, err := s.leases.Acquire(ctx, guild, lease.Limits{
		Global:   policy.MaxConcurrentGlobal,
		PerGuild: policy.MaxConcurrentPerGuild,
	})
	if err != nil {
		s.countRejection(err)
		return domain.CompletionResult{}, err
	}
	defer s.leases.Release(ctx, held)

	allowed, trial := s.breaker.Allow(ctx, s.cfg.BreakerScope)
	if !allowed {
		return domain.CompletionResult{}, &domain.BreakerOpenError{
			Scope:      s.cfg.BreakerScope,
			RetryAfter: s.breaker.RetryAfter(ctx, s.cfg.BreakerScope),
		}
	}
	trialSettled := false
	if trial {
		// A claimed trial must be settled on every exit, even one with
		// no provider outcome; otherwise the half-open scope stays
		// blocked for every later caller.
		defer func() {
			if trialSettled {
				return
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			s.breaker.ReleaseTrial(ctx, s.cfg.BreakerScope)
		}()
	}

	maxTokens := policy.ClampTokens(req.Mode, req.RequestedTokens)

	reservation, err := s.budget.Reserve(ctx, int64(maxTokens),
		budget.Limits{
			Scope:        domain.UserScope(req.UserID),
			DailyTokens:  policy.DailyTokenLimit,
			WeeklyTokens: policy.WeeklyTokenLimit,
			DailyCalls:   policy.DailyCallLimit,
			WeeklyCalls:  policy.WeeklyCallLimit,
		},
		budget.Limits{
			Scope:        guild,
			DailyTokens:  s.cfg.GuildBudget.DailyTokens,
			WeeklyTokens: s.cfg.GuildBudget.WeeklyTokens,
			DailyCalls:   s.cfg.GuildBudget.DailyCalls,
			WeeklyCalls:  s.cfg.GuildBudget.WeeklyCalls,
		},
	)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	provided, err := s.provider.Complete(ctx, req.Tier, req.System, req.Prompt, maxTokens)
	if err != nil {
		s.budget.Rollback(ctx, reservation)
		trialSettled = s.recordFailure(ctx, err)
		return domain.CompletionResult{}, err
	}

	s.budget.Commit(ctx, reservation, int64(provided.TotalTokens))
	s.breaker.RecordSuccess(ctx, s.cfg.BreakerScope)
	trialSettled = true

	if cacheable {
		s.cache.Put(ctx, req.CharacterID, req.Prompt, provided.Text)
	}

	return domain.CompletionResult{
		Text:             provided.Text,
		PromptTokens:     provided.PromptTokens,
		CompletionTokens: provided.CompletionTokens,
		TotalTokens:      provided.TotalTokens,
		Unmetered:        held.Unmetered || reservation.Unmetered(),
	}, nil
}

// recordFailure feeds the breaker and reports whether an outcome was
// recorded. A call the client itself abandoned says nothing about
// provider health and is not counted.
func (s *Service) recordFailure(ctx context.Context, err error) bool {
	if errors.Is(err, domain.ErrTimeout) && ctx.Err() == context.Canceled {
		return false
	}
	s.breaker.RecordFailure(ctx, s.cfg.BreakerScope)
	return true
}

func (s *Service) countRejection(err error) {
	var exhausted *domain.ExhaustedError
	if !errors.As(err, &exhausted) {
		return
	}
	kind := "guild"
	if exhausted.Scope == domain.ScopeGlobal {
		kind = "global"
	}
	metrics.LeaseRejectionsTotal.WithLabelValues(kind).Inc()
}

func statusFor(res domain.CompletionResult, err error) string {
	switch {
	case err == nil && res.Cached:
		return "cached"
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrDisabled):
		return "disabled"
	case errors.Is(err, domain.ErrResourceExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrServiceUnavailable):
		return "breaker_open"
	case errors.Is(err, domain.ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrProvider):
		return "provider_error"
	default:
		return "error"
	}
}
