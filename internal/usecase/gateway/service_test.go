package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/aigate/internal/domain"
	"github.com/kailas-cloud/aigate/internal/domain/tier"
	"github.com/kailas-cloud/aigate/internal/usecase/breaker"
	"github.com/kailas-cloud/aigate/internal/usecase/budget"
	"github.com/kailas-cloud/aigate/internal/usecase/lease"
)

const breakerScope = domain.Scope("provider:openai")

type fixture struct {
	svc      *Service
	slots    *mockSlots
	windows  *mockWindows
	kv       *mockKV
	kill     *mockKill
	provider *mockProvider
	cache    *mockCache
}

func testPolicies(t *testing.T) *tier.Registry {
	t.Helper()
	reg, err := tier.NewRegistry([]tier.Policy{
		{
			Name:                  "free",
			MaxTokensTalk:         300,
			MaxTokensScene:        500,
			DailyTokenLimit:       10_000,
			WeeklyTokenLimit:      50_000,
			DailyCallLimit:        50,
			WeeklyCallLimit:       200,
			MaxConcurrentGlobal:   10,
			MaxConcurrentPerGuild: 3,
		},
		{
			Name:                  "pro",
			MaxTokensTalk:         800,
			MaxTokensScene:        1500,
			DailyTokenLimit:       100_000,
			WeeklyTokenLimit:      500_000,
			DailyCallLimit:        500,
			WeeklyCallLimit:       2000,
			MaxConcurrentGlobal:   10,
			MaxConcurrentPerGuild: 3,
		},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func newFixture(t *testing.T) *fixture {
	return newFixtureBreaker(t, breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	})
}

func newFixtureBreaker(t *testing.T, breakerCfg breaker.Config) *fixture {
	t.Helper()

	f := &fixture{
		slots:    newMockSlots(),
		windows:  newMockWindows(),
		kv:       newMockKV(),
		kill:     &mockKill{},
		provider: &mockProvider{},
		cache:    newMockCache(),
	}

	logger := zap.NewNop()
	f.svc = New(
		testPolicies(t),
		lease.NewCoordinator(f.slots, false, logger),
		breaker.New(f.kv, breakerCfg, logger),
		budget.NewTracker(f.windows, logger),
		f.kill,
		f.provider,
		f.cache,
		Config{
			BreakerScope: breakerScope,
			GuildBudget: GuildBudget{
				DailyTokens:  100_000,
				WeeklyTokens: 500_000,
				DailyCalls:   1000,
				WeeklyCalls:  5000,
			},
		},
		logger,
	)
	return f
}

func talkRequest() domain.CompletionRequest {
	return domain.CompletionRequest{
		UserID:          7,
		GuildID:         42,
		Tier:            "free",
		Mode:            domain.ModeTalk,
		System:          "you are a friendly robot",
		Prompt:          "tell me about your day in great detail, please, with everything that happened",
		RequestedTokens: 200,
	}
}

func TestComplete_Success(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Complete(context.Background(), talkRequest())
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.Text != "response" || res.TotalTokens != 150 || res.Cached || res.Unmetered {
		t.Errorf("unexpected result: %+v", res)
	}

	// Slots are returned on success.
	if n := f.slots.count(domain.ScopeGlobal); n != 0 {
		t.Errorf("global slot count = %d after release", n)
	}
	if n := f.slots.count(domain.GuildScope(42)); n != 0 {
		t.Errorf("guild slot count = %d after release", n)
	}

	// Budget settled to actual usage, not the reserved estimate.
	user := domain.UserScope(7)
	if got := f.windows.tokensNow(user, domain.PeriodDaily); got != 150 {
		t.Errorf("user daily tokens = %d, want 150", got)
	}
	if got := f.windows.tokensNow(user, domain.PeriodWeekly); got != 150 {
		t.Errorf("user weekly tokens = %d, want 150", got)
	}
	if got := f.windows.callsNow(user, domain.PeriodDaily); got != 1 {
		t.Errorf("user daily calls = %d, want 1", got)
	}
	if got := f.windows.tokensNow(domain.GuildScope(42), domain.PeriodDaily); got != 150 {
		t.Errorf("guild daily tokens = %d, want 150", got)
	}
}

func TestComplete_KillSwitchShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.kill.disabled = true
	f.kill.reason = "provider anomaly"

	_, err := f.svc.Complete(context.Background(), talkRequest())
	if !errors.Is(err, domain.ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}

	var de *domain.DisabledError
	if !errors.As(err, &de) || de.Reason != "provider anomaly" {
		t.Errorf("expected reason to surface, got %v", err)
	}

	if f.provider.callCount() != 0 {
		t.Error("provider was called while disabled")
	}
	if n := f.slots.count(domain.ScopeGlobal); n != 0 {
		t.Errorf("slot taken while disabled: %d", n)
	}
	if got := f.windows.callsNow(domain.UserScope(7), domain.PeriodDaily); got != 0 {
		t.Errorf("budget mutated while disabled: %d calls", got)
	}
}

func TestComplete_UnknownTier(t *testing.T) {
	f := newFixture(t)
	req := talkRequest()
	req.Tier = "platinum"

	_, err := f.svc.Complete(context.Background(), req)
	if !errors.Is(err, domain.ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
	if f.provider.callCount() != 0 {
		t.Error("provider called for unknown tier")
	}
}

func TestComplete_ClampsRequestedTokens(t *testing.T) {
	f := newFixture(t)
	req := talkRequest()
	req.Mode = domain.ModeScene
	req.RequestedTokens = 800 // free scene ceiling is 500

	if _, err := f.svc.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if f.provider.lastMax != 500 {
		t.Errorf("provider max_tokens = %d, want 500", f.provider.lastMax)
	}
}

func TestComplete_GuildSlotsFull(t *testing.T) {
	f := newFixture(t)
	guild := domain.GuildScope(42)
	f.slots.fill(guild, 3) // per-guild limit for free tier

	_, err := f.svc.Complete(context.Background(), talkRequest())
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}

	var ee *domain.ExhaustedError
	if !errors.As(err, &ee) || ee.Scope != guild {
		t.Errorf("expected guild scope in error, got %v", err)
	}
	if ee.RetryAfter <= 0 {
		t.Error("expected a retry hint")
	}

	if f.provider.callCount() != 0 {
		t.Error("provider called while guild was full")
	}
	// The failed attempt leaves both counters where they were.
	if n := f.slots.count(guild); n != 3 {
		t.Errorf("guild count = %d, want 3", n)
	}
	if n := f.slots.count(domain.ScopeGlobal); n != 0 {
		t.Errorf("global count = %d, want 0", n)
	}
	if got := f.windows.callsNow(domain.UserScope(7), domain.PeriodDaily); got != 0 {
		t.Errorf("budget mutated on rejection: %d calls", got)
	}
}

func TestComplete_BreakerOpenSkipsProvider(t *testing.T) {
	f := newFixture(t)
	f.provider.completeFunc = func(context.Context, string, string, string, int) (domain.ProviderResult, error) {
		return domain.ProviderResult{}, fmt.Errorf("upstream 500: %w", domain.ErrProvider)
	}

	// Two consecutive failures reach the threshold and open the circuit.
	for range 2 {
		if _, err := f.svc.Complete(context.Background(), talkRequest()); !errors.Is(err, domain.ErrProvider) {
			t.Fatalf("expected ErrProvider, got %v", err)
		}
	}
	if f.provider.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", f.provider.callCount())
	}

	_, err := f.svc.Complete(context.Background(), talkRequest())
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}

	var be *domain.BreakerOpenError
	if !errors.As(err, &be) || be.RetryAfter <= 0 {
		t.Errorf("expected a breaker retry hint, got %v", err)
	}

	if f.provider.callCount() != 2 {
		t.Errorf("provider contacted while circuit open: %d calls", f.provider.callCount())
	}
	if n := f.slots.count(domain.ScopeGlobal); n != 0 {
		t.Errorf("slot leaked on breaker rejection: %d", n)
	}
	// Failed and rejected calls leave no budget behind.
	if got := f.windows.tokensNow(domain.UserScope(7), domain.PeriodDaily); got != 0 {
		t.Errorf("tokens left after failures: %d", got)
	}
}

func TestComplete_BudgetExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := domain.UserScope(7)
	window := domain.PeriodDaily.WindowKey(time.Now())
	if _, err := f.windows.IncrTokens(ctx, user, domain.PeriodDaily, window, 9_900); err != nil {
		t.Fatal(err)
	}

	// Clamped estimate of 200 would push the daily window past 10 000.
	_, err := f.svc.Complete(ctx, talkRequest())
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	var be *domain.BudgetError
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetError, got %v", err)
	}
	if be.Scope != user || be.Period != domain.PeriodDaily {
		t.Errorf("wrong window in error: %+v", be)
	}

	if f.provider.callCount() != 0 {
		t.Error("provider called over budget")
	}
	// The speculative hold was reversed.
	if got := f.windows.tokensNow(user, domain.PeriodDaily); got != 9_900 {
		t.Errorf("daily tokens = %d, want 9900", got)
	}
	if got := f.windows.callsNow(user, domain.PeriodDaily); got != 0 {
		t.Errorf("daily calls = %d, want 0", got)
	}
	if n := f.slots.count(domain.ScopeGlobal); n != 0 {
		t.Errorf("slot leaked on budget rejection: %d", n)
	}
}

func TestComplete_ProviderFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.provider.completeFunc = func(context.Context, string, string, string, int) (domain.ProviderResult, error) {
		return domain.ProviderResult{}, fmt.Errorf("upstream 502: %w", domain.ErrProvider)
	}

	_, err := f.svc.Complete(context.Background(), talkRequest())
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}

	user := domain.UserScope(7)
	if got := f.windows.tokensNow(user, domain.PeriodDaily); got != 0 {
		t.Errorf("tokens survived rollback: %d", got)
	}
	if got := f.windows.callsNow(user, domain.PeriodWeekly); got != 0 {
		t.Errorf("calls survived rollback: %d", got)
	}
	if n := f.slots.count(domain.GuildScope(42)); n != 0 {
		t.Errorf("guild slot leaked: %d", n)
	}
}

func TestComplete_CanceledCallDoesNotTripBreaker(t *testing.T) {
	f := newFixture(t)

	// A caller who walks away mid-call gets cleanup but no breaker blame.
	abandoned := func() {
		ctx, cancel := context.WithCancel(context.Background())
		f.provider.completeFunc = func(context.Context, string, string, string, int) (domain.ProviderResult, error) {
			cancel()
			return domain.ProviderResult{}, fmt.Errorf("completion deadline: %w", domain.ErrTimeout)
		}
		if _, err := f.svc.Complete(ctx, talkRequest()); !errors.Is(err, domain.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	}
	abandoned()
	abandoned()

	// With a threshold of 2 the circuit would already be open if those
	// abandonments had counted.
	f.provider.completeFunc = nil
	res, err := f.svc.Complete(context.Background(), talkRequest())
	if err != nil {
		t.Fatalf("breaker tripped by canceled calls: %v", err)
	}
	if res.Text != "response" {
		t.Errorf("unexpected result: %+v", res)
	}

	// Cleanup ran despite the canceled context.
	if n := f.slots.count(domain.ScopeGlobal); n != 0 {
		t.Errorf("slot leaked after cancellation: %d", n)
	}
}

func TestComplete_BudgetExceededFreesBreakerTrial(t *testing.T) {
	// Zero cool-down so the call right after the circuit opens becomes
	// the half-open trial.
	f := newFixtureBreaker(t, breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: 0})
	ctx := context.Background()

	f.provider.completeFunc = func(context.Context, string, string, string, int) (domain.ProviderResult, error) {
		return domain.ProviderResult{}, fmt.Errorf("upstream 500: %w", domain.ErrProvider)
	}
	for range 2 {
		if _, err := f.svc.Complete(ctx, talkRequest()); !errors.Is(err, domain.ErrProvider) {
			t.Fatalf("expected ErrProvider, got %v", err)
		}
	}
	f.provider.completeFunc = nil

	// The trial call dies at the budget check and never reaches the
	// provider, so the breaker gets no outcome to settle the claim.
	user := domain.UserScope(7)
	window := domain.PeriodDaily.WindowKey(time.Now())
	if _, err := f.windows.IncrTokens(ctx, user, domain.PeriodDaily, window, 9_950); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Complete(ctx, talkRequest()); !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if f.provider.callCount() != 2 {
		t.Fatalf("provider contacted over budget: %d calls", f.provider.callCount())
	}

	// The unused claim must be returned: once the budget clears, the
	// next trial goes through instead of being rejected until the state
	// blob expires.
	if _, err := f.windows.IncrTokens(ctx, user, domain.PeriodDaily, window, -9_950); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.Complete(ctx, talkRequest())
	if err != nil {
		t.Fatalf("breaker wedged by an unsettled trial: %v", err)
	}
	if res.Text != "response" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestComplete_AbandonedTrialCallFreesClaim(t *testing.T) {
	f := newFixtureBreaker(t, breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: 0})

	f.provider.completeFunc = func(context.Context, string, string, string, int) (domain.ProviderResult, error) {
		return domain.ProviderResult{}, fmt.Errorf("upstream 500: %w", domain.ErrProvider)
	}
	for range 2 {
		if _, err := f.svc.Complete(context.Background(), talkRequest()); !errors.Is(err, domain.ErrProvider) {
			t.Fatalf("expected ErrProvider, got %v", err)
		}
	}

	// The half-open trial is claimed by a caller who walks away mid-call.
	// Abandonment records no breaker outcome, so the claim itself must be
	// handed back.
	ctx, cancel := context.WithCancel(context.Background())
	f.provider.completeFunc = func(context.Context, string, string, string, int) (domain.ProviderResult, error) {
		cancel()
		return domain.ProviderResult{}, fmt.Errorf("completion deadline: %w", domain.ErrTimeout)
	}
	if _, err := f.svc.Complete(ctx, talkRequest()); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	f.provider.completeFunc = nil
	res, err := f.svc.Complete(context.Background(), talkRequest())
	if err != nil {
		t.Fatalf("breaker wedged by an abandoned trial: %v", err)
	}
	if res.Text != "response" {
		t.Errorf("unexpected result: %+v", res)
	}
	if n := f.slots.count(domain.ScopeGlobal); n != 0 {
		t.Errorf("slot leaked across trial calls: %d", n)
	}
}

func TestComplete_CacheHitSkipsEverything(t *testing.T) {
	f := newFixture(t)
	f.cache.Put(context.Background(), "luna", "hi", "hello, traveler")

	req := talkRequest()
	req.CharacterID = "luna"
	req.Prompt = "hi"

	res, err := f.svc.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !res.Cached || res.Text != "hello, traveler" {
		t.Errorf("unexpected result: %+v", res)
	}

	if f.provider.callCount() != 0 {
		t.Error("provider called on cache hit")
	}
	if n := f.slots.count(domain.ScopeGlobal); n != 0 {
		t.Errorf("slot taken on cache hit: %d", n)
	}
	if got := f.windows.callsNow(domain.UserScope(7), domain.PeriodDaily); got != 0 {
		t.Errorf("budget spent on cache hit: %d calls", got)
	}
}

func TestComplete_CacheFilledOnSuccess(t *testing.T) {
	f := newFixture(t)
	req := talkRequest()
	req.CharacterID = "luna"
	req.Prompt = "hi"

	res, err := f.svc.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.Cached {
		t.Error("first call reported as cached")
	}

	if text, ok := f.cache.Get(context.Background(), "luna", "hi"); !ok || text != "response" {
		t.Errorf("cache not filled: %q %v", text, ok)
	}
}

func TestComplete_StoreDownAdmitsUnmetered(t *testing.T) {
	f := newFixture(t)
	f.slots.grantErr = errors.New("connection refused")

	res, err := f.svc.Complete(context.Background(), talkRequest())
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !res.Unmetered {
		t.Error("expected an unmetered result while the store is down")
	}
	if res.Text != "response" {
		t.Errorf("unexpected result: %+v", res)
	}
}
