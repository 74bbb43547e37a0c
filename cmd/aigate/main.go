package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/aigate/internal/config"
	dbRedis "github.com/kailas-cloud/aigate/internal/db/redis"
	"github.com/kailas-cloud/aigate/internal/domain"
	"github.com/kailas-cloud/aigate/internal/domain/tier"
	logpkg "github.com/kailas-cloud/aigate/internal/logger"
	"github.com/kailas-cloud/aigate/internal/metrics"
	budgetrepo "github.com/kailas-cloud/aigate/internal/repository/budget"
	leaserepo "github.com/kailas-cloud/aigate/internal/repository/lease"
	"github.com/kailas-cloud/aigate/internal/repository/respcache"
	chiTransport "github.com/kailas-cloud/aigate/internal/transport/chi"
	openaiProv "github.com/kailas-cloud/aigate/internal/transport/openai"
	breakeruc "github.com/kailas-cloud/aigate/internal/usecase/breaker"
	budgetuc "github.com/kailas-cloud/aigate/internal/usecase/budget"
	gatewayuc "github.com/kailas-cloud/aigate/internal/usecase/gateway"
	killswitchuc "github.com/kailas-cloud/aigate/internal/usecase/killswitch"
	leaseuc "github.com/kailas-cloud/aigate/internal/usecase/lease"
	"github.com/kailas-cloud/aigate/internal/version"
)

// breakerScope is the single scope the provider breaker trips on. All
// calls go to one upstream, so one circuit guards them all.
const breakerScope = domain.Scope("provider:openai")

// Budget window keys outlive their window so late commits still land.
const (
	dailyWindowTTL  = 48 * time.Hour
	weeklyWindowTTL = 9 * 24 * time.Hour
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting aigate API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Password: cfg.Database.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create coordination store", zap.Error(err))
	}
	defer store.Close()

	// Wait for the store to be ready
	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Coordination store not ready", zap.Error(err))
	}
	logger.Info("Connected to coordination store")

	// Register gateway metrics explicitly (no init())
	metrics.RegisterGatewayMetrics()

	// Tier policy registry — validated once, read-only afterwards
	policies := make([]tier.Policy, 0, len(cfg.Tiers))
	for name, tc := range cfg.Tiers {
		policies = append(policies, tier.Policy{
			Name:                  name,
			MaxTokensTalk:         tc.MaxTokensTalk,
			MaxTokensScene:        tc.MaxTokensScene,
			DailyTokenLimit:       tc.DailyTokenLimit,
			WeeklyTokenLimit:      tc.WeeklyTokenLimit,
			DailyCallLimit:        tc.DailyCallLimit,
			WeeklyCallLimit:       tc.WeeklyCallLimit,
			MaxConcurrentGlobal:   tc.MaxConcurrentGlobal,
			MaxConcurrentPerGuild: tc.MaxConcurrentPerGuild,
		})
	}
	registry, err := tier.NewRegistry(policies)
	if err != nil {
		logger.Fatal("Invalid tier policies", zap.Error(err))
	}

	// Repositories
	leaseTTL := time.Duration(cfg.Gateway.LeaseTTLSec) * time.Second
	slots := leaserepo.New(store, leaseTTL)
	windows := budgetrepo.New(store, dailyWindowTTL, weeklyWindowTTL)

	// Use case services — composition root
	coordinator := leaseuc.NewCoordinator(slots, cfg.Gateway.FailClosed, logger)
	circuit := breakeruc.New(store, breakeruc.Config{
		FailureThreshold: cfg.Gateway.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Gateway.Breaker.SuccessThreshold,
		Cooldown:         time.Duration(cfg.Gateway.Breaker.CooldownSec) * time.Second,
	}, logger)
	tracker := budgetuc.NewTracker(windows, logger)
	kill := killswitchuc.New(store, cfg.Gateway.Disabled, logger)

	// Pass nil interface (not typed nil pointer!) if the cache is off.
	// Go gotcha: (*respcache.Cache)(nil) wrapped in ResponseCache != nil.
	var cache gatewayuc.ResponseCache
	if cfg.Gateway.Cache.Enabled {
		cache = respcache.New(
			store,
			time.Duration(cfg.Gateway.Cache.TTLSec)*time.Second,
			cfg.Gateway.Cache.MaxPromptLen,
			metrics.ResponseCacheTotal,
			logger,
		)
		logger.Info("Response cache enabled",
			zap.Int("ttl_sec", cfg.Gateway.Cache.TTLSec),
			zap.Int("max_prompt_len", cfg.Gateway.Cache.MaxPromptLen),
		)
	}

	completer := openaiProv.NewCompleter(&openaiProv.Config{
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		Model:     cfg.Provider.Model,
		ModelFree: cfg.Provider.ModelFree,
		Timeout:   time.Duration(cfg.Provider.TimeoutSec) * time.Second,
		Logger:    logger,
	})

	gateway := gatewayuc.New(
		registry, coordinator, circuit, tracker, kill, completer, cache,
		gatewayuc.Config{
			BreakerScope: breakerScope,
			GuildBudget: gatewayuc.GuildBudget{
				DailyTokens:  cfg.Gateway.GuildBudget.DailyTokenLimit,
				WeeklyTokens: cfg.Gateway.GuildBudget.WeeklyTokenLimit,
				DailyCalls:   cfg.Gateway.GuildBudget.DailyCallLimit,
				WeeklyCalls:  cfg.Gateway.GuildBudget.WeeklyCallLimit,
			},
		},
		logger,
	)

	// Create chi server
	server := chiTransport.NewServer(gateway, kill, store, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Register(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
