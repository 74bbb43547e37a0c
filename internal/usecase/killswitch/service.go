// Package killswitch is the global AI disable flag. The static config
// flag needs a redeploy to change; the store-backed runtime flag can be
// flipped instantly by an operator (or an anomaly monitor) and carries a
// reason plus a TTL so it cannot be forgotten.
package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/aigate/internal/db"
	"github.com/kailas-cloud/aigate/internal/domain"
)

const (
	keyDisabled = domain.KeyPrefix + "disabled"
	keyMeta     = domain.KeyPrefix + "disabled:meta"

	minTTL = time.Minute
)

// store is the consumer interface for the kill switch (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) (bool, error)
}

// Meta describes why and when the gateway was disabled.
type Meta struct {
	DisabledAt int64  `json:"t"`
	Reason     string `json:"reason"`
	TTLSec     int    `json:"ttl_s"`
}

// Service reads and toggles the kill switch.
type Service struct {
	store  store
	static bool // config-level flag, set at startup
	now    func() time.Time
	logger *zap.Logger
}

// New creates a kill switch service. static mirrors the config flag.
func New(s store, static bool, logger *zap.Logger) *Service {
	return &Service{
		store:  s,
		static: static,
		now:    time.Now,
		logger: logger,
	}
}

// IsDisabled reports whether the gateway is disabled, with the runtime
// reason when one was recorded. If the store is unreachable only the
// static flag counts: an unreachable store must not disable the product.
func (s *Service) IsDisabled(ctx context.Context) (bool, string) {
	if s.static {
		return true, ""
	}

	val, err := s.store.Get(ctx, keyDisabled)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			s.logger.Warn("Kill switch unreadable; assuming enabled", zap.Error(err))
		}
		return false, ""
	}
	if string(val) != "1" {
		return false, ""
	}

	meta, ok := s.meta(ctx)
	if !ok {
		return true, ""
	}
	return true, meta.Reason
}

// Disable sets the runtime flag for ttl (floored to one minute).
func (s *Service) Disable(ctx context.Context, reason string, ttl time.Duration) error {
	if ttl < minTTL {
		ttl = minTTL
	}
	if err := s.store.SetWithTTL(ctx, keyDisabled, []byte("1"), ttl); err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}

	meta := Meta{
		DisabledAt: s.now().Unix(),
		Reason:     reason,
		TTLSec:     int(ttl.Seconds()),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal kill switch meta: %w", err)
	}
	// Meta outlives the flag a little so operators can still see why.
	if err := s.store.SetWithTTL(ctx, keyMeta, data, ttl+5*time.Minute); err != nil {
		s.logger.Warn("Failed to record kill switch meta", zap.Error(err))
	}

	s.logger.Warn("AI gateway disabled",
		zap.String("reason", reason),
		zap.Duration("ttl", ttl))
	return nil
}

// Enable clears the runtime flag. The static config flag is untouched.
func (s *Service) Enable(ctx context.Context) error {
	if _, err := s.store.Del(ctx, keyDisabled); err != nil {
		return fmt.Errorf("clear kill switch: %w", err)
	}
	if _, err := s.store.Del(ctx, keyMeta); err != nil {
		s.logger.Warn("Failed to clear kill switch meta", zap.Error(err))
	}
	s.logger.Info("AI gateway re-enabled")
	return nil
}

// Status returns the runtime meta when the switch is set.
func (s *Service) Status(ctx context.Context) (Meta, bool) {
	disabled, _ := s.IsDisabled(ctx)
	if !disabled {
		return Meta{}, false
	}
	meta, _ := s.meta(ctx)
	return meta, true
}

func (s *Service) meta(ctx context.Context) (Meta, bool) {
	raw, err := s.store.Get(ctx, keyMeta)
	if err != nil {
		return Meta{}, false
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		s.logger.Warn("Malformed kill switch meta", zap.Error(err))
		return Meta{}, false
	}
	return meta, true
}
