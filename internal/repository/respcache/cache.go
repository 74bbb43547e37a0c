// Package respcache caches completion text for short, memory-free talk
// prompts so repeated greetings never spend a slot or a token budget.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kailas-cloud/aigate/internal/db"
	"github.com/kailas-cloud/aigate/internal/domain"
)

var cacheKeyPrefix = domain.KeyPrefix + "resp_cache:"

// store is the consumer interface for the response cache (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cache is a best-effort response cache: every failure is a miss, never
// an error surfaced to the caller.
type Cache struct {
	store        store
	ttl          time.Duration
	maxPromptLen int
	cacheTotal   *prometheus.CounterVec
	logger       *zap.Logger
}

// New creates a response cache.
// cacheTotal is a counter vec with label "result" ("hit"/"miss"), passed explicitly.
func New(
	s store,
	ttl time.Duration,
	maxPromptLen int,
	cacheTotal *prometheus.CounterVec,
	logger *zap.Logger,
) *Cache {
	return &Cache{
		store:        s,
		ttl:          ttl,
		maxPromptLen: maxPromptLen,
		cacheTotal:   cacheTotal,
		logger:       logger,
	}
}

// Eligible reports whether a request may use the cache: talk mode only,
// a short prompt, no per-user memory, and a stable character identity.
func (c *Cache) Eligible(mode domain.Mode, prompt, characterID string, hasMemory bool) bool {
	return mode == domain.ModeTalk &&
		characterID != "" &&
		!hasMemory &&
		len(prompt) > 0 &&
		len(prompt) <= c.maxPromptLen
}

// Get returns a cached response for the character+prompt pair.
func (c *Cache) Get(ctx context.Context, characterID, prompt string) (string, bool) {
	key := c.cacheKey(characterID, prompt)

	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.logger.Warn("Failed to get cached response", zap.String("key", key), zap.Error(err))
		}
		c.incCache("miss")
		return "", false
	}
	if len(data) == 0 {
		c.incCache("miss")
		return "", false
	}

	c.incCache("hit")
	return string(data), true
}

// Put stores a response. Errors are logged, never returned.
func (c *Cache) Put(ctx context.Context, characterID, prompt, text string) {
	if text == "" {
		return
	}
	key := c.cacheKey(characterID, prompt)
	if err := c.store.SetWithTTL(ctx, key, []byte(text), c.ttl); err != nil {
		c.logger.Warn("Failed to cache response", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) incCache(result string) {
	if c.cacheTotal != nil {
		c.cacheTotal.WithLabelValues(result).Inc()
	}
}

func (c *Cache) cacheKey(characterID, prompt string) string {
	h := sha256.Sum256([]byte(prompt))
	return cacheKeyPrefix + characterID + ":" + hex.EncodeToString(h[:16])
}
