package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/aigate/internal/db"
)

// Server-side prune-then-add for expiry-scored sets. Pruning and the
// size read must happen in one atomic unit, or two concurrent adders
// could both count a member the other just removed.
var zaddPruneScript = rueidis.NewLuaScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return redis.call('ZCARD', KEYS[1])
`)

// ZAddPrune atomically drops members scored at or below min, adds
// member at score, refreshes the key TTL, and returns the new set size.
func (s *Store) ZAddPrune(ctx context.Context, key, member string, min, score int64, ttl time.Duration) (int64, error) {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	res := zaddPruneScript.Exec(ctx, s.client,
		[]string{key},
		[]string{
			strconv.FormatInt(min, 10),
			strconv.FormatInt(score, 10),
			member,
			strconv.FormatInt(ms, 10),
		},
	)
	n, err := res.AsInt64()
	if err != nil {
		return 0, &db.Error{Op: db.OpEval, Err: err}
	}
	return n, nil
}

// ZRem removes member from the sorted set at key, reporting whether it
// was present.
func (s *Store) ZRem(ctx context.Context, key, member string) (bool, error) {
	cmd := s.b().Zrem().Key(key).Member(member).Build()
	n, err := s.do(ctx, cmd).AsInt64()
	if err != nil {
		return false, &db.Error{Op: db.OpZRem, Err: err}
	}
	return n > 0, nil
}
