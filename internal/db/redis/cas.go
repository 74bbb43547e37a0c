package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/aigate/internal/db"
)

// Server-side compare-and-set. An empty ARGV[1] means "set only if the
// key is absent"; circuit-breaker state blobs are never empty, so the
// sentinel is unambiguous.
var casScript = rueidis.NewLuaScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
  if cur then return 0 end
else
  if not cur or cur ~= ARGV[1] then return 0 end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// CompareAndSet atomically replaces the value at key only if the current
// value equals expected (nil expected = set-if-absent). A zero ttl keeps
// the key without expiry.
func (s *Store) CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	ms := int64(0)
	if ttl > 0 {
		ms = ttl.Milliseconds()
		if ms == 0 {
			ms = 1
		}
	}
	res := casScript.Exec(ctx, s.client,
		[]string{key},
		[]string{string(expected), string(value), strconv.FormatInt(ms, 10)},
	)
	n, err := res.AsInt64()
	if err != nil {
		return false, &db.Error{Op: db.OpEval, Err: err}
	}
	return n == 1, nil
}
