package counterstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs Store with a shared Redis instance, the multi-writer
// store the wake subsystem's guardrails need (§6 "Counter store").
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected *redis.Client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// incrWithTTL is the INCR-then-EXPIRE-if-first Lua script: EXPIRE only runs
// when INCR just created the key, so re-incrementing an existing counter
// never resets its remaining TTL.
const incrWithTTLScript = `
local v = redis.call("INCR", KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return v
`

func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := s.rdb.Eval(ctx, incrWithTTLScript, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("counterstore: incr %s: %w", key, err)
	}
	v, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("counterstore: incr %s: unexpected reply type %T", key, res)
	}
	return v, nil
}

func (s *RedisStore) Decrement(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("counterstore: decr %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counterstore: get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) SetTimestamp(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, at.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("counterstore: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetTimestamp(ctx context.Context, key string) (time.Time, error) {
	ms, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("counterstore: get timestamp %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

var _ Store = (*RedisStore)(nil)
