package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript purges, counts and conditionally admits in one round trip.
// Scores are unix microseconds; every member counts as one request.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local oldest = -1
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #first > 0 then
  oldest = tonumber(first[2])
end
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  allowed = 1
end
redis.call('PEXPIRE', key, math.ceil(window / 1000))
return {allowed, count, oldest}
`)

// chargeScript increments a lifetime counter only while it is below the limit
var chargeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
  return {count, 0}
end
count = redis.call('INCR', KEYS[1])
return {count, 1}
`)

// RedisWindowStore keeps windows in Redis sorted sets so that several
// service instances share one linearizable quota per identity
type RedisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindowStore creates a window store on client; keys are prefix+identity
func NewRedisWindowStore(client redis.UniversalClient, prefix string) *RedisWindowStore {
	if prefix == "" {
		prefix = "concierge:rl:"
	}
	return &RedisWindowStore{client: client, prefix: prefix}
}

// Admit implements WindowStore
func (s *RedisWindowStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error) {
	res, err := admitScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		now.UnixMicro(), window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis admit %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis admit %s: unexpected reply length %d", key, len(res))
	}

	allowed, count, oldest := res[0] == 1, int(res[1]), res[2]

	reset := now.Add(window).Unix()
	if count > 0 && oldest >= 0 {
		reset = time.UnixMicro(oldest).Add(window).Unix()
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed: allowed,
		RateInfo: RateInfo{
			Limit:     limit,
			Remaining: remaining,
			Reset:     reset,
		},
	}, nil
}

// RedisTrialStore keeps lifetime trial counters in Redis; keys never expire
type RedisTrialStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTrialStore creates a trial store on client; keys are prefix+identity
func NewRedisTrialStore(client redis.UniversalClient, prefix string) *RedisTrialStore {
	if prefix == "" {
		prefix = "concierge:trial:"
	}
	return &RedisTrialStore{client: client, prefix: prefix}
}

// Count implements TrialStore
func (s *RedisTrialStore) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis trial count %s: %w", key, err)
	}
	return n, nil
}

// Increment implements TrialStore
func (s *RedisTrialStore) Increment(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis trial increment %s: %w", key, err)
	}
	return n, nil
}

// ChargeIfBelow implements TrialStore
func (s *RedisTrialStore) ChargeIfBelow(ctx context.Context, key string, limit int64) (int64, bool, error) {
	res, err := chargeScript.Run(ctx, s.client, []string{s.prefix + key}, limit).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis trial charge %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis trial charge %s: unexpected reply length %d", key, len(res))
	}
	return res[0], res[1] == 1, nil
}
