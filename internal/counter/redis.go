package counter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments atomically and attaches the TTL only when the write
// created the key, so an in-flight window keeps its original deadline.
var incrScript = redis.NewScript(`
local current = redis.call("INCRBY", KEYS[1], ARGV[1])
if current == tonumber(ARGV[1]) and tonumber(ARGV[2]) > 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return current
`)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore. All keys are namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: strings.TrimSpace(prefix)}
}

func (s *RedisStore) buildKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *RedisStore) stripKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+":")
}

// Get returns the counter value, 0 when the key is absent.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, s.buildKey(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("counter redis: get %s: %w", key, err)
	}
	return val, nil
}

// IncrBy runs the INCRBY+EXPIRE script as a single round trip.
func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ttlSeconds := int64(ttl / time.Second)
	res, err := incrScript.Run(ctx, s.client, []string{s.buildKey(key)}, delta, ttlSeconds).Result()
	if err != nil {
		return 0, fmt.Errorf("counter redis: incr %s: %w", key, err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("counter redis: unexpected response type %T", res)
	}
	return count, nil
}

// Delete removes the key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("counter redis: delete %s: %w", key, err)
	}
	return nil
}

// Keys scans for live keys under prefix.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.buildKey(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, s.stripKey(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("counter redis: scan %s: %w", prefix, err)
	}
	return keys, nil
}

// Ping probes the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("counter redis: ping: %w", err)
	}
	return nil
}
