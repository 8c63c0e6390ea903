package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript counts one hit atomically.
// KEYS[1] = bucket key
// ARGV[1] = limit
// ARGV[2] = window in milliseconds
// Returns 1 when allowed, 0 when the bucket is full.
var fixedWindowScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]))
if not count then
    redis.call("SET", KEYS[1], 1, "PX", ARGV[2])
    return 1
end
if count >= tonumber(ARGV[1]) then
    return 0
end
redis.call("INCR", KEYS[1])
return 1
`)

// RedisStore shares buckets across broker instances. Window expiry is
// delegated to the key TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to a single Redis node.
func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(client)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "broker:ratelimit:"}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, limit, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	return res == 1, nil
}
