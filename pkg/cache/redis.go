// Package cache: Redis-backed Cache implementation.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache over a shared *redis.Client.
type RedisCache struct {
	client *redis.Client
	config Config
}

// NewRedisCache dials and pings the configured Redis server.
func NewRedisCache(cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return &RedisCache{client: client, config: cfg}, nil
}

// NewRedisCacheFromClient wraps an already-connected client, as used when
// the gateway shares one Redis connection across cache/lock/ratelimit/streamqueue.
func NewRedisCacheFromClient(client *redis.Client, cfg Config) *RedisCache {
	return &RedisCache{client: client, config: cfg}
}

func (rc *RedisCache) prefixKey(key string) string {
	if rc.config.Prefix == "" {
		return key
	}
	return rc.config.Prefix + ":" + key
}

// Get retrieves a value from Redis.
func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := rc.client.Get(ctx, rc.prefixKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("cache: get failed: %w", err)
	}
	return result, nil
}

// Set stores a value in Redis.
func (rc *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = rc.config.DefaultTTL
	}

	err := rc.client.Set(ctx, rc.prefixKey(key), value, ttl).Err()
	if err != nil {
		return fmt.Errorf("cache: set failed: %w", err)
	}
	return nil
}

// Delete removes a key from Redis.
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	err := rc.client.Del(ctx, rc.prefixKey(key)).Err()
	if err != nil {
		return fmt.Errorf("cache: delete failed: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (rc *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := rc.client.Exists(ctx, rc.prefixKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cache: exists check failed: %w", err)
	}
	return result > 0, nil
}

// Clear removes all keys with the configured prefix.
func (rc *RedisCache) Clear(ctx context.Context) error {
	if rc.config.Prefix == "" {
		return fmt.Errorf("cache: clear without prefix is not allowed, use FLUSHDB directly if needed")
	}
	return rc.scanDelete(ctx, rc.config.Prefix+":*")
}

// InvalidatePattern deletes every key matching a raw (unprefixed) glob
// pattern via SCAN, used to implement invalidateCache/invalidateByPrefix
// (spec.md §4.4) against a tag or query prefix rather than the whole cache.
func (rc *RedisCache) InvalidatePattern(ctx context.Context, pattern string) error {
	return rc.scanDelete(ctx, rc.prefixKey(pattern))
}

func (rc *RedisCache) scanDelete(ctx context.Context, pattern string) error {
	iter := rc.client.Scan(ctx, 0, pattern, 100).Iterator()

	for iter.Next(ctx) {
		if err := rc.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("cache: failed to delete key %s: %w", iter.Val(), err)
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// Stats returns cache statistics.
func (rc *RedisCache) Stats(ctx context.Context) (CacheStats, error) {
	stats := CacheStats{}

	dbSize, err := rc.client.DBSize(ctx).Result()
	if err == nil {
		stats.KeyCount = dbSize
	}

	return stats, nil
}

// SetNX sets a key only if it doesn't exist.
func (rc *RedisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	result, err := rc.client.SetNX(ctx, rc.prefixKey(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: setnx failed: %w", err)
	}
	return result, nil
}

// Client returns the underlying Redis client for operations this wrapper
// doesn't cover.
func (rc *RedisCache) Client() *redis.Client {
	return rc.client
}
