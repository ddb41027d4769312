// Package cache keeps validated raw answers in Redis so that a repeated
// request can skip the model entirely.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces cache keys.
const DefaultPrefix = "safegen:answer:"

// entry is what gets stored per key.
type entry struct {
	Raw      string    `json:"raw"`
	StoredAt time.Time `json:"stored_at"`
}

// RedisCache stores raw answers that passed validation. Callers re-validate
// on read, so a stale entry is never returned as a result on its own.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// Option configures a RedisCache.
type Option func(*RedisCache)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(p string) Option {
	return func(r *RedisCache) { r.prefix = p }
}

// NewRedisCache creates a new Redis-backed answer cache.
func NewRedisCache(addr, password string, db int, ttl time.Duration, opts ...Option) *RedisCache {
	r := &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl:    ttl,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the raw answer stored under key and whether one was found.
func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis_cache: get: %w", err)
	}

	var e entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return "", false, fmt.Errorf("redis_cache: unmarshal: %w", err)
	}
	return e.Raw, true, nil
}

// Set stores a raw answer with the configured TTL.
func (r *RedisCache) Set(ctx context.Context, key, raw string) error {
	data, err := json.Marshal(entry{Raw: raw, StoredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("redis_cache: marshal: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, string(data), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis_cache: set: %w", err)
	}
	return nil
}

// Delete drops a cached answer.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis_cache: delete: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
