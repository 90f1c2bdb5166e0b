// Package cache fronts the durable store with a shared Redis cache keyed by
// the deterministic names from package keys.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss signals that a key is absent from the backend.
var ErrMiss = errors.New("cache: miss")

// Backend is the key-value contract the entity cache needs. Add stores only
// when the key is absent and reports whether it did.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

type RedisBackend struct {
	client *redis.Client
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

const defaultPrefix = "mrray:"

func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackendWithClient(client), nil
}

func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: defaultPrefix}
}

func (b *RedisBackend) key(name string) string {
	return b.prefix + name
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return value, nil
}

func (b *RedisBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache add: %w", err)
	}
	return ok, nil
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = b.key(key)
	}
	if err := b.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// NopBackend never holds anything; every read misses. Used when no Redis
// is configured.
type NopBackend struct{}

var _ Backend = NopBackend{}

func (NopBackend) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }

func (NopBackend) Add(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, nil
}

func (NopBackend) Delete(context.Context, ...string) error { return nil }
func (NopBackend) Ping(context.Context) error              { return nil }
func (NopBackend) Close() error                             { return nil }
