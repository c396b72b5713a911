package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisRetries = 8

// RedisConfig describes how to reach the shared network store.
type RedisConfig struct {
	Addr       string
	Username   string
	Password   string
	DB         int
	KeyPrefix  string
	MaxRetries int
	Timeout    time.Duration
}

// RedisDB is a Database shared by every backend instance pointing at the same
// Redis server. Update uses WATCH/MULTI/EXEC so concurrent read-modify-write
// sequences from different processes cannot overwrite each other.
type RedisDB struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

// NewRedisDB dials Redis and verifies connectivity.
func NewRedisDB(ctx context.Context, cfg RedisConfig) (*RedisDB, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisDBFromClient(client, cfg.KeyPrefix, cfg.MaxRetries), nil
}

// NewRedisDBFromClient wraps an existing client.
func NewRedisDBFromClient(client redis.UniversalClient, prefix string, maxRetries int) *RedisDB {
	if maxRetries <= 0 {
		maxRetries = defaultRedisRetries
	}
	return &RedisDB{client: client, prefix: prefix, maxRetries: maxRetries}
}

func (r *RedisDB) key(key string) string {
	return r.prefix + key
}

func (r *RedisDB) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

func (r *RedisDB) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisDB) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return removed > 0, nil
}

// Update retries the optimistic transaction until it commits without another
// writer touching the key, or returns ErrConflict once retries run out.
func (r *RedisDB) Update(ctx context.Context, key string, fn UpdateFunc) error {
	fullKey := r.key(key)
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, fullKey)
				return nil
			}
			pipe.Set(ctx, fullKey, next, 0)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txn, fullKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (r *RedisDB) Close() error {
	return r.client.Close()
}
