package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blacktop/cawatch/internal/watch"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "cawatch:session:"

// Redis is a SessionStore backed by redis string keys.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisWithClient(client, 0), nil
}

// NewRedisWithClient wraps an existing client. A zero ttl keeps sessions
// until they are deleted.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) key(k watch.AccountKey) string {
	return sessionKeyPrefix + k.String()
}

func (r *Redis) Get(ctx context.Context, key watch.AccountKey) (string, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get session %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Put(ctx context.Context, key watch.AccountKey, token string) error {
	if err := r.client.Set(ctx, r.key(key), token, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key watch.AccountKey) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

// Close closes the redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
