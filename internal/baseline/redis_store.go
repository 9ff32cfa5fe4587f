// Package baseline persists the latest observed snapshot per policy, giving
// the change detector a prior-state value for before/after diffing.
package baseline

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one snapshot per policy keyed by policy id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed baseline store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "snapshot:",
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "snapshot:",
	}
}

func (s *RedisStore) key(policyID string) string {
	return s.prefix + policyID
}

// Latest returns the stored snapshot for a policy, or nil when none exists.
func (s *RedisStore) Latest(ctx context.Context, policyID string) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.key(policyID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline snapshot: %w", err)
	}
	return raw, nil
}

// Store overwrites the baseline snapshot for a policy. Baselines have no
// expiry: the prior state stays valid until the next detected change.
func (s *RedisStore) Store(ctx context.Context, policyID string, raw []byte) error {
	if err := s.client.Set(ctx, s.key(policyID), raw, 0).Err(); err != nil {
		return fmt.Errorf("store baseline snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
