package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash that holds every namespace
const DefaultRedisKey = "venom:governor_state"

// RedisStore keeps each namespace as one field of a Redis hash. HSET on a
// single field leaves the other namespaces untouched, which gives the same
// per-namespace last-writer-wins contract as FileStore.
type RedisStore struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, timeout: 2 * time.Second}
}

// Load implements Store
func (s *RedisStore) Load(ns Namespace, v any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	raw, err := s.client.HGet(ctx, s.key, ns.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis hget %s: %w", ns, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", ns, err)
	}
	return true, nil
}

// Save implements Store
func (s *RedisStore) Save(ns Namespace, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ns, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.HSet(ctx, s.key, ns.String(), data).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", ns, err)
	}
	return nil
}

// Ping verifies the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
