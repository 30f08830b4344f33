package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed production deployments.
// Each entry is a string key holding the JSON entry; a sorted set per
// namespace indexes the keys for List.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	retry     RetryConfig
	ownClient bool
}

// NewRedisStore creates a new Redis-based store
func NewRedisStore(config StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := NewRedisStoreWithClient(client, config.Redis.KeyPrefix, config.Retry)
	store.ownClient = true
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership of the client; Close does not close it.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, retry RetryConfig) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "fleetflow:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "kv:",
		retry:     retry,
	}
}

// Close closes the store
func (s *RedisStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// dataKey returns the Redis key for an entry
func (s *RedisStore) dataKey(namespace, key string) string {
	return s.keyPrefix + "data:" + namespace + ":" + key
}

// indexKey returns the Redis key for a namespace index
func (s *RedisStore) indexKey(namespace string) string {
	return s.keyPrefix + "idx:" + namespace
}

// Put stores a value
func (s *RedisStore) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}

	now := time.Now()
	entry := Entry{Namespace: namespace, Key: key, Value: value, UpdatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	return s.withRetry(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.dataKey(namespace, key), data, ttl)
		pipe.ZAdd(ctx, s.indexKey(namespace), redis.Z{Score: float64(now.UnixNano()), Member: key})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Get retrieves a value
func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.dataKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", namespace, key, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return entry.Value, nil
}

// Delete removes a value
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	return s.withRetry(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.dataKey(namespace, key))
		pipe.ZRem(ctx, s.indexKey(namespace), key)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// List returns the live entries of a namespace. Index members whose data key
// has expired are pruned on the way.
func (s *RedisStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	keys, err := s.client.ZRange(ctx, s.indexKey(namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	if len(keys) == 0 {
		return []Entry{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, s.dataKey(namespace, key))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load %s: %w", namespace, err)
	}

	result := make([]Entry, 0, len(keys))
	var stale []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, keys[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		result = append(result, entry)
	}

	if len(stale) > 0 {
		s.client.ZRem(ctx, s.indexKey(namespace), stale...)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// withRetry retries transient Redis failures using the configured backoff.
func (s *RedisStore) withRetry(ctx context.Context, fn func() error) error {
	if s.retry.MaxRetries <= 0 {
		return fn()
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(s.retry.backOff()),
		backoff.WithMaxTries(uint(s.retry.MaxRetries)+1),
	)
	return err
}
