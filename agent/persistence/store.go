// Package persistence provides the key/value persistence layer used by the
// runtime for blackboards, approval requests and workflow checkpoints.
//
// Supported backends:
// - Memory: For development and testing (default)
// - File: For single-node production deployments
// - Redis: For distributed production deployments
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
)

// RetryConfig defines retry behavior for backend writes
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the initial backoff duration (default: 100ms)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration (default: 5s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// backOff returns the exponential schedule for one retried operation.
// Zero fields keep the library defaults; jitter is disabled.
func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	if c.InitialBackoff > 0 {
		b.InitialInterval = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		b.MaxInterval = c.MaxBackoff
	}
	if c.BackoffMultiplier >= 1 {
		b.Multiplier = c.BackoffMultiplier
	}
	b.Reset()
	return b
}

// CleanupConfig defines how expired entries are swept
type CleanupConfig struct {
	// Enabled determines if automatic cleanup is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is how often cleanup runs (default: 1m)
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// DefaultCleanupConfig returns the default cleanup configuration
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:  true,
		Interval: time.Minute,
	}
}

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`

	// Retry configuration
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Cleanup configuration
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Host is the Redis server host
	Host string `json:"host" yaml:"host"`

	// Port is the Redis server port
	Port int `json:"port" yaml:"port"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeMemory,
		BaseDir: "./data/persistence",
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "fleetflow:",
		},
		Retry:   DefaultRetryConfig(),
		Cleanup: DefaultCleanupConfig(),
	}
}

// Entry is a stored value together with its bookkeeping.
type Entry struct {
	Namespace string     `json:"namespace"`
	Key       string     `json:"key"`
	Value     []byte     `json:"value"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Store is a namespaced key/value store with optional per-entry TTL.
// A ttl of zero means the entry never expires.
type Store interface {
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Delete(ctx context.Context, namespace, key string) error
	// List returns the live entries of a namespace sorted by key.
	List(ctx context.Context, namespace string) ([]Entry, error)

	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// PutJSON marshals v and stores it.
func PutJSON(ctx context.Context, s Store, namespace, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", namespace, key, err)
	}
	return s.Put(ctx, namespace, key, data, ttl)
}

// GetJSON loads a value and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, namespace, key string, v any) error {
	data, err := s.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", namespace, key, err)
	}
	return nil
}

func validateKey(namespace, key string) error {
	if namespace == "" || key == "" {
		return fmt.Errorf("%w: namespace and key are required", ErrInvalidInput)
	}
	return nil
}
