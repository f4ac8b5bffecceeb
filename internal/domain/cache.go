package domain

import (
	"context"
	"time"
)

// Cache defines the key-value cache boundary used for reference-data caching
// and velocity counters. Cache unavailability degrades enrichment but never
// blocks the pipeline; every method is bounded by its context deadline.
type Cache interface {
	// Get retrieves a value. Returns nil, nil if the key is not present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a time-to-live.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically increments a windowed counter and returns
	// the new value. Used for velocity checks.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Ping checks cache reachability.
	Ping(ctx context.Context) error

	// Close releases cache resources.
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis".
	Type string `json:"type"`

	// In-memory LRU settings.
	LocalMaxSize int `json:"localMaxSize"`

	// Redis settings.
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	// OpTimeout bounds every cache call made from the pipeline.
	OpTimeout time.Duration `json:"opTimeout"`

	// ReferenceTTL bounds cached reference-data entries.
	ReferenceTTL time.Duration `json:"referenceTTL"`
}
