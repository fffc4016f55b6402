package domain

import (
	"context"
	"time"
)

// Cache defines the interface for shared, out-of-process caching.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes values from cache.
	Delete(ctx context.Context, keys ...string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "none" or "redis"
	Type string `json:"type" env:"CACHE_TYPE"`

	// PriceTTL bounds how long a cached price table is trusted.
	PriceTTL time.Duration `json:"priceTtl" env:"CACHE_PRICE_TTL"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string `json:"-" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redisDb" env:"REDIS_DB"`
}
