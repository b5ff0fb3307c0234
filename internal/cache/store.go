package cache

import (
	"context"
	"time"
)

// Store is a byte-level key/value backend with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	// Keys lists live keys matching a glob pattern where only '*' is special.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Len(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)
