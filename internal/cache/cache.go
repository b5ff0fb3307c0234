package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"collectible-alerts/internal/scheduler"
)

// Options configure the tiered cache.
type Options struct {
	RedisURL       string
	KeyPrefix      string
	ConnectTimeout time.Duration
	DefaultTTL     time.Duration
	SweepInterval  time.Duration
	// ComputeTimeout bounds a GetOrSet compute shared by concurrent callers.
	ComputeTimeout time.Duration
	// Clock overrides time.Now for the memory tier.
	Clock func() time.Time
}

// DefaultOptions mirrors the documented defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: time.Second,
		DefaultTTL:     900 * time.Second,
		SweepInterval:  5 * time.Minute,
		ComputeTimeout: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = d.DefaultTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.ComputeTimeout <= 0 {
		o.ComputeTimeout = d.ComputeTimeout
	}
	return o
}

// Cache prefers a remote store and falls back, permanently, to an in-process
// map on the first backend failure. Backend errors never reach callers.
type Cache struct {
	opts   Options
	logger zerolog.Logger

	memory *MemoryStore
	remote Store
	// degraded flips once and never back.
	degraded     atomic.Bool
	fallbackOnce sync.Once

	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New connects to Redis when a URL is configured. Any connection failure
// activates the memory tier for the rest of the process lifetime.
func New(ctx context.Context, opts Options, logger zerolog.Logger) *Cache {
	opts = opts.withDefaults()
	c := newCache(nil, opts, logger)

	if opts.RedisURL == "" {
		c.logger.Info().Msg("no remote cache configured; using in-memory store")
		c.degraded.Store(true)
		return c
	}

	remote, err := NewRedisStore(opts.RedisURL, opts.KeyPrefix, opts.ConnectTimeout)
	if err != nil {
		c.fallback(err)
		return c
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := remote.Ping(pingCtx); err != nil {
		_ = remote.Close()
		c.fallback(err)
		return c
	}

	c.remote = remote
	c.logger.Info().Msg("connected to redis cache")
	return c
}

// NewWithStore wires an explicit remote store; nil means memory only.
func NewWithStore(remote Store, opts Options, logger zerolog.Logger) *Cache {
	c := newCache(remote, opts.withDefaults(), logger)
	if remote == nil {
		c.degraded.Store(true)
	}
	return c
}

func newCache(remote Store, opts Options, logger zerolog.Logger) *Cache {
	return &Cache{
		opts:   opts,
		logger: logger.With().Str("component", "cache").Logger(),
		memory: NewMemoryStore(opts.Clock),
		remote: remote,
	}
}

func (c *Cache) store() Store {
	if c.degraded.Load() || c.remote == nil {
		return c.memory
	}
	return c.remote
}

// fallback switches to memory and logs the cause exactly once.
func (c *Cache) fallback(err error) {
	c.fallbackOnce.Do(func() {
		c.degraded.Store(true)
		c.logger.Warn().Err(err).Msg("cache backend unavailable; falling back to in-memory store")
	})
}

// observe routes a backend error into the fallback path. It returns true
// when the operation should be retried against memory.
func (c *Cache) observe(s Store, err error) bool {
	if err == nil || s == Store(c.memory) {
		return false
	}
	c.fallback(err)
	return true
}

// Backend reports which tier currently serves requests.
func (c *Cache) Backend() string {
	if c.store() == Store(c.memory) {
		return BackendMemory
	}
	return BackendRedis
}

// GetBytes returns the raw payload stored under key.
func (c *Cache) GetBytes(ctx context.Context, key string) ([]byte, bool) {
	return c.lookup(ctx, key, true)
}

func (c *Cache) lookup(ctx context.Context, key string, count bool) ([]byte, bool) {
	s := c.store()
	b, found, err := s.Get(ctx, key)
	if c.observe(s, err) {
		b, found, _ = c.memory.Get(ctx, key)
	}
	if !count {
		return b, found
	}
	if found {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return b, found
}

// SetBytes stores a raw payload; ttl <= 0 selects the default TTL.
func (c *Cache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	s := c.store()
	if c.observe(s, s.Set(ctx, key, value, ttl)) {
		_ = c.memory.Set(ctx, key, value, ttl)
	}
}

// Get decodes the value stored under key into dest.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	return c.decode(ctx, key, dest, true)
}

func (c *Cache) decode(ctx context.Context, key string, dest any, count bool) bool {
	b, found := c.lookup(ctx, key, count)
	if !found {
		return false
	}
	if err := json.Unmarshal(b, dest); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return false
	}
	return true
}

// Set overwrites key with a fresh TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	c.SetBytes(ctx, key, b, ttl)
	return nil
}

// Invalidate removes every key matching pattern and returns the count.
func (c *Cache) Invalidate(ctx context.Context, pattern string) int {
	s := c.store()
	keys, err := s.Keys(ctx, pattern)
	if c.observe(s, err) {
		s = c.memory
		keys, _ = s.Keys(ctx, pattern)
	}
	if len(keys) == 0 {
		return 0
	}
	n, err := s.Delete(ctx, keys...)
	if c.observe(s, err) {
		n, _ = c.memory.Delete(ctx, keys...)
	}
	return n
}

// Stats is the cache section of the health snapshot.
type Stats struct {
	BackendType string `json:"backendType"`
	KeyCount    int    `json:"keyCount"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
}

// Stats reports backend and key counts.
func (c *Cache) Stats(ctx context.Context) Stats {
	s := c.store()
	n, err := s.Len(ctx)
	if c.observe(s, err) {
		n, _ = c.memory.Len(ctx)
	}
	return Stats{
		BackendType: c.Backend(),
		KeyCount:    n,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
	}
}

// Run sweeps the memory tier until ctx is cancelled. The memory tier is
// swept even while Redis is healthy because a later failure may fill it.
func (c *Cache) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{Name: "cache_sweep", Interval: c.opts.SweepInterval}, c.logger)
	return sched.Every(ctx, func(ctx context.Context, at time.Time) error {
		if removed := c.memory.Sweep(); removed > 0 {
			c.logger.Debug().Int("removed", removed).Msg("swept expired cache entries")
		}
		return nil
	})
}

// Close releases the remote client.
func (c *Cache) Close() error {
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

// GetTyped decodes a cached value into T.
func GetTyped[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	if !c.Get(ctx, key, &v) {
		var zero T
		return zero, false
	}
	return v, true
}

// GetOrSet returns the cached value for key, or runs compute and caches a
// non-empty result. Concurrent callers for the same key share one compute,
// which runs detached from any single caller's cancellation and is bounded by
// ComputeTimeout. A caller whose ctx ends stops waiting without affecting the
// others. Compute errors are returned uncached.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := GetTyped[T](ctx, c, key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ComputeTimeout)
		defer cancel()

		var cached T
		if c.decode(cctx, key, &cached, false) {
			return cached, nil
		}
		v, err := compute(cctx)
		if err != nil {
			return v, err
		}
		b, mErr := json.Marshal(v)
		if mErr != nil {
			return v, fmt.Errorf("encode cache value %s: %w", key, mErr)
		}
		if !isEmptyPayload(b) {
			c.SetBytes(cctx, key, b, ttl)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	}
}

var emptyPayloads = [][]byte{[]byte("null"), []byte("[]"), []byte("{}"), []byte(`""`)}

func isEmptyPayload(b []byte) bool {
	b = bytes.TrimSpace(b)
	for _, e := range emptyPayloads {
		if bytes.Equal(b, e) {
			return true
		}
	}
	return false
}
