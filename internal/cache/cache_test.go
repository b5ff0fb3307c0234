package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryCache(clock *testClock) *Cache {
	opts := DefaultOptions()
	if clock != nil {
		opts.Clock = clock.Now
	}
	return NewWithStore(nil, opts, zerolog.Nop())
}

func TestSetGetExpires(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := newMemoryCache(clock)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "portfolio:0xabc", map[string]float64{"total": 42}, 10*time.Second))

	got, ok := GetTyped[map[string]float64](ctx, c, "portfolio:0xabc")
	require.True(t, ok)
	assert.Equal(t, 42.0, got["total"])

	clock.Advance(10 * time.Second)
	_, ok = GetTyped[map[string]float64](ctx, c, "portfolio:0xabc")
	assert.False(t, ok, "entry must be absent once ttl elapses")
}

func TestSetDefaultTTL(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	c := newMemoryCache(clock)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	clock.Advance(899 * time.Second)
	_, ok := GetTyped[string](ctx, c, "k")
	assert.True(t, ok)
	clock.Advance(time.Second)
	_, ok = GetTyped[string](ctx, c, "k")
	assert.False(t, ok)
}

func TestGetOrSetSingleCompute(t *testing.T) {
	c := newMemoryCache(nil)
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(context.Context) (int, error) {
		computes.Add(1)
		time.Sleep(30 * time.Millisecond)
		return 17, nil
	}

	const callers = 20
	results := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := GetOrSet(ctx, c, "price:42", time.Minute, compute)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), computes.Load())
	for _, v := range results {
		assert.Equal(t, 17, v)
	}
}

func TestGetOrSetSharedComputeOutlivesCancelledCaller(t *testing.T) {
	c := newMemoryCache(nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var computeErr atomic.Value
	var once sync.Once
	compute := func(ctx context.Context) (int, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			computeErr.Store(err)
			return 0, err
		}
		return 17, nil
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := GetOrSet(firstCtx, c, "price:42", time.Minute, compute)
		firstErr <- err
	}()
	<-started

	second := make(chan int, 1)
	go func() {
		v, err := GetOrSet(context.Background(), c, "price:42", time.Minute, compute)
		assert.NoError(t, err)
		second <- v
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	select {
	case v := <-second:
		assert.Equal(t, 17, v)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got the shared result")
	}
	assert.Nil(t, computeErr.Load(), "shared compute must not see the first caller's cancellation")

	cached, ok := GetTyped[int](context.Background(), c, "price:42")
	assert.True(t, ok)
	assert.Equal(t, 17, cached)
}

func TestGetOrSetSkipsEmptyAndErrors(t *testing.T) {
	c := newMemoryCache(nil)
	ctx := context.Background()

	calls := 0
	empty := func(context.Context) ([]string, error) {
		calls++
		return []string{}, nil
	}
	_, err := GetOrSet(ctx, c, "holdings:0x1", time.Minute, empty)
	require.NoError(t, err)
	_, err = GetOrSet(ctx, c, "holdings:0x1", time.Minute, empty)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "empty results are not cached")

	boom := errors.New("indexer down")
	_, err = GetOrSet(ctx, c, "price:1", time.Minute, func(context.Context) (float64, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	_, ok := GetTyped[float64](ctx, c, "price:1")
	assert.False(t, ok)
}

func TestInvalidatePattern(t *testing.T) {
	c := newMemoryCache(nil)
	ctx := context.Background()

	for _, k := range []string{"price:1", "price:2", "price:last:1", "metadata:1", "price?x"} {
		require.NoError(t, c.Set(ctx, k, 1, time.Minute))
	}

	assert.Equal(t, 3, c.Invalidate(ctx, "price:*"))
	assert.Equal(t, 0, c.Invalidate(ctx, "price:*"))
	assert.Equal(t, 1, c.Invalidate(ctx, "price?x"), "'?' is literal")
	assert.Equal(t, 1, c.Stats(ctx).KeyCount)
}

type brokenStore struct {
	*MemoryStore
	calls atomic.Int32
}

func (b *brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	b.calls.Add(1)
	return nil, false, errors.New("connection reset")
}

func (b *brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	b.calls.Add(1)
	return errors.New("connection reset")
}

func TestFallbackIsPermanent(t *testing.T) {
	remote := &brokenStore{MemoryStore: NewMemoryStore(nil)}
	c := NewWithStore(remote, DefaultOptions(), zerolog.Nop())
	ctx := context.Background()
	require.Equal(t, BackendRedis, c.Backend())

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	assert.Equal(t, BackendMemory, c.Backend())

	v, ok := GetTyped[string](ctx, c, "k")
	require.True(t, ok, "write retried against memory")
	assert.Equal(t, "v", v)
	assert.Equal(t, int32(1), remote.calls.Load(), "remote is never retried")
}

func TestNewWithUnreachableRedis(t *testing.T) {
	opts := DefaultOptions()
	opts.RedisURL = "redis://127.0.0.1:1/0"
	opts.ConnectTimeout = 200 * time.Millisecond

	c := New(context.Background(), opts, zerolog.Nop())
	assert.Equal(t, BackendMemory, c.Backend())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", 1, time.Minute))
	_, ok := GetTyped[int](ctx, c, "k")
	assert.True(t, ok)
}

func TestMemorySweep(t *testing.T) {
	clock := &testClock{now: time.Unix(100, 0)}
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "b", []byte("1"), time.Hour))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, s.size(), "expired entries linger until swept")
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.size())
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"price:*", "price:1", true},
		{"price:*", "metadata:1", false},
		{"*:1", "price:1", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXcYYb", false},
		{"a*a", "a", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}
