package poller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MinInterval = time.Millisecond
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	cfg.SteadyCap = 2 * time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.PeakHours = nil
	return cfg
}

func newTestPoller(t *testing.T, cfg Config, opts ...Option) *Poller {
	t.Helper()
	p, err := New(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(p.StopAll)
	return p
}

func TestIntervalBoundsHoldForAnyOutcomeSequence(t *testing.T) {
	cfg := DefaultConfig()
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 200; run++ {
		interval, base, streak := cfg.InitialInterval, cfg.InitialInterval, 0
		for step := 0; step < 100; step++ {
			if rng.Intn(3) == 0 {
				streak++
				interval = cfg.afterFailure(base, streak)
				require.GreaterOrEqual(t, interval, cfg.MinInterval)
				require.LessOrEqual(t, interval, cfg.BackoffCap)
				continue
			}
			streak = 0
			latency := time.Duration(rng.Intn(4000)) * time.Millisecond
			interval = cfg.afterSuccess(interval, rng.Intn(4) == 0, rng.Intn(5) == 0, latency)
			base = interval
			require.GreaterOrEqual(t, interval, cfg.MinInterval)
			require.LessOrEqual(t, interval, cfg.MaxInterval)
		}
	}
}

func TestAfterSuccessBranches(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 7*time.Second, cfg.afterSuccess(10*time.Second, true, false, 0))
	assert.Equal(t, 7*time.Second, cfg.afterSuccess(10*time.Second, false, true, 0))
	assert.Equal(t, cfg.MinInterval, cfg.afterSuccess(6*time.Second, true, false, 0), "floored at min")

	assert.Equal(t, 120*time.Second, cfg.afterSuccess(110*time.Second, false, false, 3*time.Second), "slow growth capped at max")
	assert.Equal(t, 12*time.Second, cfg.afterSuccess(10*time.Second, false, false, 3*time.Second))

	assert.Equal(t, 11*time.Second, cfg.afterSuccess(10*time.Second, false, false, time.Second))
	assert.Equal(t, 60*time.Second, cfg.afterSuccess(58*time.Second, false, false, time.Second), "steady growth capped")
	assert.Equal(t, 60*time.Second, cfg.afterSuccess(300*time.Second, false, false, 0), "recovering from backoff")
}

func TestAfterFailureBackoff(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 15*time.Second, cfg.afterFailure(10*time.Second, 1))
	assert.Equal(t, 22500*time.Millisecond, cfg.afterFailure(10*time.Second, 2))
	assert.Equal(t, 300*time.Second, cfg.afterFailure(100*time.Second, 4))
}

func TestChangeAbove(t *testing.T) {
	v := ChangeAbove(0.05)
	assert.False(t, v(Observation{Value: 100}, Observation{Value: 105}))
	assert.True(t, v(Observation{Value: 100}, Observation{Value: 94}))
	assert.True(t, v(Observation{Value: 0}, Observation{Value: 1}))
	assert.False(t, v(Observation{Value: 0}, Observation{Value: 0}))
}

func TestLocalHours(t *testing.T) {
	peak := LocalHours([]int{9, 20})
	day := time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)
	assert.True(t, peak(day))
	assert.False(t, peak(day.Add(2*time.Hour)))
	assert.True(t, peak(day.Add(11*time.Hour)))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.BackoffCap = time.Second
	bad.MaxConsecutiveErrors = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_cap")
	assert.Contains(t, err.Error(), "max_consecutive_errors")
}

func TestSelfTerminatesAfterConsecutiveFailures(t *testing.T) {
	p := newTestPoller(t, fastConfig())

	var fetches atomic.Int32
	exhausted := make(chan *ExhaustedError, 1)
	boom := errors.New("ledger timeout")

	started := p.Start(context.Background(), "0xwallet", func(context.Context) (Observation, error) {
		fetches.Add(1)
		return Observation{}, boom
	}, Handlers{OnExhausted: func(e *ExhaustedError) { exhausted <- e }})
	require.True(t, started)

	select {
	case e := <-exhausted:
		assert.ErrorIs(t, e, ErrExhausted)
		assert.ErrorIs(t, e, boom)
		assert.Equal(t, 5, e.Failures)
	case <-time.After(2 * time.Second):
		t.Fatal("poller never exhausted")
	}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(5), fetches.Load(), "no fetches after exhaustion")
	assert.False(t, p.Active("0xwallet"))
	assert.Equal(t, 0, p.Stats().ActiveKeys)
}

func TestSuccessResetsStreak(t *testing.T) {
	p := newTestPoller(t, fastConfig())

	var n atomic.Int32
	done := make(chan struct{})
	var once sync.Once
	var maxStreak atomic.Int32

	p.Start(context.Background(), "k", func(context.Context) (Observation, error) {
		i := n.Add(1)
		if i >= 20 {
			once.Do(func() { close(done) })
		}
		if i%4 == 0 {
			return Observation{Value: float64(i)}, nil
		}
		return Observation{}, errors.New("flaky")
	}, Handlers{OnError: func(_ string, _ error, streak int) {
		if int32(streak) > maxStreak.Load() {
			maxStreak.Store(int32(streak))
		}
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not keep running")
	}
	assert.True(t, p.Active("k"))
	assert.Equal(t, int32(3), maxStreak.Load())
}

func TestStartIsNoOpForActiveKey(t *testing.T) {
	p := newTestPoller(t, fastConfig())

	release := make(chan struct{})
	var entered atomic.Int32
	fetch := func(ctx context.Context) (Observation, error) {
		entered.Add(1)
		<-release
		return Observation{Value: 1}, nil
	}

	require.True(t, p.Start(context.Background(), "k", fetch, Handlers{}))
	assert.False(t, p.Start(context.Background(), "k", fetch, Handlers{}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), entered.Load())
	close(release)
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	p := newTestPoller(t, fastConfig())

	entered := make(chan struct{})
	release := make(chan struct{})
	var results atomic.Int32
	var first sync.Once

	require.True(t, p.Start(context.Background(), "k", func(ctx context.Context) (Observation, error) {
		first.Do(func() { close(entered) })
		<-release
		return Observation{Value: 42}, nil
	}, Handlers{OnResult: func(Result) { results.Add(1) }}))

	<-entered
	require.True(t, p.Stop("k"))
	assert.False(t, p.Stop("k"))
	close(release)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), results.Load())
	assert.False(t, p.Active("k"))
	assert.Nil(t, p.History("k"))
}

func TestRestartAfterStopIgnoresOldGeneration(t *testing.T) {
	p := newTestPoller(t, fastConfig())

	oldEntered := make(chan struct{})
	oldRelease := make(chan struct{})
	require.True(t, p.Start(context.Background(), "k", func(context.Context) (Observation, error) {
		close(oldEntered)
		<-oldRelease
		return Observation{}, errors.New("stale failure")
	}, Handlers{}))
	<-oldEntered
	p.Stop("k")

	fresh := make(chan Result, 1)
	require.True(t, p.Start(context.Background(), "k", func(context.Context) (Observation, error) {
		return Observation{Value: 7}, nil
	}, Handlers{OnResult: func(r Result) {
		select {
		case fresh <- r:
		default:
		}
	}}))
	close(oldRelease)

	select {
	case r := <-fresh:
		assert.Equal(t, 7.0, r.Observation.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("new schedule never produced a result")
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, p.Stats().ErrorCounts["k"], "old failure must not count")
}

func TestStopAllWaitsForConcurrentStarts(t *testing.T) {
	p := newTestPoller(t, fastConfig())
	fetch := func(context.Context) (Observation, error) { return Observation{Value: 1}, nil }

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.Start(context.Background(), fmt.Sprintf("k%d-%d", i, j), fetch, Handlers{})
			}
		}(i)
	}
	for i := 0; i < 20; i++ {
		p.StopAll()
	}
	wg.Wait()
	p.StopAll()

	assert.Zero(t, p.Stats().ActiveKeys)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := fastConfig()
	cfg.HistorySize = 3
	p := newTestPoller(t, cfg)

	var n atomic.Int32
	done := make(chan struct{})
	p.Start(context.Background(), "k", func(context.Context) (Observation, error) {
		return Observation{Value: float64(n.Add(1))}, nil
	}, Handlers{OnResult: func(r Result) {
		if r.Observation.Value == 6 {
			close(done)
		}
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not enough fetches")
	}
	h := p.History("k")
	require.Len(t, h, 3)
	assert.Less(t, h[0].Observation.Value, h[2].Observation.Value, "oldest first")
}

func TestVolatilityPolicyIsPluggable(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialInterval = 4 * time.Millisecond
	p := newTestPoller(t, cfg, WithVolatility(func(prev, curr Observation) bool { return true }))

	got := make(chan Result, 2)
	p.Start(context.Background(), "k", func(context.Context) (Observation, error) {
		return Observation{Value: 1}, nil
	}, Handlers{OnResult: func(r Result) {
		select {
		case got <- r:
		default:
		}
	}})

	first := <-got
	assert.False(t, first.Volatile, "first observation has nothing to compare against")
	second := <-got
	assert.True(t, second.Volatile)
	assert.Less(t, second.Next, first.Next)
}
