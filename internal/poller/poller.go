package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collectible-alerts/internal/scheduler"
)

// Observation is what a fetch reports back. Value is the scalar the
// volatility policy tracks; Payload is passed through untouched.
type Observation struct {
	Value   float64
	Payload any
}

// FetchFunc fetches fresh data for one key.
type FetchFunc func(ctx context.Context) (Observation, error)

// Entry is one element of a schedule's bounded history.
type Entry struct {
	At          time.Time
	Observation Observation
	Latency     time.Duration
}

// Result describes one processed successful fetch.
type Result struct {
	Key         string
	Observation Observation
	Latency     time.Duration
	Volatile    bool
	Peak        bool
	Next        time.Duration
}

// Handlers receive the outcome of each fetch for a key. All are optional
// and run on the key's own goroutine.
type Handlers struct {
	OnResult    func(Result)
	OnError     func(key string, err error, streak int)
	OnExhausted func(*ExhaustedError)
}

// Option customises a Poller.
type Option func(*Poller)

// WithVolatility replaces the default relative-change policy.
func WithVolatility(fn VolatilityFunc) Option {
	return func(p *Poller) { p.volatile = fn }
}

// WithPeakHours replaces the default hour-of-day policy.
func WithPeakHours(fn PeakFunc) Option {
	return func(p *Poller) { p.peak = fn }
}

// WithClock overrides the wall clock used for history and peak detection.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

type schedule struct {
	key    string
	gen    uint64
	cancel context.CancelFunc

	interval time.Duration
	// base is the last interval chosen after a success; backoff grows from it.
	base    time.Duration
	streak  int
	history []Entry
}

// Poller owns at most one adaptive schedule per key.
type Poller struct {
	cfg      Config
	logger   zerolog.Logger
	volatile VolatilityFunc
	peak     PeakFunc
	now      func() time.Time

	mu        sync.Mutex
	schedules map[string]*schedule
	gen       uint64
	wg        sync.WaitGroup
}

// New validates cfg and builds an idle Poller.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("poller config: %w", err)
	}
	p := &Poller{
		cfg:       cfg,
		logger:    logger.With().Str("component", "poller").Logger(),
		volatile:  ChangeAbove(cfg.VolatilityThreshold),
		peak:      LocalHours(cfg.PeakHours),
		now:       time.Now,
		schedules: make(map[string]*schedule),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start arms a schedule for key. ctx bounds the schedule's lifetime and is
// handed to every fetch. It returns false if key already has a schedule.
func (p *Poller) Start(ctx context.Context, key string, fetch FetchFunc, h Handlers) bool {
	p.mu.Lock()
	if _, ok := p.schedules[key]; ok {
		p.mu.Unlock()
		return false
	}
	p.gen++
	schedCtx, cancel := context.WithCancel(ctx)
	s := &schedule{
		key:      key,
		gen:      p.gen,
		cancel:   cancel,
		interval: p.cfg.InitialInterval,
		base:     p.cfg.InitialInterval,
	}
	p.schedules[key] = s
	// counted before mu is released, so StopAll sees every goroutine it swaps out
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Info().Str("key", key).Dur("interval", s.interval).Msg("polling started")

	sched := scheduler.New(scheduler.Options{
		Name:      "poll:" + key,
		Interval:  p.cfg.InitialInterval,
		Immediate: true,
	}, p.logger)

	go func() {
		defer p.wg.Done()
		defer cancel()
		_ = sched.Run(schedCtx, func(_ context.Context, _ time.Time) (time.Duration, error) {
			// The fetch sees the caller's ctx, so Stop never interrupts it.
			return p.tick(ctx, s, fetch, h)
		})
	}()
	return true
}

func (p *Poller) tick(ctx context.Context, s *schedule, fetch FetchFunc, h Handlers) (time.Duration, error) {
	started := time.Now()
	obs, err := fetch(ctx)
	latency := time.Since(started)

	if err != nil {
		return p.fail(s, err, h)
	}
	return p.succeed(s, obs, latency, h)
}

func (p *Poller) succeed(s *schedule, obs Observation, latency time.Duration, h Handlers) (time.Duration, error) {
	at := p.now()

	p.mu.Lock()
	if !p.currentLocked(s) {
		p.mu.Unlock()
		return 0, scheduler.ErrStop
	}
	volatile := false
	if n := len(s.history); n > 0 {
		volatile = p.volatile(s.history[n-1].Observation, obs)
	}
	peak := p.peak(at)

	s.streak = 0
	s.history = append(s.history, Entry{At: at, Observation: obs, Latency: latency})
	if over := len(s.history) - p.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.interval = p.cfg.afterSuccess(s.interval, volatile, peak, latency)
	s.base = s.interval
	next := s.interval
	p.mu.Unlock()

	p.logger.Debug().
		Str("key", s.key).
		Dur("latency", latency).
		Bool("volatile", volatile).
		Bool("peak", peak).
		Dur("next", next).
		Msg("fetch succeeded")

	if h.OnResult != nil {
		h.OnResult(Result{Key: s.key, Observation: obs, Latency: latency, Volatile: volatile, Peak: peak, Next: next})
	}
	return next, nil
}

func (p *Poller) fail(s *schedule, err error, h Handlers) (time.Duration, error) {
	p.mu.Lock()
	if !p.currentLocked(s) {
		p.mu.Unlock()
		return 0, scheduler.ErrStop
	}
	s.streak++
	streak := s.streak
	exhausted := streak >= p.cfg.MaxConsecutiveErrors
	if exhausted {
		delete(p.schedules, s.key)
		s.cancel()
	} else {
		s.interval = p.cfg.afterFailure(s.base, streak)
	}
	next := s.interval
	p.mu.Unlock()

	if h.OnError != nil {
		h.OnError(s.key, err, streak)
	}

	if exhausted {
		ex := &ExhaustedError{Key: s.key, Failures: streak, Last: err}
		p.logger.Error().Err(err).Str("key", s.key).Int("failures", streak).Msg("polling exhausted; schedule stopped")
		if h.OnExhausted != nil {
			h.OnExhausted(ex)
		}
		return 0, scheduler.ErrStop
	}

	p.logger.Warn().Err(err).Str("key", s.key).Int("streak", streak).Dur("backoff", next).Msg("fetch failed")
	return next, nil
}

func (p *Poller) currentLocked(s *schedule) bool {
	cur, ok := p.schedules[s.key]
	return ok && cur.gen == s.gen
}

// Stop cancels key's pending timer and drops its state. An in-flight fetch
// finishes but its result is discarded.
func (p *Poller) Stop(key string) bool {
	p.mu.Lock()
	s, ok := p.schedules[key]
	if ok {
		delete(p.schedules, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel()
	p.logger.Info().Str("key", key).Msg("polling stopped")
	return true
}

// StopAll stops every schedule and waits for their goroutines to exit.
func (p *Poller) StopAll() {
	p.mu.Lock()
	all := p.schedules
	p.schedules = make(map[string]*schedule)
	p.mu.Unlock()
	for _, s := range all {
		s.cancel()
	}
	p.wg.Wait()
}

// Active reports whether key has a live schedule.
func (p *Poller) Active(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.schedules[key]
	return ok
}

// History returns a copy of key's recent successful observations, oldest first.
func (p *Poller) History(key string) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.schedules[key]
	if !ok {
		return nil
	}
	return append([]Entry(nil), s.history...)
}

// Stats is the poller section of the health snapshot.
type Stats struct {
	ActiveKeys  int              `json:"activeKeys"`
	Keys        []string         `json:"keys"`
	ErrorCounts map[string]int   `json:"errorCounts"`
	IntervalsMs map[string]int64 `json:"intervalsMs"`
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		ActiveKeys:  len(p.schedules),
		Keys:        make([]string, 0, len(p.schedules)),
		ErrorCounts: make(map[string]int, len(p.schedules)),
		IntervalsMs: make(map[string]int64, len(p.schedules)),
	}
	for key, s := range p.schedules {
		st.Keys = append(st.Keys, key)
		st.ErrorCounts[key] = s.streak
		st.IntervalsMs[key] = s.interval.Milliseconds()
	}
	sort.Strings(st.Keys)
	return st
}
