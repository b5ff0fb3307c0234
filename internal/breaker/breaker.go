package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing, short-circuit calls
	StateHalfOpen              // trial call in progress
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const latencyWindow = 10

// Config holds the tunables of a single breaker.
type Config struct {
	Name             string        `mapstructure:"-"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MinimumRequests  int           `mapstructure:"minimum_requests"`
}

// DefaultConfig returns the defaults used for an upstream without overrides.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MinimumRequests:  3,
	}
}

// Validate checks that every field is usable.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("breaker name is required")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("breaker %s: failure_threshold must be greater than zero", c.Name)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("breaker %s: timeout must be greater than zero", c.Name)
	}
	if c.MinimumRequests < 0 {
		return fmt.Errorf("breaker %s: minimum_requests cannot be negative", c.Name)
	}
	return nil
}

// Option customises a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, used by tests to move time forward.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// CircuitBreaker guards one upstream call type. Safe for concurrent use.
type CircuitBreaker struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures uint64
	totalRequests       uint64
	totalErrors         uint64
	lastFailureAt       time.Time
	lastSuccessAt       time.Time

	latencies    [latencyWindow]time.Duration
	latencyCount int
	latencyNext  int
}

// New constructs a closed breaker.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cb := &CircuitBreaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit_breaker").Str("breaker", cfg.Name).Logger(),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb, nil
}

// Name returns the protected upstream name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Call runs primary according to the breaker state. When the breaker is open
// the fallback runs instead, or an *UnavailableError is returned when no
// fallback is given. A failing primary is recorded and then handed to the
// fallback if there is one.
func (cb *CircuitBreaker) Call(ctx context.Context, primary func(context.Context) error, fallback func(context.Context) error) error {
	allowed, retryAfter := cb.admit()
	if !allowed {
		unavailable := &UnavailableError{Name: cb.cfg.Name, RetryAfter: retryAfter}
		if fallback == nil {
			return unavailable
		}
		if err := fallback(ctx); err != nil {
			return errors.Join(unavailable, fmt.Errorf("fallback: %w", err))
		}
		return nil
	}

	start := cb.now()
	err := primary(ctx)
	if err == nil {
		cb.onSuccess(cb.now().Sub(start))
		return nil
	}

	// A caller abandoning the call says nothing about upstream health.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}

	cb.onFailure()
	if fallback != nil {
		if fbErr := fallback(ctx); fbErr != nil {
			return errors.Join(err, fmt.Errorf("fallback: %w", fbErr))
		}
		return nil
	}
	return err
}

// Execute is the typed form of Call.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, primary func(context.Context) (T, error), fallback func(context.Context) (T, error)) (T, error) {
	var result T
	run := func(ctx context.Context) error {
		v, err := primary(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	var fb func(context.Context) error
	if fallback != nil {
		fb = func(ctx context.Context) error {
			v, err := fallback(ctx)
			if err != nil {
				return err
			}
			result = v
			return nil
		}
	}

	if err := cb.Call(ctx, run, fb); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (cb *CircuitBreaker) admit() (bool, time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		elapsed := cb.now().Sub(cb.lastFailureAt)
		if elapsed < cb.cfg.Timeout {
			return false, cb.cfg.Timeout - elapsed
		}
		cb.transition(StateHalfOpen)
	}
	cb.totalRequests++
	return true, 0
}

// release undoes the request accounting of an abandoned call.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.totalRequests > 0 {
		cb.totalRequests--
	}
}

func (cb *CircuitBreaker) onSuccess(latency time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.lastSuccessAt = cb.now()
	cb.latencies[cb.latencyNext] = latency
	cb.latencyNext = (cb.latencyNext + 1) % latencyWindow
	if cb.latencyCount < latencyWindow {
		cb.latencyCount++
	}

	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.totalErrors++
	cb.lastFailureAt = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		if cb.consecutiveFailures >= uint64(cb.cfg.FailureThreshold) &&
			cb.totalRequests >= uint64(cb.cfg.MinimumRequests) {
			cb.transition(StateOpen)
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	event := cb.logger.Info()
	if to == StateOpen {
		event = cb.logger.Warn()
	}
	event.Str("from", from.String()).
		Str("to", to.String()).
		Uint64("consecutive_failures", cb.consecutiveFailures).
		Msg("circuit breaker state changed")
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed and clears the failure streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.transition(StateClosed)
}

// Healthy reports whether the breaker is closed, or half-open with a success
// inside the current timeout window.
func (cb *CircuitBreaker) Healthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.healthyLocked()
}

func (cb *CircuitBreaker) healthyLocked() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !cb.lastSuccessAt.IsZero() && cb.now().Sub(cb.lastSuccessAt) <= cb.cfg.Timeout
	default:
		return false
	}
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	Healthy             bool       `json:"healthy"`
	ConsecutiveFailures uint64     `json:"consecutiveFailures"`
	TotalRequests       uint64     `json:"totalRequests"`
	TotalErrors         uint64     `json:"totalErrors"`
	FailureRate         float64    `json:"failureRate"`
	AvgResponseTimeMs   float64    `json:"avgResponseTime"`
	RecentLatenciesMs   []float64  `json:"recentLatencies"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
}

// Stats returns a snapshot of the counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := Stats{
		Name:                cb.cfg.Name,
		State:               cb.state,
		Healthy:             cb.healthyLocked(),
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalRequests:       cb.totalRequests,
		TotalErrors:         cb.totalErrors,
		RecentLatenciesMs:   make([]float64, 0, cb.latencyCount),
	}
	if cb.totalRequests > 0 {
		st.FailureRate = float64(cb.totalErrors) / float64(cb.totalRequests)
	}

	var sum time.Duration
	oldest := (cb.latencyNext - cb.latencyCount + latencyWindow) % latencyWindow
	for i := 0; i < cb.latencyCount; i++ {
		d := cb.latencies[(oldest+i)%latencyWindow]
		sum += d
		st.RecentLatenciesMs = append(st.RecentLatenciesMs, float64(d)/float64(time.Millisecond))
	}
	if cb.latencyCount > 0 {
		st.AvgResponseTimeMs = float64(sum) / float64(cb.latencyCount) / float64(time.Millisecond)
	}

	if !cb.lastFailureAt.IsZero() {
		t := cb.lastFailureAt
		st.LastFailureAt = &t
	}
	if !cb.lastSuccessAt.IsZero() {
		t := cb.lastSuccessAt
		st.LastSuccessAt = &t
	}
	return st
}
