package breaker

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Manager holds one named breaker per upstream dependency.
type Manager struct {
	defaults  Config
	overrides map[string]Config
	logger    zerolog.Logger
	opts      []Option

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewManager validates the defaults and every override up front so Get never fails.
func NewManager(defaults Config, overrides map[string]Config, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if defaults.Name == "" {
		defaults.Name = "default"
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	normalized := make(map[string]Config, len(overrides))
	for name, cfg := range overrides {
		cfg = merge(defaults, cfg)
		cfg.Name = name
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		normalized[name] = cfg
	}

	return &Manager{
		defaults:  defaults,
		overrides: normalized,
		logger:    logger,
		opts:      opts,
		breakers:  make(map[string]*CircuitBreaker),
	}, nil
}

func merge(base, override Config) Config {
	out := base
	if override.FailureThreshold > 0 {
		out.FailureThreshold = override.FailureThreshold
	}
	if override.Timeout > 0 {
		out.Timeout = override.Timeout
	}
	if override.MinimumRequests > 0 {
		out.MinimumRequests = override.MinimumRequests
	}
	return out
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	cfg, ok := m.overrides[name]
	if !ok {
		cfg = m.defaults
		cfg.Name = name
	}
	// cfg was validated in NewManager; only the name changed.
	cb, err := New(cfg, m.logger, m.opts...)
	if err != nil {
		panic("breaker: invalid config after validation: " + err.Error())
	}
	m.breakers[name] = cb
	return cb
}

// Reset force-closes a registered breaker. It returns false for unknown names.
func (m *Manager) Reset(name string) bool {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// Health aggregates every registered breaker.
type Health struct {
	OverallStatus string           `json:"overallStatus"`
	Breakers      map[string]Stats `json:"breakers"`
}

// Health reports healthy iff every breaker is closed or recovering with a recent success.
func (m *Manager) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := Health{OverallStatus: StatusHealthy, Breakers: make(map[string]Stats, len(m.breakers))}
	for name, cb := range m.breakers {
		st := cb.Stats()
		if !st.Healthy {
			h.OverallStatus = StatusDegraded
		}
		h.Breakers[name] = st
	}
	return h
}

// Names lists registered breakers in stable order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
