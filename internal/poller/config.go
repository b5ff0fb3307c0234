package poller

import (
	"errors"
	"fmt"
	"time"
)

// Config lists every tunable of the adaptive schedule.
type Config struct {
	MinInterval     time.Duration `mapstructure:"min_interval"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	// SteadyCap bounds the gentle growth applied when nothing interesting happens.
	SteadyCap  time.Duration `mapstructure:"steady_cap"`
	BackoffCap time.Duration `mapstructure:"backoff_cap"`

	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	VolatilityThreshold  float64       `mapstructure:"volatility_threshold"`
	SlowLatency          time.Duration `mapstructure:"slow_latency"`
	HistorySize          int           `mapstructure:"history_size"`
	// PeakHours are local hours of day (0-23) treated as high traffic.
	PeakHours []int `mapstructure:"peak_hours"`
}

// DefaultConfig returns the stock polling profile.
func DefaultConfig() Config {
	return Config{
		MinInterval:          5 * time.Second,
		InitialInterval:      30 * time.Second,
		MaxInterval:          120 * time.Second,
		SteadyCap:            60 * time.Second,
		BackoffCap:           300 * time.Second,
		MaxConsecutiveErrors: 5,
		VolatilityThreshold:  0.05,
		SlowLatency:          2 * time.Second,
		HistorySize:          10,
		PeakHours:            []int{9, 10, 15, 16, 20, 21},
	}
}

// Validate rejects inconsistent bounds.
func (c Config) Validate() error {
	var errs []error
	if c.MinInterval <= 0 {
		errs = append(errs, errors.New("min_interval must be positive"))
	}
	if c.MaxInterval < c.MinInterval {
		errs = append(errs, fmt.Errorf("max_interval %s below min_interval %s", c.MaxInterval, c.MinInterval))
	}
	if c.InitialInterval < c.MinInterval || c.InitialInterval > c.MaxInterval {
		errs = append(errs, fmt.Errorf("initial_interval %s outside [%s, %s]", c.InitialInterval, c.MinInterval, c.MaxInterval))
	}
	if c.SteadyCap < c.MinInterval || c.SteadyCap > c.MaxInterval {
		errs = append(errs, fmt.Errorf("steady_cap %s outside [%s, %s]", c.SteadyCap, c.MinInterval, c.MaxInterval))
	}
	if c.BackoffCap < c.MaxInterval {
		errs = append(errs, fmt.Errorf("backoff_cap %s below max_interval %s", c.BackoffCap, c.MaxInterval))
	}
	if c.MaxConsecutiveErrors < 1 {
		errs = append(errs, errors.New("max_consecutive_errors must be at least 1"))
	}
	if c.VolatilityThreshold <= 0 {
		errs = append(errs, errors.New("volatility_threshold must be positive"))
	}
	if c.SlowLatency <= 0 {
		errs = append(errs, errors.New("slow_latency must be positive"))
	}
	if c.HistorySize < 1 {
		errs = append(errs, errors.New("history_size must be at least 1"))
	}
	for _, h := range c.PeakHours {
		if h < 0 || h > 23 {
			errs = append(errs, fmt.Errorf("peak hour %d out of range", h))
		}
	}
	return errors.Join(errs...)
}
