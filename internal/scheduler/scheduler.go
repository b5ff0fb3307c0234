package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrStop may be returned by a TickFunc to end Run without an error.
var ErrStop = errors.New("scheduler: stop")

// TickFunc runs one iteration and returns the delay before the next one.
// A non-positive delay falls back to the configured interval.
type TickFunc func(ctx context.Context, at time.Time) (time.Duration, error)

// Options tune scheduler behaviour.
type Options struct {
	Name     string
	Interval time.Duration
	// Immediate runs the first tick without waiting for an interval.
	Immediate bool
}

// Scheduler drives a one-shot timer that is re-armed after every tick.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	l := logger.With().Str("component", "scheduler")
	if opts.Name != "" {
		l = l.Str("task", opts.Name)
	}
	return &Scheduler{opts: opts, logger: l.Logger()}
}

// Every adapts a fixed-cadence job to Run.
func (s *Scheduler) Every(ctx context.Context, job func(ctx context.Context, at time.Time) error) error {
	return s.Run(ctx, func(ctx context.Context, at time.Time) (time.Duration, error) {
		return 0, job(ctx, at)
	})
}

// Run blocks, invoking tick until ctx is cancelled or tick returns ErrStop.
// Ticks never overlap: the next timer is armed only after tick returns.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	var next time.Time
	if s.opts.Immediate {
		next = time.Now()
	} else {
		next = time.Now().Add(s.opts.Interval)
	}

	for {
		delay := time.Until(next)
		if delay > 0 {
			s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		after, err := tick(ctx, next)
		if errors.Is(err, ErrStop) {
			s.logger.Debug().Msg("tick requested stop")
			return nil
		}
		if err != nil {
			s.logger.Error().Err(err).Time("at", next).Msg("tick execution failed")
		}

		if after > 0 {
			next = time.Now().Add(after)
		} else {
			next = time.Now().Add(s.opts.Interval)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
