package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"collectible-alerts/internal/config"
	"collectible-alerts/internal/storage"
)

type retentionStore interface {
	storage.AdvisoryLocker
	DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// retention prunes stored history on a cron schedule. The advisory lock keeps
// concurrent instances from pruning at the same time.
type retention struct {
	store  retentionStore
	cfg    config.RetentionConfig
	now    func() time.Time
	logger zerolog.Logger
}

func newRetention(store retentionStore, cfg config.RetentionConfig, logger zerolog.Logger) *retention {
	return &retention{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "retention").Logger(),
	}
}

func (r *retention) start(ctx context.Context) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, _, err := r.prune(ctx); err != nil {
			r.logger.Error().Err(err).Msg("retention run failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule retention %q: %w", r.cfg.Schedule, err)
	}
	c.Start()
	r.logger.Info().Str("schedule", r.cfg.Schedule).Dur("max_age", r.cfg.MaxAge).Msg("retention scheduled")

	return func() {
		<-c.Stop().Done()
	}, nil
}

// prune returns how many notifications and samples it removed.
func (r *retention) prune(ctx context.Context) (int64, int64, error) {
	unlock, acquired, err := r.store.TryAdvisoryLock(ctx, r.cfg.AdvisoryLockKey)
	if err != nil {
		return 0, 0, err
	}
	if !acquired {
		r.logger.Debug().Msg("another instance holds the retention lock; skipping")
		return 0, 0, nil
	}
	defer unlock()

	cutoff := r.now().UTC().Add(-r.cfg.MaxAge)
	notes, err := r.store.DeleteNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	samples, err := r.store.DeleteSamplesBefore(ctx, cutoff)
	if err != nil {
		return notes, 0, err
	}

	r.logger.Info().Time("cutoff", cutoff).Int64("notifications", notes).Int64("samples", samples).Msg("retention pruned history")
	return notes, samples, nil
}
