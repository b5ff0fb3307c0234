package storage

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notifications (
    id             UUID PRIMARY KEY,
    wallet_key     TEXT        NOT NULL,
    alert_id       TEXT        NOT NULL,
    subject_id     TEXT        NOT NULL,
    alert_type     TEXT        NOT NULL,
    observed_value NUMERIC     NOT NULL,
    message        TEXT        NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS notifications_created_at_idx ON notifications (created_at DESC);
CREATE INDEX IF NOT EXISTS notifications_wallet_idx ON notifications (wallet_key, created_at DESC);

CREATE TABLE IF NOT EXISTS portfolio_samples (
    wallet_key  TEXT        NOT NULL,
    sampled_at  TIMESTAMPTZ NOT NULL,
    total_value NUMERIC     NOT NULL,
    PRIMARY KEY (wallet_key, sampled_at)
);`

// EnsureSchema creates the tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
