package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"collectible-alerts/internal/alerting"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertNotificationSQL = `INSERT INTO notifications (
        id,
        wallet_key,
        alert_id,
        subject_id,
        alert_type,
        observed_value,
        message,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentNotificationsSQL = `SELECT
        id::text,
        wallet_key,
        alert_id,
        subject_id,
        alert_type,
        observed_value::text,
        message,
        created_at
    FROM notifications
    WHERE ($1 = '' OR wallet_key = $1)
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteNotificationsBeforeSQL = `DELETE FROM notifications WHERE created_at < $1;`

	upsertPortfolioSampleSQL = `INSERT INTO portfolio_samples (
        wallet_key,
        sampled_at,
        total_value
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (wallet_key, sampled_at) DO UPDATE
    SET total_value = EXCLUDED.total_value;`

	listSamplesBetweenSQL = `SELECT
        wallet_key,
        sampled_at,
        total_value::text
    FROM portfolio_samples
    WHERE wallet_key = $1
      AND sampled_at >= $2
      AND sampled_at < $3
    ORDER BY sampled_at;`

	deleteSamplesBeforeSQL = `DELETE FROM portfolio_samples WHERE sampled_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// NotificationStore defines operations for notification auditing.
type NotificationStore interface {
	InsertNotification(ctx context.Context, rec NotificationRecord) error
	ListRecentNotifications(ctx context.Context, wallet string, limit int) ([]NotificationRecord, error)
	DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// SampleStore defines operations for portfolio value history.
type SampleStore interface {
	UpsertPortfolioSample(ctx context.Context, sample PortfolioSample) error
	ListSamplesBetween(ctx context.Context, wallet string, from, to time.Time) ([]PortfolioSample, error)
	DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to notifications and portfolio samples.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertNotification persists a notification; duplicates by id are ignored.
func (s *Store) InsertNotification(ctx context.Context, rec NotificationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertNotificationSQL,
		rec.ID,
		rec.WalletKey,
		rec.AlertID,
		rec.SubjectID,
		rec.AlertType,
		rec.ObservedValue.String(),
		rec.Message,
		rec.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert notification: %w", execErr)
	}
	return nil
}

// ListRecentNotifications lists the newest notifications; an empty wallet
// lists across all wallets.
func (s *Store) ListRecentNotifications(ctx context.Context, wallet string, limit int) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentNotificationsSQL, wallet, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	defer rows.Close()

	records := make([]NotificationRecord, 0, limit)
	for rows.Next() {
		var rec NotificationRecord
		var observedStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.WalletKey,
			&rec.AlertID,
			&rec.SubjectID,
			&rec.AlertType,
			&observedStr,
			&rec.Message,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.ObservedValue, err = decimal.NewFromString(observedStr)
		if err != nil {
			return nil, fmt.Errorf("parse observed value: %w", err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// DeleteNotificationsBefore deletes historical notifications.
func (s *Store) DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.deleteBefore(ctx, deleteNotificationsBeforeSQL, olderThan, "delete notifications before")
}

// UpsertPortfolioSample persists or updates a wallet value sample.
func (s *Store) UpsertPortfolioSample(ctx context.Context, sample PortfolioSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertPortfolioSampleSQL,
		sample.WalletKey,
		sample.SampledAt,
		sample.TotalValue.String(),
	); execErr != nil {
		return fmt.Errorf("upsert portfolio sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists a wallet's samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, wallet string, from, to time.Time) ([]PortfolioSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, wallet, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PortfolioSample, 0)
	for rows.Next() {
		sample, scanErr := scanPortfolioSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// DeleteSamplesBefore deletes historical samples.
func (s *Store) DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.deleteBefore(ctx, deleteSamplesBeforeSQL, olderThan, "delete samples before")
}

func (s *Store) deleteBefore(ctx context.Context, query string, olderThan time.Time, op string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, query, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("%s: %w", op, execErr)
	}
	return tag.RowsAffected(), nil
}

func scanPortfolioSample(rows pgx.Rows) (PortfolioSample, error) {
	var (
		sample   PortfolioSample
		totalStr string
	)
	if err := rows.Scan(&sample.WalletKey, &sample.SampledAt, &totalStr); err != nil {
		return PortfolioSample{}, err
	}
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return PortfolioSample{}, fmt.Errorf("parse total value: %w", err)
	}
	sample.TotalValue = total
	return sample, nil
}

// NotificationFromAlert converts an engine notification into its audit row.
func NotificationFromAlert(n alerting.Notification) NotificationRecord {
	return NotificationRecord{
		ID:            n.ID,
		WalletKey:     n.WalletKey,
		AlertID:       n.AlertID,
		SubjectID:     n.SubjectID,
		AlertType:     string(n.Type),
		ObservedValue: decimal.NewFromFloat(n.ObservedValue),
		Message:       n.Message,
		CreatedAt:     n.Timestamp.UTC(),
	}
}

// RecordNotification implements alerting.NotificationRecorder.
func (s *Store) RecordNotification(ctx context.Context, n alerting.Notification) error {
	return s.InsertNotification(ctx, NotificationFromAlert(n))
}

// RecordSample implements alerting.SampleRecorder.
func (s *Store) RecordSample(ctx context.Context, wallet string, at time.Time, total float64) error {
	return s.UpsertPortfolioSample(ctx, PortfolioSample{
		WalletKey:  wallet,
		SampledAt:  at.UTC(),
		TotalValue: decimal.NewFromFloat(total),
	})
}

var (
	_ NotificationStore             = (*Store)(nil)
	_ SampleStore                   = (*Store)(nil)
	_ AdvisoryLocker                = (*Store)(nil)
	_ alerting.NotificationRecorder = (*Store)(nil)
	_ alerting.SampleRecorder       = (*Store)(nil)
)
