package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collectible-alerts/internal/alerting"
	"collectible-alerts/internal/breaker"
	"collectible-alerts/internal/cache"
	"collectible-alerts/internal/config"
	"collectible-alerts/internal/service"
	"collectible-alerts/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func makeSamples(n int) []storage.PortfolioSample {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.PortfolioSample, n)
	for i := range out {
		out[i] = storage.PortfolioSample{
			WalletKey:  "0xabc",
			SampledAt:  base.Add(time.Duration(i) * time.Minute),
			TotalValue: decimal.NewFromInt(int64(100 + i)),
		}
	}
	return out
}

func TestDownsampleSamples(t *testing.T) {
	samples := makeSamples(10)

	assert.Len(t, downsampleSamples(samples, 0), 10)
	assert.Len(t, downsampleSamples(samples, 20), 10)

	one := downsampleSamples(samples, 1)
	require.Len(t, one, 1)
	assert.Equal(t, samples[9], one[0])

	four := downsampleSamples(samples, 4)
	require.Len(t, four, 4)
	assert.Equal(t, samples[0], four[0])
	assert.Equal(t, samples[9], four[3])
}

func TestWriteSamplesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	require.NoError(t, writeSamplesCSV(path, makeSamples(2)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, []string{"sampled_at", "wallet", "total_value"}, rows[0])
	assert.Equal(t, []string{"2024-03-01T00:00:00Z", "0xabc", "100.00"}, rows[1])
	assert.Equal(t, "101.00", rows[2][2])
}

func TestWriteSamplesPNGNeedsTwoPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	assert.Error(t, writeSamplesPNG(path, "0xabc", makeSamples(1)))

	require.NoError(t, writeSamplesPNG(path, "0x1234567890abcdef", makeSamples(5)))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestShortWallet(t *testing.T) {
	assert.Equal(t, "0xabc", shortWallet("0xabc"))
	assert.Equal(t, "0x1234…cdef", shortWallet("0x1234567890abcdef"))
}

func TestWriteNotifications(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeNotifications(&buf, nil))
	assert.Equal(t, "no notifications found\n", buf.String())

	buf.Reset()
	require.NoError(t, writeNotifications(&buf, []storage.NotificationRecord{{
		WalletKey:     "0xabc",
		SubjectID:     "42",
		AlertType:     "price_above",
		ObservedValue: decimal.NewFromFloat(105.5),
		Message:       "moment 42\nabove 100",
		CreatedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}))
	out := buf.String()
	assert.Contains(t, out, "Moment")
	assert.Contains(t, out, "2024-03-01T12:00:00Z")
	assert.Contains(t, out, "105.50")
	assert.Contains(t, out, "moment 42 | above 100")
}

func TestWritePortfolio(t *testing.T) {
	price := 12.5
	pf := service.Portfolio{
		WalletKey: "0xabc",
		Holdings: []service.Holding{
			{MomentID: "1", Price: &price},
			{MomentID: "2"},
		},
		TotalValue: 12.5,
		Priced:     1,
		AsOf:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	var buf bytes.Buffer
	require.NoError(t, WritePortfolio(&buf, pf))
	out := buf.String()
	assert.Contains(t, out, "12.50")
	assert.Contains(t, out, "n/a")
	assert.Contains(t, out, "Total (1/2 priced)")
}

type fakeRetentionStore struct {
	locked   bool
	lockErr  error
	cutoffs  []time.Time
	unlocked int
}

func (f *fakeRetentionStore) TryAdvisoryLock(_ context.Context, _ int64) (func(), bool, error) {
	if f.lockErr != nil {
		return nil, false, f.lockErr
	}
	if f.locked {
		return nil, false, nil
	}
	return func() { f.unlocked++ }, true, nil
}

func (f *fakeRetentionStore) DeleteNotificationsBefore(_ context.Context, t time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, t)
	return 3, nil
}

func (f *fakeRetentionStore) DeleteSamplesBefore(_ context.Context, t time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, t)
	return 7, nil
}

func TestRetentionPrune(t *testing.T) {
	store := &fakeRetentionStore{}
	cfg := config.RetentionConfig{Enabled: true, Schedule: "@every 1h", MaxAge: 24 * time.Hour, AdvisoryLockKey: 1}
	job := newRetention(store, cfg, zerolog.Nop())
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	notes, samples, err := job.prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), notes)
	assert.Equal(t, int64(7), samples)
	assert.Equal(t, 1, store.unlocked)
	require.Len(t, store.cutoffs, 2)
	assert.Equal(t, now.Add(-24*time.Hour), store.cutoffs[0])
}

func TestRetentionSkipsWithoutLock(t *testing.T) {
	store := &fakeRetentionStore{locked: true}
	job := newRetention(store, config.RetentionConfig{MaxAge: time.Hour}, zerolog.Nop())

	notes, samples, err := job.prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, notes)
	assert.Zero(t, samples)
	assert.Empty(t, store.cutoffs)

	store.locked = false
	store.lockErr = errors.New("pool closed")
	_, _, err = job.prune(context.Background())
	assert.Error(t, err)
}

func TestRetentionRejectsBadSchedule(t *testing.T) {
	job := newRetention(&fakeRetentionStore{}, config.RetentionConfig{Schedule: "not a schedule"}, zerolog.Nop())
	_, err := job.start(context.Background())
	assert.Error(t, err)
}

func TestCoreHealthWithoutStore(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	core, err := a.newCore(context.Background(), coreOptions{})
	require.NoError(t, err)
	defer core.Close()

	h := core.Health(context.Background())
	assert.Equal(t, breaker.StatusHealthy, h.Status)
	assert.Equal(t, "disabled", h.Storage)
	assert.Equal(t, cache.BackendMemory, h.Cache.BackendType)
	assert.Zero(t, h.Alerts.TotalAlerts)
}

func TestSimulateAlertDeliversWebhook(t *testing.T) {
	var hits atomic.Int32
	received := make(chan alerting.Notification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			var n alerting.Notification
			_ = json.NewDecoder(r.Body).Decode(&n)
			received <- n
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Alerting.Webhook.Enabled = true
	cfg.Alerting.Webhook.URL = srv.URL
	a := NewApp(cfg, zerolog.Nop())

	res, err := a.SimulateAlert(context.Background(), SimulateOptions{MomentID: "42", Target: 100, From: 90, To: 110})
	require.NoError(t, err)
	require.Len(t, res.Triggered, 1)
	assert.Equal(t, alerting.TypePriceAbove, res.Triggered[0].Type)
	assert.Equal(t, 110.0, res.Triggered[0].ObservedValue)

	// Close inside SimulateAlert waits for the sink.
	assert.Equal(t, int32(1), hits.Load())
	select {
	case n := <-received:
		assert.Equal(t, "42", n.SubjectID)
	default:
		t.Fatal("webhook payload missing")
	}
}

func TestSimulateAlertValidation(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())

	_, err := a.SimulateAlert(context.Background(), SimulateOptions{Target: 1, From: 1, To: 2})
	assert.Error(t, err)

	_, err = a.SimulateAlert(context.Background(), SimulateOptions{MomentID: "42", Target: -1, From: 1, To: 2})
	assert.Error(t, err)

	_, err = a.SimulateAlert(context.Background(), SimulateOptions{MomentID: "42", Target: 1, From: 1, To: 2})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "告警通道"))
}
