package alerting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collectible-alerts/internal/cache"
	"collectible-alerts/internal/poller"
)

const eventBuffer = 64

// Config holds engine defaults.
type Config struct {
	DefaultMaxTriggers int           `mapstructure:"default_max_triggers"`
	DefaultThreshold   float64       `mapstructure:"default_threshold"`
	MaxNotifications   int           `mapstructure:"max_notifications"`
	NotificationTTL    time.Duration `mapstructure:"notification_ttl"`
	SinkTimeout        time.Duration `mapstructure:"sink_timeout"`
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		DefaultMaxTriggers: 5,
		DefaultThreshold:   0.05,
		MaxNotifications:   50,
		NotificationTTL:    7 * 24 * time.Hour,
		SinkTimeout:        10 * time.Second,
	}
}

// Validate rejects unusable defaults.
func (c Config) Validate() error {
	var errs []error
	if c.DefaultMaxTriggers < 1 {
		errs = append(errs, errors.New("default_max_triggers must be at least 1"))
	}
	if !finite(c.DefaultThreshold) || c.DefaultThreshold <= 0 {
		errs = append(errs, errors.New("default_threshold must be positive"))
	}
	if c.MaxNotifications < 1 {
		errs = append(errs, errors.New("max_notifications must be at least 1"))
	}
	if c.NotificationTTL <= 0 {
		errs = append(errs, errors.New("notification_ttl must be positive"))
	}
	if c.SinkTimeout <= 0 {
		errs = append(errs, errors.New("sink_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Options wires the engine's collaborators. Prices, Poller and Cache are required.
type Options struct {
	Config    Config
	Prices    PriceSource
	Poller    *poller.Poller
	Cache     *cache.Cache
	Notifiers []Notifier
	Recorder  NotificationRecorder
	Samples   SampleRecorder
	Clock     func() time.Time
}

// Engine owns every alert and drives one poller schedule per monitored wallet.
type Engine struct {
	cfg       Config
	prices    PriceSource
	poller    *poller.Poller
	cache     *cache.Cache
	notifiers []Notifier
	recorder  NotificationRecorder
	samples   SampleRecorder
	now       func() time.Time
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sinkWG sync.WaitGroup

	mu        sync.Mutex
	alerts    map[string]*Alert
	wallets   map[string][]string
	exhausted map[string]time.Time
	// epochs advance whenever a wallet's monitoring is torn down; checks
	// started under an older epoch are discarded.
	epochs map[string]uint64
	seq    uint64

	// historyMu serialises read-modify-write of the cached notification logs.
	historyMu sync.Mutex

	sent   atomic.Uint64
	events chan Event
}

// New validates opts and builds an engine with no alerts.
func New(opts Options, logger zerolog.Logger) (*Engine, error) {
	if opts.Prices == nil || opts.Poller == nil || opts.Cache == nil {
		return nil, errors.New("alert engine requires prices, poller and cache")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("alerting config: %w", err)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       opts.Config,
		prices:    opts.Prices,
		poller:    opts.Poller,
		cache:     opts.Cache,
		notifiers: opts.Notifiers,
		recorder:  opts.Recorder,
		samples:   opts.Samples,
		now:       now,
		logger:    logger.With().Str("component", "alert_engine").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		alerts:    make(map[string]*Alert),
		wallets:   make(map[string][]string),
		exhausted: make(map[string]time.Time),
		epochs:    make(map[string]uint64),
		events:    make(chan Event, eventBuffer),
	}, nil
}

// Events exposes engine events. Events are dropped when nobody drains it.
func (e *Engine) Events() <-chan Event { return e.events }

// CreateAlert validates opts, stores the alert and makes sure the wallet is
// being monitored.
func (e *Engine) CreateAlert(wallet, subjectID string, opts AlertOptions) (Alert, error) {
	createdAt := e.now()
	a := &Alert{
		WalletKey:   wallet,
		SubjectID:   subjectID,
		Type:        opts.Type,
		Threshold:   e.cfg.DefaultThreshold,
		IsActive:    true,
		MaxTriggers: e.cfg.DefaultMaxTriggers,
		CreatedAt:   createdAt,
	}
	if a.Type == "" {
		a.Type = TypePriceChange
	}
	if opts.Threshold != nil {
		a.Threshold = *opts.Threshold
	}
	if opts.TargetPrice != nil {
		v := *opts.TargetPrice
		a.TargetPrice = &v
	}
	if opts.MaxTriggers != nil {
		a.MaxTriggers = *opts.MaxTriggers
	}
	if err := validate(a); err != nil {
		return Alert{}, err
	}

	e.mu.Lock()
	e.seq++
	a.ID = fmt.Sprintf("%s-%s-%d-%d", idPart(wallet), idPart(subjectID), createdAt.UnixNano(), e.seq)
	e.alerts[a.ID] = a
	e.wallets[wallet] = append(e.wallets[wallet], a.ID)
	out := a.clone()
	e.mu.Unlock()

	e.logger.Info().Str("alert_id", a.ID).Str("wallet", wallet).Str("subject", subjectID).Str("type", string(a.Type)).Msg("alert created")
	e.StartMonitoring(wallet)
	return out, nil
}

// UpdateAlert applies patch. Exhausted alerts only accept deletion.
func (e *Engine) UpdateAlert(id string, patch AlertPatch) (Alert, error) {
	e.mu.Lock()
	a, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return Alert{}, ErrAlertNotFound
	}
	if a.Exhausted() {
		e.mu.Unlock()
		return Alert{}, ErrAlertExhausted
	}

	next := a.clone()
	if patch.Threshold != nil {
		next.Threshold = *patch.Threshold
	}
	if patch.TargetPrice != nil {
		v := *patch.TargetPrice
		next.TargetPrice = &v
	}
	if patch.ResetTriggers {
		next.TriggerCount = 0
		next.LastTriggeredAt = nil
	}
	if patch.ResetHistory {
		next.LastObservedValue = nil
	}
	if patch.MaxTriggers != nil {
		if *patch.MaxTriggers <= next.TriggerCount {
			e.mu.Unlock()
			return Alert{}, invalid("maxTriggers", fmt.Sprintf("must exceed current trigger count %d", next.TriggerCount))
		}
		next.MaxTriggers = *patch.MaxTriggers
	}
	if patch.IsActive != nil {
		next.IsActive = *patch.IsActive
	}
	if err := validate(&next); err != nil {
		e.mu.Unlock()
		return Alert{}, err
	}
	*a = next
	out := a.clone()
	wallet := a.WalletKey
	e.mu.Unlock()

	e.logger.Info().Str("alert_id", id).Bool("active", out.IsActive).Msg("alert updated")
	if out.IsActive {
		e.StartMonitoring(wallet)
	}
	return out, nil
}

// DeleteAlert removes one alert; removing a wallet's last alert stops its poller.
func (e *Engine) DeleteAlert(id string) error {
	e.mu.Lock()
	a, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return ErrAlertNotFound
	}
	delete(e.alerts, id)
	wallet := a.WalletKey
	ids := e.wallets[wallet]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	last := len(ids) == 0
	if last {
		delete(e.wallets, wallet)
		e.epochs[wallet]++
	} else {
		e.wallets[wallet] = ids
	}
	e.mu.Unlock()

	e.logger.Info().Str("alert_id", id).Msg("alert deleted")
	if last {
		e.poller.Stop(wallet)
	}
	return nil
}

// GetAlert returns a copy of one alert.
func (e *Engine) GetAlert(id string) (Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return Alert{}, ErrAlertNotFound
	}
	return a.clone(), nil
}

// GetAlerts returns the wallet's alerts in creation order.
func (e *Engine) GetAlerts(wallet string) []Alert {
	return e.list(wallet, false)
}

// GetActiveAlerts returns the wallet's alerts that can still trigger.
func (e *Engine) GetActiveAlerts(wallet string) []Alert {
	return e.list(wallet, true)
}

func (e *Engine) list(wallet string, activeOnly bool) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.wallets[wallet]))
	for _, id := range e.wallets[wallet] {
		a := e.alerts[id]
		if activeOnly && !a.IsActive {
			continue
		}
		out = append(out, a.clone())
	}
	return out
}

// StartMonitoring arms the wallet's poller. It returns false if one is
// already running.
func (e *Engine) StartMonitoring(wallet string) bool {
	started := e.poller.Start(e.ctx, wallet, e.fetcher(wallet), poller.Handlers{
		OnExhausted: e.onExhausted,
	})
	if started {
		e.mu.Lock()
		delete(e.exhausted, wallet)
		e.mu.Unlock()
	}
	return started
}

// StopMonitoring stops the wallet's poller and removes all of its alerts.
func (e *Engine) StopMonitoring(wallet string) int {
	e.poller.Stop(wallet)

	e.mu.Lock()
	ids := e.wallets[wallet]
	for _, id := range ids {
		delete(e.alerts, id)
	}
	delete(e.wallets, wallet)
	delete(e.exhausted, wallet)
	e.epochs[wallet]++
	e.mu.Unlock()

	e.logger.Info().Str("wallet", wallet).Int("removed", len(ids)).Msg("monitoring stopped")
	return len(ids)
}

func (e *Engine) fetcher(wallet string) poller.FetchFunc {
	return func(ctx context.Context) (poller.Observation, error) {
		res, err := e.CheckPrices(ctx, wallet)
		if err != nil {
			return poller.Observation{}, err
		}
		return poller.Observation{Value: res.Total, Payload: res}, nil
	}
}

func (e *Engine) onExhausted(ex *poller.ExhaustedError) {
	at := e.now()
	e.mu.Lock()
	// A StartMonitoring that won the race has already re-armed the wallet.
	if e.poller.Active(ex.Key) {
		e.mu.Unlock()
		e.logger.Debug().Str("wallet", ex.Key).Msg("wallet re-armed before exhaustion was recorded")
		return
	}
	e.exhausted[ex.Key] = at
	e.mu.Unlock()
	e.publish(Event{Kind: EventExhausted, WalletKey: ex.Key, Err: ex, At: at})
}

// CheckPrices fetches current prices for every subject the wallet watches
// and evaluates its active alerts.
func (e *Engine) CheckPrices(ctx context.Context, wallet string) (CheckResult, error) {
	res := CheckResult{WalletKey: wallet, Observed: map[string]float64{}}

	snap := e.snapshot(wallet)
	if len(snap.subjects) == 0 {
		res.CheckedAt = e.now()
		return res, nil
	}

	prices, err := e.prices.Prices(ctx, snap.subjects)
	if err != nil {
		return res, fmt.Errorf("fetch prices for %s: %w", wallet, err)
	}
	at := e.now()
	res.CheckedAt = at
	for _, id := range snap.subjects {
		if v, ok := prices[id]; ok {
			res.Observed[id] = v
			res.Total += v
		}
	}

	e.mu.Lock()
	if e.epochs[wallet] != snap.epoch {
		e.mu.Unlock()
		res.Discarded = true
		e.logger.Debug().Str("wallet", wallet).Msg("monitoring reset during check; result discarded")
		return res, nil
	}
	for _, id := range snap.alertIDs {
		a, ok := e.alerts[id]
		if !ok {
			continue
		}
		current, ok := res.Observed[a.SubjectID]
		if !ok {
			continue
		}
		prev := a.LastObservedValue
		if !e.shouldTrigger(a, current, at) {
			continue
		}
		n := Notification{
			ID:            uuid.NewString(),
			AlertID:       a.ID,
			WalletKey:     wallet,
			SubjectID:     a.SubjectID,
			Type:          a.Type,
			ObservedValue: current,
			PreviousValue: prev,
			Timestamp:     at,
		}
		n.Message = renderMessage(n, a)
		res.Triggered = append(res.Triggered, n)
	}
	e.mu.Unlock()

	if len(res.Triggered) > 0 {
		e.deliver(ctx, wallet, res.Triggered)
	}
	if e.samples != nil {
		if err := e.samples.RecordSample(ctx, wallet, at, res.Total); err != nil {
			e.logger.Warn().Err(err).Str("wallet", wallet).Msg("record portfolio sample failed")
		}
	}
	return res, nil
}

// walletSnapshot pins the alerts a check evaluates to the moment it started.
type walletSnapshot struct {
	epoch    uint64
	alertIDs []string
	subjects []string
}

func (e *Engine) snapshot(wallet string) walletSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := walletSnapshot{
		epoch:    e.epochs[wallet],
		alertIDs: append([]string(nil), e.wallets[wallet]...),
	}
	seen := make(map[string]bool)
	for _, id := range snap.alertIDs {
		a := e.alerts[id]
		if !a.IsActive || seen[a.SubjectID] {
			continue
		}
		seen[a.SubjectID] = true
		snap.subjects = append(snap.subjects, a.SubjectID)
	}
	return snap
}

// idPart keeps alert ids routable as a single path segment.
func idPart(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			return r
		}
		return '_'
	}, s)
}

// shouldTrigger evaluates one alert against current and records the
// trigger. The caller holds e.mu.
func (e *Engine) shouldTrigger(a *Alert, current float64, at time.Time) bool {
	if !a.IsActive || a.Exhausted() {
		return false
	}
	if a.LastObservedValue == nil {
		v := current
		a.LastObservedValue = &v
		return false
	}

	last := *a.LastObservedValue
	var fire bool
	switch a.Type {
	case TypePriceChange:
		if last == 0 {
			fire = current != 0
		} else {
			fire = math.Abs(current-last)/math.Abs(last) >= a.Threshold
		}
	case TypePriceAbove:
		fire = current > *a.TargetPrice
	case TypePriceBelow:
		fire = current < *a.TargetPrice
	}
	if !fire {
		return false
	}

	a.TriggerCount++
	t := at
	a.LastTriggeredAt = &t
	v := current
	a.LastObservedValue = &v
	if a.Exhausted() {
		a.IsActive = false
		e.logger.Info().Str("alert_id", a.ID).Int("triggers", a.TriggerCount).Msg("alert exhausted")
	}
	return true
}

func (e *Engine) deliver(ctx context.Context, wallet string, notes []Notification) {
	e.appendHistory(ctx, wallet, notes)
	for i := range notes {
		n := notes[i]
		e.sent.Add(1)
		if e.recorder != nil {
			if err := e.recorder.RecordNotification(ctx, n); err != nil {
				e.logger.Warn().Err(err).Str("notification_id", n.ID).Msg("record notification failed")
			}
		}
		e.publish(Event{Kind: EventTriggered, WalletKey: wallet, Notification: &n, At: n.Timestamp})
		for _, sink := range e.notifiers {
			e.sinkWG.Add(1)
			go e.send(sink, n)
		}
	}
}

// send runs detached from the engine context so Close drains queued
// deliveries; SinkTimeout bounds each one.
func (e *Engine) send(sink Notifier, n Notification) {
	defer e.sinkWG.Done()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), e.cfg.SinkTimeout)
	defer cancel()
	if err := sink.Notify(ctx, n); err != nil {
		e.logger.Warn().Err(err).Str("sink", fmt.Sprintf("%T", sink)).Str("notification_id", n.ID).Msg("notification delivery failed")
	}
}

func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Debug().Str("kind", string(ev.Kind)).Str("wallet", ev.WalletKey).Msg("event channel full; dropping event")
	}
}

func historyKey(wallet string) string { return "notifications:" + wallet }

// appendHistory prepends notes (newest first) and trims the log.
func (e *Engine) appendHistory(ctx context.Context, wallet string, notes []Notification) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()

	var log []Notification
	e.cache.Get(ctx, historyKey(wallet), &log)
	merged := make([]Notification, 0, len(notes)+len(log))
	for i := len(notes) - 1; i >= 0; i-- {
		merged = append(merged, notes[i])
	}
	merged = append(merged, log...)
	if len(merged) > e.cfg.MaxNotifications {
		merged = merged[:e.cfg.MaxNotifications]
	}
	if err := e.cache.Set(ctx, historyKey(wallet), merged, e.cfg.NotificationTTL); err != nil {
		e.logger.Warn().Err(err).Str("wallet", wallet).Msg("store notification history failed")
	}
}

// GetNotificationHistory returns up to limit notifications, newest first.
// A non-positive limit returns the whole log.
func (e *Engine) GetNotificationHistory(ctx context.Context, wallet string, limit int) []Notification {
	var log []Notification
	if !e.cache.Get(ctx, historyKey(wallet), &log) {
		return []Notification{}
	}
	if limit > 0 && len(log) > limit {
		log = log[:limit]
	}
	return log
}

// Stats is the alert section of the health snapshot.
type Stats struct {
	TotalAlerts       int    `json:"totalAlerts"`
	ActiveAlerts      int    `json:"activeAlerts"`
	NotificationsSent uint64 `json:"notificationsSent"`
	MonitoredWallets  int    `json:"monitoredWallets"`
	ExhaustedWallets  int    `json:"exhaustedWallets"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		TotalAlerts:       len(e.alerts),
		NotificationsSent: e.sent.Load(),
		MonitoredWallets:  len(e.wallets),
		ExhaustedWallets:  len(e.exhausted),
	}
	for _, a := range e.alerts {
		if a.IsActive {
			st.ActiveAlerts++
		}
	}
	return st
}

// Close cancels in-flight fetches, then waits for pending deliveries.
func (e *Engine) Close() {
	e.cancel()
	e.poller.StopAll()
	e.sinkWG.Wait()
}
