package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"collectible-alerts/internal/alerting"
	"collectible-alerts/internal/breaker"
	"collectible-alerts/internal/cache"
	"collectible-alerts/internal/poller"
	"collectible-alerts/internal/service"
	"collectible-alerts/internal/storage"
	"collectible-alerts/internal/version"
)

// Core is the one composed instance of the resilience layer per process.
type Core struct {
	Cache    *cache.Cache
	Breakers *breaker.Manager
	Poller   *poller.Poller
	Market   *service.Market
	Hub      *alerting.Hub
	Engine   *alerting.Engine
	// Store is nil when persistence is disabled.
	Store *storage.Store

	closers []func()
	logger  zerolog.Logger
}

type coreOptions struct {
	withStore bool
	// prices replaces the market gateway as the engine's price source.
	prices alerting.PriceSource
	poller *poller.Config
}

func (a *App) newCore(ctx context.Context, o coreOptions) (*Core, error) {
	core := &Core{logger: a.Logger}

	core.Cache = a.newCache(ctx)
	core.closers = append(core.closers, func() { _ = core.Cache.Close() })

	breakers, err := breaker.NewManager(a.Config.BreakerDefaults(), a.Config.Breakers.Overrides, a.Logger)
	if err != nil {
		core.Close()
		return nil, fmt.Errorf("breakers: %w", err)
	}
	core.Breakers = breakers
	core.Market = a.newMarket(core.Cache, breakers)

	if o.withStore {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			core.Close()
			return nil, err
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		} else {
			core.Store = store
			core.closers = append(core.closers, closeStore)
		}
	}

	pcfg := a.Config.Poller
	if o.poller != nil {
		pcfg = *o.poller
	}
	core.Poller, err = poller.New(pcfg, a.Logger)
	if err != nil {
		core.Close()
		return nil, fmt.Errorf("poller: %w", err)
	}

	core.Hub = alerting.NewHub(a.Config.Alerting.WebSocket, a.Logger)
	core.closers = append(core.closers, core.Hub.Close)

	prices := o.prices
	if prices == nil {
		prices = core.Market
	}
	opts := alerting.Options{
		Config:    a.Config.Alerting.Config,
		Prices:    prices,
		Poller:    core.Poller,
		Cache:     core.Cache,
		Notifiers: append(a.newNotifiers(), core.Hub),
	}
	if core.Store != nil {
		opts.Recorder = core.Store
		opts.Samples = core.Store
	}
	core.Engine, err = alerting.New(opts, a.Logger)
	if err != nil {
		core.Close()
		return nil, err
	}
	// engine first: it stops fetches and waits for sinks before the hub and store go away
	core.closers = append(core.closers, core.Engine.Close)

	return core, nil
}

func (a *App) newNotifiers() []alerting.Notifier {
	var sinks []alerting.Notifier
	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		sinks = append(sinks, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, a.Config.Alerting.SinkTimeout, a.Logger))
	}
	if wh := a.Config.Alerting.Webhook; wh.Enabled {
		sinks = append(sinks, alerting.NewWebhookNotifier(wh.URL, wh.Headers, wh.Timeout, a.Logger))
	}
	return sinks
}

// Close releases everything in reverse construction order.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Health is the aggregated snapshot served to monitoring pages.
type Health struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Breakers  breaker.Health `json:"breakers"`
	Poller    poller.Stats   `json:"poller"`
	Cache     cache.Stats    `json:"cache"`
	Alerts    alerting.Stats `json:"alerts"`
	Storage   string         `json:"storage"`
	CheckedAt time.Time      `json:"checkedAt"`
}

// Health collects every component's stats.
func (c *Core) Health(ctx context.Context) Health {
	h := Health{
		Version:   version.Version,
		Breakers:  c.Breakers.Health(),
		Poller:    c.Poller.Stats(),
		Cache:     c.Cache.Stats(ctx),
		Alerts:    c.Engine.Stats(),
		Storage:   "disabled",
		CheckedAt: time.Now().UTC(),
	}
	h.Status = h.Breakers.OverallStatus
	if h.Alerts.ExhaustedWallets > 0 {
		h.Status = breaker.StatusDegraded
	}
	if c.Store != nil {
		h.Storage = "postgres"
	}
	return h
}

func (a *App) drainEvents(ctx context.Context, core *Core) {
	events := core.Engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case alerting.EventExhausted:
				a.Logger.Warn().Err(ev.Err).Str("wallet", ev.WalletKey).Msg("wallet polling exhausted; restart monitoring to resume")
			case alerting.EventTriggered:
				if ev.Notification != nil {
					a.Logger.Info().
						Str("wallet", ev.WalletKey).
						Str("alert_id", ev.Notification.AlertID).
						Float64("observed", ev.Notification.ObservedValue).
						Msg("alert triggered")
				}
			}
		}
	}
}
