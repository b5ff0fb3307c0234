package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"collectible-alerts/internal/api"
	"collectible-alerts/internal/breaker"
	"collectible-alerts/internal/cache"
	"collectible-alerts/internal/config"
	"collectible-alerts/internal/fetcher"
	"collectible-alerts/internal/poller"
	"collectible-alerts/internal/service"
	"collectible-alerts/internal/storage"
	"collectible-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetchers() (*fetcher.Ledger, *fetcher.Indexer) {
	ledger := fetcher.NewLedger(fetcher.LedgerOptions{
		RPCURL:            a.Config.Ledger.RPCURL,
		CollectionAddress: a.Config.Ledger.CollectionAddress,
		Timeout:           a.Config.Ledger.RequestTimeout,
		MaxTokens:         a.Config.Ledger.MaxTokens,
	}, nil, a.Logger)

	indexer := fetcher.NewIndexer(fetcher.IndexerOptions{
		BaseURL:       a.Config.Indexer.BaseURL,
		APIKey:        a.Config.Indexer.APIKey,
		Timeout:       a.Config.Indexer.RequestTimeout,
		UserAgent:     a.Config.Indexer.UserAgent,
		RatePerSecond: a.Config.Indexer.RateLimitPerSec,
		Burst:         a.Config.Indexer.Burst,
	}, a.Logger)

	return ledger, indexer
}

func (a *App) newCache(ctx context.Context) *cache.Cache {
	cc := a.Config.Cache
	return cache.New(ctx, cache.Options{
		RedisURL:       cc.RedisURL,
		KeyPrefix:      cc.KeyPrefix,
		ConnectTimeout: cc.ConnectTimeout,
		DefaultTTL:     cc.DefaultTTL,
		SweepInterval:  cc.SweepInterval,
		ComputeTimeout: cc.ComputeTimeout,
	}, a.Logger)
}

func (a *App) newMarket(c *cache.Cache, breakers *breaker.Manager) *service.Market {
	ledger, indexer := a.newFetchers()
	cc := a.Config.Cache
	return service.New(service.Options{
		PriceTTL:     cc.PriceTTL,
		FallbackTTL:  cc.FallbackTTL,
		PortfolioTTL: cc.PortfolioTTL,
		MetadataTTL:  cc.MetadataTTL,
		Concurrency:  a.Config.Indexer.Concurrency,
	}, ledger, indexer, indexer, breakers, c, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	core, err := a.newCore(ctx, coreOptions{withStore: true})
	if err != nil {
		return err
	}
	defer core.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Cache.Run(gctx) })
	g.Go(func() error {
		a.drainEvents(gctx, core)
		return nil
	})

	if core.Store != nil && a.Config.Retention.Enabled {
		job := newRetention(core.Store, a.Config.Retention, a.Logger)
		stop, err := job.start(gctx)
		if err != nil {
			return err
		}
		defer stop()
	}

	handler := api.NewHandler(core.Engine, core.Market, core.Hub, core.Breakers, func(ctx context.Context) any {
		return core.Health(ctx)
	}, a.Logger)
	server := api.NewServer(api.ServerOptions{
		Addr:              a.Config.Server.Addr,
		ReadHeaderTimeout: a.Config.Server.ReadHeaderTimeout,
		ShutdownTimeout:   a.Config.Server.ShutdownTimeout,
	}, api.NewRouter(handler, a.Logger), a.Logger)
	g.Go(func() error { return server.Run(gctx) })

	a.Logger.Info().Str("version", version.Version).Msg("starting monitoring service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Check values a wallet once and records the sample when storage is configured.
func (a *App) Check(ctx context.Context, opts CheckOptions) (service.Portfolio, error) {
	if opts.Wallet == "" {
		return service.Portfolio{}, errors.New("wallet is required")
	}

	core, err := a.newCore(ctx, coreOptions{withStore: true})
	if err != nil {
		return service.Portfolio{}, err
	}
	defer core.Close()

	pf, err := core.Market.Portfolio(ctx, opts.Wallet)
	if err != nil {
		return service.Portfolio{}, fmt.Errorf("value wallet %s: %w", opts.Wallet, err)
	}
	if core.Store != nil {
		if err := core.Store.RecordSample(ctx, opts.Wallet, pf.AsOf, pf.TotalValue); err != nil {
			a.Logger.Warn().Err(err).Msg("record portfolio sample failed")
		}
	}
	return pf, nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Wallet    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Wallet string
	Limit  int
}

// CheckOptions configure the check command.
type CheckOptions struct {
	Wallet string
}

// SimulateOptions describe a synthetic price move for one moment.
type SimulateOptions struct {
	MomentID string
	Target   float64
	From     float64
	To       float64
}

func simulationPollerConfig(base poller.Config) poller.Config {
	cfg := base
	cfg.MinInterval = time.Hour
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour
	cfg.SteadyCap = time.Hour
	cfg.BackoffCap = time.Hour
	return cfg
}
