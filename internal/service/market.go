package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"collectible-alerts/internal/alerting"
	"collectible-alerts/internal/breaker"
	"collectible-alerts/internal/cache"
	"collectible-alerts/internal/fetcher"
)

const (
	BreakerLedger  = "ledger"
	BreakerIndexer = "indexer"
)

// Options set per key-class TTLs and fan-out width.
type Options struct {
	PriceTTL     time.Duration
	FallbackTTL  time.Duration
	PortfolioTTL time.Duration
	MetadataTTL  time.Duration
	Concurrency  int
}

// DefaultOptions returns the stock TTLs.
func DefaultOptions() Options {
	return Options{
		PriceTTL:     60 * time.Second,
		FallbackTTL:  24 * time.Hour,
		PortfolioTTL: 600 * time.Second,
		MetadataTTL:  1800 * time.Second,
		Concurrency:  8,
	}
}

// Market is the read path from the upstream collaborators: every lookup goes
// through the cache, and every cache miss through the named breaker.
type Market struct {
	holdings fetcher.HoldingsFetcher
	prices   fetcher.PriceFetcher
	metadata fetcher.MetadataFetcher
	breakers *breaker.Manager
	cache    *cache.Cache
	opts     Options
	logger   zerolog.Logger
}

// New constructs the market gateway.
func New(opts Options, holdings fetcher.HoldingsFetcher, prices fetcher.PriceFetcher, metadata fetcher.MetadataFetcher, breakers *breaker.Manager, c *cache.Cache, logger zerolog.Logger) *Market {
	d := DefaultOptions()
	if opts.PriceTTL <= 0 {
		opts.PriceTTL = d.PriceTTL
	}
	if opts.FallbackTTL <= 0 {
		opts.FallbackTTL = d.FallbackTTL
	}
	if opts.PortfolioTTL <= 0 {
		opts.PortfolioTTL = d.PortfolioTTL
	}
	if opts.MetadataTTL <= 0 {
		opts.MetadataTTL = d.MetadataTTL
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = d.Concurrency
	}
	return &Market{
		holdings: holdings,
		prices:   prices,
		metadata: metadata,
		breakers: breakers,
		cache:    c,
		opts:     opts,
		logger:   logger.With().Str("component", "market").Logger(),
	}
}

// PricePoint is the cached form of a quote.
type PricePoint struct {
	Value float64   `json:"value"`
	Found bool      `json:"found"`
	Stale bool      `json:"stale,omitempty"`
	At    time.Time `json:"at"`
}

func priceKey(id string) string     { return "price:" + id }
func lastPriceKey(id string) string { return "last:price:" + id }

// Price returns the current price of one moment.
func (m *Market) Price(ctx context.Context, id string) (PricePoint, error) {
	return cache.GetOrSet(ctx, m.cache, priceKey(id), m.opts.PriceTTL, func(ctx context.Context) (PricePoint, error) {
		return breaker.Execute(ctx, m.breakers.Get(BreakerIndexer),
			func(ctx context.Context) (PricePoint, error) {
				q, err := m.prices.FetchPrice(ctx, id)
				if err != nil {
					return PricePoint{}, err
				}
				if !q.Found {
					return PricePoint{At: time.Now().UTC()}, nil
				}
				value, _ := q.Price.Float64()
				p := PricePoint{Value: value, Found: true, At: q.UpdatedAt}
				if p.At.IsZero() {
					p.At = time.Now().UTC()
				}
				if err := m.cache.Set(ctx, lastPriceKey(id), p, m.opts.FallbackTTL); err != nil {
					m.logger.Debug().Err(err).Str("moment", id).Msg("store last-known price failed")
				}
				return p, nil
			},
			func(ctx context.Context) (PricePoint, error) {
				p, ok := cache.GetTyped[PricePoint](ctx, m.cache, lastPriceKey(id))
				if !ok {
					return PricePoint{}, fmt.Errorf("no last-known price for %s", id)
				}
				p.Stale = true
				return p, nil
			})
	})
}

// Prices returns prices for ids, omitting ids without data. It fails only
// when every lookup failed.
func (m *Market) Prices(ctx context.Context, ids []string) (map[string]float64, error) {
	out := make(map[string]float64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(m.opts.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			p, err := m.Price(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("price %s: %w", id, err))
				return nil
			}
			if p.Found {
				out[id] = p.Value
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == len(ids) {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		m.logger.Warn().Err(err).Msg("partial price lookup failure")
	}
	return out, nil
}

func holdingsKey(wallet string) string     { return "holdings:" + wallet }
func lastHoldingsKey(wallet string) string { return "last:holdings:" + wallet }

// Holdings lists the moment ids a wallet owns.
func (m *Market) Holdings(ctx context.Context, wallet string) ([]string, error) {
	return cache.GetOrSet(ctx, m.cache, holdingsKey(wallet), m.opts.PortfolioTTL, func(ctx context.Context) ([]string, error) {
		return breaker.Execute(ctx, m.breakers.Get(BreakerLedger),
			func(ctx context.Context) ([]string, error) {
				ids, err := m.holdings.ListMoments(ctx, wallet)
				if err != nil {
					return nil, err
				}
				if err := m.cache.Set(ctx, lastHoldingsKey(wallet), ids, m.opts.FallbackTTL); err != nil {
					m.logger.Debug().Err(err).Str("wallet", wallet).Msg("store last-known holdings failed")
				}
				return ids, nil
			},
			func(ctx context.Context) ([]string, error) {
				ids, ok := cache.GetTyped[[]string](ctx, m.cache, lastHoldingsKey(wallet))
				if !ok {
					return nil, fmt.Errorf("no last-known holdings for %s", wallet)
				}
				return ids, nil
			})
	})
}

// Metadata returns descriptive details for one moment.
func (m *Market) Metadata(ctx context.Context, id string) (fetcher.Metadata, error) {
	return cache.GetOrSet(ctx, m.cache, "metadata:"+id, m.opts.MetadataTTL, func(ctx context.Context) (fetcher.Metadata, error) {
		return breaker.Execute(ctx, m.breakers.Get(BreakerIndexer), func(ctx context.Context) (fetcher.Metadata, error) {
			return m.metadata.FetchMetadata(ctx, id)
		}, nil)
	})
}

// Holding is one priced moment of a portfolio.
type Holding struct {
	MomentID string   `json:"momentId"`
	Price    *float64 `json:"price,omitempty"`
}

// Portfolio is the aggregated wallet view.
type Portfolio struct {
	WalletKey  string    `json:"walletKey"`
	Holdings   []Holding `json:"holdings"`
	TotalValue float64   `json:"totalValue"`
	Priced     int       `json:"priced"`
	AsOf       time.Time `json:"asOf"`
}

func portfolioKey(wallet string) string { return "portfolio:" + wallet }

// Portfolio combines holdings and prices into a valued view.
func (m *Market) Portfolio(ctx context.Context, wallet string) (Portfolio, error) {
	return cache.GetOrSet(ctx, m.cache, portfolioKey(wallet), m.opts.PortfolioTTL, func(ctx context.Context) (Portfolio, error) {
		ids, err := m.Holdings(ctx, wallet)
		if err != nil {
			return Portfolio{}, fmt.Errorf("holdings: %w", err)
		}
		pf := Portfolio{WalletKey: wallet, Holdings: make([]Holding, 0, len(ids)), AsOf: time.Now().UTC()}
		if len(ids) == 0 {
			return pf, nil
		}

		prices, err := m.Prices(ctx, ids)
		if err != nil {
			return Portfolio{}, fmt.Errorf("prices: %w", err)
		}
		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		for _, id := range sorted {
			h := Holding{MomentID: id}
			if v, ok := prices[id]; ok {
				h.Price = &v
				pf.TotalValue += v
				pf.Priced++
			}
			pf.Holdings = append(pf.Holdings, h)
		}
		return pf, nil
	})
}

// Refresh drops every cached view of wallet and returns how many keys went.
func (m *Market) Refresh(ctx context.Context, wallet string) int {
	return m.cache.Invalidate(ctx, portfolioKey(wallet)) + m.cache.Invalidate(ctx, holdingsKey(wallet))
}

var _ alerting.PriceSource = (*Market)(nil)
