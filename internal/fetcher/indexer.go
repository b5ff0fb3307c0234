package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// IndexerOptions parameterise the third-party indexer client.
type IndexerOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	// RatePerSecond throttles outgoing requests; zero disables throttling.
	RatePerSecond float64
	Burst         int
}

// Indexer fetches moment prices and metadata over HTTP.
type Indexer struct {
	opts    IndexerOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewIndexer constructs an indexer client.
func NewIndexer(opts IndexerOptions, logger zerolog.Logger) *Indexer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &Indexer{
		opts:    opts,
		logger:  logger.With().Str("component", "indexer_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		limiter: limiter,
	}
}

// FetchPrice returns the latest quote. A 404 is reported as Found=false,
// not as an error.
func (ix *Indexer) FetchPrice(ctx context.Context, momentID string) (Quote, error) {
	var body priceResponse
	found, err := ix.get(ctx, "/moments/"+url.PathEscape(momentID)+"/price", &body)
	if err != nil || !found {
		return Quote{MomentID: momentID}, err
	}

	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("parse price for %s: %w", momentID, err)
	}
	if price.IsNegative() {
		return Quote{}, fmt.Errorf("negative price %s for %s", price, momentID)
	}

	currency := body.Currency
	if currency == "" {
		currency = "USD"
	}
	return Quote{
		MomentID:  momentID,
		Price:     price,
		Currency:  currency,
		UpdatedAt: body.UpdatedAt,
		Found:     true,
	}, nil
}

// FetchMetadata returns descriptive details; a 404 yields Found=false.
func (ix *Indexer) FetchMetadata(ctx context.Context, momentID string) (Metadata, error) {
	var body metadataResponse
	found, err := ix.get(ctx, "/moments/"+url.PathEscape(momentID), &body)
	if err != nil || !found {
		return Metadata{MomentID: momentID}, err
	}
	return Metadata{
		MomentID: momentID,
		Player:   body.Player,
		Set:      body.Set,
		Series:   body.Series,
		Serial:   body.Serial,
		Found:    true,
	}, nil
}

func (ix *Indexer) get(ctx context.Context, path string, dest any) (bool, error) {
	if ix.baseURL == "" {
		return false, fmt.Errorf("indexer base url: %w", ErrNotConfigured)
	}
	if err := ix.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("indexer rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ix.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(ix.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "momentwatch/1.0")
	}
	if ix.opts.APIKey != "" {
		req.Header.Set("X-API-Key", ix.opts.APIKey)
	}

	resp, err := ix.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		ix.logger.Debug().Str("path", path).Msg("indexer has no data")
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, parseHTTPError(resp.StatusCode, payload)
	}

	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("decode indexer response: %w", err)
	}
	return true, nil
}

type priceResponse struct {
	Price     string    `json:"price"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updated_at"`
}

type metadataResponse struct {
	Player string `json:"player"`
	Set    string `json:"set"`
	Series string `json:"series"`
	Serial int    `json:"serial"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("indexer api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("indexer api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("indexer api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("indexer api error (%d)", status)
}

var (
	_ PriceFetcher    = (*Indexer)(nil)
	_ MetadataFetcher = (*Indexer)(nil)
)
