package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotConfigured is returned when a collaborator lacks its endpoint.
var ErrNotConfigured = errors.New("fetcher not configured")

// HoldingsFetcher lists the moment ids held by a wallet on the ledger.
type HoldingsFetcher interface {
	ListMoments(ctx context.Context, wallet string) ([]string, error)
}

// PriceFetcher retrieves the latest market quote for one moment.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, momentID string) (Quote, error)
}

// MetadataFetcher retrieves descriptive details for one moment.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, momentID string) (Metadata, error)
}

// Quote is an indexer price. Found is false when the indexer legitimately
// has no price for the moment.
type Quote struct {
	MomentID  string          `json:"momentId"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Found     bool            `json:"found"`
}

// Metadata describes a moment.
type Metadata struct {
	MomentID string `json:"momentId"`
	Player   string `json:"player"`
	Set      string `json:"set"`
	Series   string `json:"series,omitempty"`
	Serial   int    `json:"serial"`
	Found    bool   `json:"found"`
}
