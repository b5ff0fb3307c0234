package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotificationRecord is the audit row of one triggered alert.
type NotificationRecord struct {
	ID            string
	WalletKey     string
	AlertID       string
	SubjectID     string
	AlertType     string
	ObservedValue decimal.Decimal
	Message       string
	CreatedAt     time.Time
}

// PortfolioSample is the aggregate value a wallet check observed.
type PortfolioSample struct {
	WalletKey  string
	SampledAt  time.Time
	TotalValue decimal.Decimal
}
