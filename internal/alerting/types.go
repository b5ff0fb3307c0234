package alerting

import (
	"context"
	"time"
)

// AlertType selects the trigger rule.
type AlertType string

const (
	TypePriceChange AlertType = "price_change"
	TypePriceAbove  AlertType = "price_above"
	TypePriceBelow  AlertType = "price_below"
)

// Valid reports whether t is a known rule.
func (t AlertType) Valid() bool {
	switch t {
	case TypePriceChange, TypePriceAbove, TypePriceBelow:
		return true
	}
	return false
}

// Alert is a threshold rule on one moment held under a wallet.
type Alert struct {
	ID                string     `json:"id"`
	WalletKey         string     `json:"walletKey"`
	SubjectID         string     `json:"subjectId"`
	Type              AlertType  `json:"type"`
	Threshold         float64    `json:"threshold"`
	TargetPrice       *float64   `json:"targetPrice,omitempty"`
	LastObservedValue *float64   `json:"lastObservedValue,omitempty"`
	IsActive          bool       `json:"isActive"`
	TriggerCount      int        `json:"triggerCount"`
	MaxTriggers       int        `json:"maxTriggers"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastTriggeredAt   *time.Time `json:"lastTriggeredAt,omitempty"`
}

// Exhausted reports whether the alert has used up its triggers.
func (a *Alert) Exhausted() bool { return a.TriggerCount >= a.MaxTriggers }

func (a *Alert) clone() Alert {
	c := *a
	if a.TargetPrice != nil {
		v := *a.TargetPrice
		c.TargetPrice = &v
	}
	if a.LastObservedValue != nil {
		v := *a.LastObservedValue
		c.LastObservedValue = &v
	}
	if a.LastTriggeredAt != nil {
		v := *a.LastTriggeredAt
		c.LastTriggeredAt = &v
	}
	return c
}

// AlertOptions are the caller-supplied fields of a new alert. Nil pointers
// select engine defaults.
type AlertOptions struct {
	Type        AlertType `json:"type"`
	Threshold   *float64  `json:"threshold,omitempty"`
	TargetPrice *float64  `json:"targetPrice,omitempty"`
	MaxTriggers *int      `json:"maxTriggers,omitempty"`
}

// AlertPatch mutates an existing alert. Trigger count and observation
// baseline survive reactivation unless reset explicitly.
type AlertPatch struct {
	Threshold     *float64 `json:"threshold,omitempty"`
	TargetPrice   *float64 `json:"targetPrice,omitempty"`
	MaxTriggers   *int     `json:"maxTriggers,omitempty"`
	IsActive      *bool    `json:"isActive,omitempty"`
	ResetTriggers bool     `json:"resetTriggers,omitempty"`
	ResetHistory  bool     `json:"resetHistory,omitempty"`
}

// Notification is the immutable record of one trigger.
type Notification struct {
	ID            string    `json:"id"`
	AlertID       string    `json:"alertId"`
	WalletKey     string    `json:"walletKey"`
	SubjectID     string    `json:"subjectId"`
	Type          AlertType `json:"type"`
	ObservedValue float64   `json:"observedValue"`
	PreviousValue *float64  `json:"previousValue,omitempty"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// CheckResult is what one price check produced for a wallet.
type CheckResult struct {
	WalletKey string             `json:"walletKey"`
	Observed  map[string]float64 `json:"observed"`
	Total     float64            `json:"total"`
	Triggered []Notification     `json:"triggered"`
	CheckedAt time.Time          `json:"checkedAt"`
	// Discarded is set when the wallet's monitoring was reset while prices
	// were in flight; nothing was evaluated.
	Discarded bool `json:"discarded,omitempty"`
}

// PriceSource returns current prices for moment ids. Ids without data are
// omitted from the map; an error means the lookup itself failed.
type PriceSource interface {
	Prices(ctx context.Context, ids []string) (map[string]float64, error)
}

// NotificationRecorder persists triggered notifications.
type NotificationRecorder interface {
	RecordNotification(ctx context.Context, n Notification) error
}

// SampleRecorder persists the aggregate value seen by each successful check.
type SampleRecorder interface {
	RecordSample(ctx context.Context, wallet string, at time.Time, total float64) error
}

// EventKind classifies engine events.
type EventKind string

const (
	EventTriggered EventKind = "triggered"
	EventExhausted EventKind = "exhausted"
)

// Event is published on the engine's event channel.
type Event struct {
	Kind         EventKind     `json:"kind"`
	WalletKey    string        `json:"walletKey"`
	Notification *Notification `json:"notification,omitempty"`
	Err          error         `json:"-"`
	At           time.Time     `json:"at"`
}
