package alerting

import (
	"math"
	"strings"
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// validate checks the rule-specific fields of a fully populated alert.
func validate(a *Alert) error {
	if strings.TrimSpace(a.WalletKey) == "" {
		return invalid("walletKey", "is required")
	}
	if strings.TrimSpace(a.SubjectID) == "" {
		return invalid("subjectId", "is required")
	}
	if !a.Type.Valid() {
		return invalid("type", "must be one of price_change, price_above, price_below")
	}
	if a.MaxTriggers < 1 {
		return invalid("maxTriggers", "must be at least 1")
	}
	switch a.Type {
	case TypePriceChange:
		if !finite(a.Threshold) || a.Threshold <= 0 {
			return invalid("threshold", "must be a positive number")
		}
	case TypePriceAbove, TypePriceBelow:
		if a.TargetPrice == nil {
			return invalid("targetPrice", "is required for "+string(a.Type))
		}
		if !finite(*a.TargetPrice) {
			return invalid("targetPrice", "must be a finite number")
		}
	}
	return nil
}
