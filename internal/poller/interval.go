package poller

import (
	"math"
	"time"
)

const (
	shrinkFactor = 0.7
	slowFactor   = 1.2
	steadyFactor = 1.1
	backoffBase  = 1.5
)

// VolatilityFunc reports whether curr moved enough versus prev to poll faster.
type VolatilityFunc func(prev, curr Observation) bool

// PeakFunc reports whether t falls in a high-traffic window.
type PeakFunc func(t time.Time) bool

// ChangeAbove flags relative moves strictly greater than threshold.
func ChangeAbove(threshold float64) VolatilityFunc {
	return func(prev, curr Observation) bool {
		if prev.Value == 0 {
			return curr.Value != 0
		}
		return math.Abs(curr.Value-prev.Value)/math.Abs(prev.Value) > threshold
	}
}

// LocalHours treats the listed local hours of day as peak.
func LocalHours(hours []int) PeakFunc {
	var set [24]bool
	for _, h := range hours {
		if h >= 0 && h < 24 {
			set[h] = true
		}
	}
	return func(t time.Time) bool { return set[t.Local().Hour()] }
}

// afterSuccess computes the next delay following a successful fetch. The
// result always lies in [MinInterval, MaxInterval].
func (c Config) afterSuccess(current time.Duration, volatile, peak bool, latency time.Duration) time.Duration {
	var next time.Duration
	switch {
	case volatile || peak:
		next = scale(current, shrinkFactor)
	case latency > c.SlowLatency:
		next = min(scale(current, slowFactor), c.MaxInterval)
	default:
		next = min(scale(current, steadyFactor), c.SteadyCap)
	}
	return clamp(next, c.MinInterval, c.MaxInterval)
}

// afterFailure computes the backoff delay for the given error streak, grown
// from the last healthy interval and capped at BackoffCap.
func (c Config) afterFailure(base time.Duration, streak int) time.Duration {
	f := math.Round(float64(base) * math.Pow(backoffBase, float64(streak)))
	if f >= float64(c.BackoffCap) {
		return c.BackoffCap
	}
	return clamp(time.Duration(f), c.MinInterval, c.BackoffCap)
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(math.Round(float64(d) * f))
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
