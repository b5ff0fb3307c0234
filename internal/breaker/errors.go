package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrServiceUnavailable matches every *UnavailableError.
var ErrServiceUnavailable = errors.New("service unavailable")

// UnavailableError is returned by an open breaker that has no usable fallback.
type UnavailableError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s (retry after %s)", ErrServiceUnavailable.Error(), e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is lets errors.Is(err, ErrServiceUnavailable) succeed.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrServiceUnavailable
}

// RetryAfter extracts the retry hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue.RetryAfter, true
	}
	return 0, false
}
