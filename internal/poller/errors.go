package poller

import (
	"errors"
	"fmt"
)

// ErrExhausted marks a schedule torn down after too many consecutive failures.
var ErrExhausted = errors.New("poller exhausted")

// ExhaustedError carries the key and the failure that ended the schedule.
type ExhaustedError struct {
	Key      string
	Failures int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("poller %q exhausted after %d consecutive failures: %v", e.Key, e.Failures, e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }
