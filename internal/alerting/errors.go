package alerting

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed alert input.
	ErrValidation = errors.New("invalid alert")
	// ErrAlertNotFound is returned for unknown alert ids.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlertExhausted is returned when mutating an alert that reached its trigger limit.
	ErrAlertExhausted = errors.New("alert exhausted")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
