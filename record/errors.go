package record

import (
	"errors"
	"fmt"
)

// ErrInvalid is the sentinel all validation failures unwrap to, so callers
// can match the whole class with errors.Is.
var ErrInvalid = errors.New("invalid record")

// ValidationError reports which field of a record violates the data
// contract and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
