package schedule

import "fmt"

// InvalidInputError reports malformed or out-of-range input to Generate.
// It is always returned to the caller and never retried.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) *InvalidInputError {
	return &InvalidInputError{Field: field, Reason: reason}
}
