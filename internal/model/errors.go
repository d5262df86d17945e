package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a decision (or other resource) does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError names the offending field(s) of an invalid request.
// The RPC layer maps it to INVALID_PARAMS.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", strings.Join(e.Fields, ", "), e.Message)
}

// NewValidationError builds a ValidationError for the named fields.
func NewValidationError(message string, fields ...string) *ValidationError {
	return &ValidationError{Fields: fields, Message: message}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
