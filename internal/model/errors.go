package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input that was rejected before any state changed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a lookup that matched nothing.
	ErrNotFound = errors.New("not found")
)

// ValidationError carries the caller-facing reason a request was rejected.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalidf returns a validation error with a formatted message.
func Invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// ValidationMessage returns the innermost validation reason, or err's text otherwise.
func ValidationMessage(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Msg
	}
	return err.Error()
}
