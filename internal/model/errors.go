package model

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or cross-referencing input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// StateError reports an operation that is invalid for the current attempt status.
type StateError struct {
	Op     string
	Status AttemptStatus
	Reason string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: attempt is %s: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: attempt is %s", e.Op, e.Status)
}

// NotFoundError reports a missing user, assessment, attempt or other entity.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

// AuthenticationError reports an unusable external identity payload.
type AuthenticationError struct {
	Msg string
}

func (e *AuthenticationError) Error() string { return "authentication: " + e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsState reports whether err is or wraps a StateError.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// IsAuthentication reports whether err is or wraps an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
