package services

import (
	"errors"
	"fmt"
)

// ValidationError marks request problems the API maps to 400s.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError

	return errors.As(err, &validationErr)
}

// ConflictError marks state conflicts the API maps to 409s, such as
// cancelling an already finished execution.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	return e.Detail
}

func NewConflictError(format string, args ...any) *ConflictError {
	return &ConflictError{Detail: fmt.Sprintf(format, args...)}
}

func IsConflictError(err error) bool {
	var conflictErr *ConflictError

	return errors.As(err, &conflictErr)
}
