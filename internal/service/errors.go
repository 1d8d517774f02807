package service

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrResourceContention = errors.New("shop is busy, retry the request")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrPersistence        = errors.New("persistence failure")
	ErrUnauthenticated    = errors.New("authenticated actor required")
	ErrForbidden          = errors.New("admin role required")
)

// ValidationError reports rejected input. Line is the zero-based cart line,
// or -1 when the problem is with the request as a whole.
type ValidationError struct {
	Line   int
	Field  string
	Reason string
}

func invalidField(field string, reason string) *ValidationError {
	return &ValidationError{Line: -1, Field: field, Reason: reason}
}

func invalidLine(line int, field string, reason string) *ValidationError {
	return &ValidationError{Line: line, Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Line < 0 {
		return fmt.Sprintf("%s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("lines[%d].%s %s", e.Line, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PersistenceError wraps a storage failure that aborted a transaction.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPersistence, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
