package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrVersionConflict   = errors.New("version conflict")
)

// OpError carries the failing operation and entity so callers can act without re-reading state.
type OpError struct {
	Op     string
	Entity string
	ID     string
	Err    error
}

func (e *OpError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func NewOpError(op, entity, id string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Entity: entity, ID: id, Err: err}
}

func NotFound(entity, id string) error {
	return &OpError{Op: "find", Entity: entity, ID: id, Err: ErrNotFound}
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
