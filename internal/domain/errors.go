package domain

import (
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned when a record cannot be located by id.
var ErrRecordNotFound = errors.New("time record not found")

// ValidationError reports unusable caller input. It is fatal for the
// operation and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// PersistenceError wraps a store failure that survived the retry budget.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ListenerError identifies which fan-out predicate failed. Sibling
// listeners keep running when one surfaces.
type ListenerError struct {
	Field string
	Value string
	Err   error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %s=%s: %v", e.Field, e.Value, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }
