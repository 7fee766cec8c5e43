package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTimestamp is returned for dates the canonical model cannot represent.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	// ErrInvalidEvent marks events that break the canonical invariants.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrNotFound is returned by adapters when a native id no longer exists.
	ErrNotFound = errors.New("event not found")
)

// FetchError means one side could not be read. The whole cycle is aborted.
type FetchError struct {
	Side string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s events: %v", e.Side, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Op names a plan action.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ActionError is a failure of a single create, update or delete call. It is
// logged and skipped; the rest of the plan still runs.
type ActionError struct {
	Op       Op
	Side     string
	NativeID string
	Err      error
}

func (e *ActionError) Error() string {
	if e.NativeID == "" {
		return fmt.Sprintf("%s on %s: %v", e.Op, e.Side, e.Err)
	}
	return fmt.Sprintf("%s %s on %s: %v", e.Op, e.NativeID, e.Side, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
