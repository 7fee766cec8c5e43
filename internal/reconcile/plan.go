package reconcile

import (
	"fmt"

	"notioncal/internal/models"
)

// Side names one of the two stores being reconciled.
type Side int

const (
	// Source is the task database.
	Source Side = iota
	// Target is the calendar.
	Target
)

func (s Side) String() string {
	switch s {
	case Source:
		return "source"
	case Target:
		return "target"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Source {
		return Target
	}
	return Source
}

// Create adds Event to Side. Origin is the event it mirrors; once the backend
// assigns a native id, that id must be written back as Origin's external id.
type Create struct {
	Side   Side
	Event  *models.Event
	Origin *models.Event
}

// Update applies Fields to an existing event on Side.
type Update struct {
	Side   Side
	Event  *models.Event
	Fields models.Fields
}

// Delete removes Event from Side.
type Delete struct {
	Side  Side
	Event *models.Event
}

// WarningKind classifies a finding the engine refuses to act on.
type WarningKind string

const (
	WarnInvalidEvent         WarningKind = "invalid_event"
	WarnDuplicateNativeID    WarningKind = "duplicate_native_id"
	WarnDuplicateReference   WarningKind = "duplicate_reference"
	WarnConflictingReference WarningKind = "conflicting_reference"
)

// Warning is surfaced to the operator and never auto-repaired.
type Warning struct {
	Kind       WarningKind
	Side       Side
	NativeID   string
	ExternalID string
	Err        error
}

func (w Warning) String() string {
	s := fmt.Sprintf("%s on %s: id=%s ext=%s", w.Kind, w.Side, w.NativeID, w.ExternalID)
	if w.Err != nil {
		s += ": " + w.Err.Error()
	}
	return s
}

// Summary counts how events were classified in one run.
type Summary struct {
	Linked      int
	Unlinked    int
	Orphaned    int
	OutOfWindow int
	Duplicate   int
	Conflict    int
	Excluded    int
}

// Plan is the set of actions for one cycle. It is computed once and thrown
// away after it has been applied.
type Plan struct {
	Creates  []Create
	Updates  []Update
	Deletes  []Delete
	Warnings []Warning
	Summary  Summary
}

// Empty reports whether the plan carries no action. Warnings do not count.
func (p *Plan) Empty() bool {
	return p.Len() == 0
}

// Len returns the number of actions in the plan.
func (p *Plan) Len() int {
	return len(p.Creates) + len(p.Updates) + len(p.Deletes)
}
