package models

import "fmt"

// Event is the canonical representation of a calendar event, independent of
// the task database and calendar schemas.
//
// NativeID and ExternalID are plain identifiers: NativeID is owned by the
// store the event lives in, ExternalID points at the counterpart's NativeID
// on the other store.
type Event struct {
	NativeID   string     // Identifier assigned by the owning store
	ExternalID string     // Cross-reference to the counterpart; empty when not linked
	Title      string     // Display title without the tag segment
	Tag        string     // Grouping tag parsed from the title; empty when absent
	Start      Timestamp  // Start bound
	End        Timestamp  // End bound
	Parent     *ParentRef // Parent record, only set on creates into the task database
}

// ParentRef identifies the parent record a tag resolves to.
type ParentRef struct {
	ID   string
	Name string
}

// Fields is a partial update. Nil fields are left untouched.
type Fields struct {
	Title      *string
	Tag        *string
	Start      *Timestamp
	End        *Timestamp
	ExternalID *string
}

// IsEmpty reports whether the update carries no field at all.
func (f Fields) IsEmpty() bool {
	return f.Title == nil && f.Tag == nil && f.Start == nil && f.End == nil && f.ExternalID == nil
}

// Apply copies the set fields onto the event.
func (f Fields) Apply(e *Event) {
	if f.Title != nil {
		e.Title = *f.Title
	}
	if f.Tag != nil {
		e.Tag = *f.Tag
	}
	if f.Start != nil {
		e.Start = *f.Start
	}
	if f.End != nil {
		e.End = *f.End
	}
	if f.ExternalID != nil {
		e.ExternalID = *f.ExternalID
	}
}

// FullTitle renders the title with its tag segment, as stored by both backends.
func (e *Event) FullTitle() string {
	return RenderTitle(e.Tag, e.Title)
}

// SetFullTitle parses a backend title into Tag and Title.
func (e *Event) SetFullTitle(full string) {
	e.Tag, e.Title = ParseTag(full)
}

// Scheduled reports whether the event carries any time bound.
func (e *Event) Scheduled() bool {
	return !e.Start.IsZero() || !e.End.IsZero()
}

// Validate checks the invariants an event must hold to take part in a sync.
func (e *Event) Validate() error {
	if e.NativeID == "" {
		return fmt.Errorf("%w: missing native id", ErrInvalidEvent)
	}
	if e.Start.IsZero() != e.End.IsZero() {
		return fmt.Errorf("%w: event %s has only one time bound", ErrInvalidEvent, e.NativeID)
	}
	if e.Start.IsZero() {
		return nil
	}
	if e.Start.DateOnly() != e.End.DateOnly() {
		return fmt.Errorf("%w: event %s mixes date and datetime bounds", ErrInvalidEvent, e.NativeID)
	}
	if e.End.Before(e.Start) {
		return fmt.Errorf("%w: event %s ends before it starts", ErrInvalidEvent, e.NativeID)
	}
	return nil
}

// Clone returns a copy of the event that shares no pointers with the original.
func (e *Event) Clone() *Event {
	c := *e
	if e.Parent != nil {
		p := *e.Parent
		c.Parent = &p
	}
	return &c
}

func (e *Event) String() string {
	return fmt.Sprintf("%q [%s, %s] id=%s ext=%s", e.FullTitle(), e.Start, e.End, e.NativeID, e.ExternalID)
}
