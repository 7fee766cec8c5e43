package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		in        string
		wantTag   string
		wantTitle string
	}{
		{"[proj] Meet", "proj", "Meet"},
		{"Meet", "", "Meet"},
		{"[proj]", "proj", ""},
		{"[proj]Meet", "", "[proj]Meet"},
		{"[] Meet", "", "[] Meet"},
		{"[a] ", "", "[a] "},
		{"[a]  two spaces", "a", " two spaces"},
		{"[a [b] x", "", "[a [b] x"},
		{"Meet [proj]", "", "Meet [proj]"},
		{"", "", ""},
	}
	for _, tt := range tests {
		tag, title := ParseTag(tt.in)
		if tag != tt.wantTag || title != tt.wantTitle {
			t.Errorf("ParseTag(%q) = (%q, %q), want (%q, %q)", tt.in, tag, title, tt.wantTag, tt.wantTitle)
		}
		if got := RenderTitle(tag, title); got != tt.in {
			t.Errorf("RenderTitle(ParseTag(%q)) = %q", tt.in, got)
		}
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct {
		raw      string
		want     string
		dateOnly bool
	}{
		{"2025-03-01", "2025-03-01", true},
		{"20250301", "2025-03-01", true},
		{"2025-03-01T09:30:00+02:00", "2025-03-01T07:30:00Z", false},
		{"2025-03-01T09:30:00.123Z", "2025-03-01T09:30:00Z", false},
		{"2025-03-01T09:30:00", "2025-03-01T09:30:00Z", false},
		{"20250301T093000Z", "2025-03-01T09:30:00Z", false},
		{" 2025-03-01 ", "2025-03-01", true},
	}
	for _, tt := range tests {
		ts, err := NormalizeTimestamp(tt.raw)
		if err != nil {
			t.Fatalf("NormalizeTimestamp(%q) failed: %v", tt.raw, err)
		}
		if ts.String() != tt.want || ts.DateOnly() != tt.dateOnly {
			t.Errorf("NormalizeTimestamp(%q) = %s (date-only %v), want %s (date-only %v)", tt.raw, ts, ts.DateOnly(), tt.want, tt.dateOnly)
		}
	}

	for _, raw := range []string{"", "tomorrow", "2025-13-01", "03/01/2025"} {
		if _, err := NormalizeTimestamp(raw); !errors.Is(err, ErrInvalidTimestamp) {
			t.Errorf("NormalizeTimestamp(%q) error = %v, want ErrInvalidTimestamp", raw, err)
		}
	}
}

func TestTimestampPrecisionIsPartOfEquality(t *testing.T) {
	date := MustTimestamp("2025-03-01")
	midnight := MustTimestamp("2025-03-01T00:00:00Z")
	if date.Equal(midnight) {
		t.Error("date-only timestamp must not equal the midnight datetime")
	}
	if !midnight.Equal(NewDateTime(time.Date(2025, 3, 1, 1, 0, 0, 0, time.FixedZone("CET", 3600)))) {
		t.Error("equal instants in different zones must compare equal")
	}
	if !date.Equal(NewDate(time.Date(2025, 3, 1, 23, 0, 0, 0, time.FixedZone("X", -5*3600)))) {
		t.Error("NewDate must keep the calendar date of the local time")
	}
}

func TestEventValidate(t *testing.T) {
	start := MustTimestamp("2025-03-01T09:00:00Z")
	end := MustTimestamp("2025-03-01T10:00:00Z")
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"valid", Event{NativeID: "a", Start: start, End: end}, false},
		{"unscheduled", Event{NativeID: "a"}, false},
		{"missing id", Event{Start: start, End: end}, true},
		{"start only", Event{NativeID: "a", Start: start}, true},
		{"end only", Event{NativeID: "a", End: end}, true},
		{"inverted", Event{NativeID: "a", Start: end, End: start}, true},
		{"mixed precision", Event{NativeID: "a", Start: MustTimestamp("2025-03-01"), End: end}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("Validate() = %v, want ErrInvalidEvent", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestFieldsApply(t *testing.T) {
	e := &Event{NativeID: "a", Title: "Old", Tag: "x"}
	title, ext := "New", "b-1"
	Fields{Title: &title, ExternalID: &ext}.Apply(e)
	if e.Title != "New" || e.Tag != "x" || e.ExternalID != "b-1" {
		t.Errorf("Apply produced %+v", e)
	}
	if !(Fields{}).IsEmpty() {
		t.Error("zero Fields must be empty")
	}
}

func TestActionErrorUnwrap(t *testing.T) {
	err := &ActionError{Op: OpUpdate, Side: "calendar", NativeID: "x", Err: ErrNotFound}
	if !errors.Is(err, ErrNotFound) {
		t.Error("ActionError must unwrap to its cause")
	}
	var fe *FetchError
	if errors.As(error(err), &fe) {
		t.Error("ActionError must not match FetchError")
	}
}
