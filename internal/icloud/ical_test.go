package icloud

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"notioncal/internal/models"

	"github.com/emersion/go-ical"
)

func decodeEvent(t *testing.T, raw string) *ical.Component {
	t.Helper()
	raw = strings.ReplaceAll(strings.TrimSpace(raw), "\n", "\r\n") + "\r\n"
	cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	events := cal.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 VEVENT, got %d", len(events))
	}
	return events[0].Component
}

func TestFromComponentDateTime(t *testing.T) {
	ve := decodeEvent(t, `
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:abc
DTSTAMP:20250301T000000Z
SUMMARY:[proj] Meet
DTSTART:20250303T090000Z
DTEND:20250303T100000Z
X-NOTIONCAL-EXTERNAL-ID:n1
END:VEVENT
END:VCALENDAR`)

	e, err := fromComponent(ve)
	if err != nil {
		t.Fatalf("fromComponent failed: %v", err)
	}
	if e.NativeID != "abc" || e.ExternalID != "n1" || e.Tag != "proj" || e.Title != "Meet" {
		t.Errorf("event = %+v", e)
	}
	if e.Start.String() != "2025-03-03T09:00:00Z" || e.End.String() != "2025-03-03T10:00:00Z" {
		t.Errorf("times = %s..%s", e.Start, e.End)
	}
}

func TestFromComponentDefaultsEnd(t *testing.T) {
	tests := []struct {
		name  string
		props string
		end   string
	}{
		{"date without end", "DTSTART;VALUE=DATE:20250304", "2025-03-05"},
		{"datetime without end", "DTSTART:20250303T090000Z", "2025-03-03T09:00:00Z"},
		{"duration", "DTSTART:20250303T090000Z\nDURATION:PT30M", "2025-03-03T09:30:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ve := decodeEvent(t, "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//test//EN\nBEGIN:VEVENT\nUID:x\nDTSTAMP:20250301T000000Z\nSUMMARY:T\n"+
				tt.props+"\nEND:VEVENT\nEND:VCALENDAR")
			e, err := fromComponent(ve)
			if err != nil {
				t.Fatalf("fromComponent failed: %v", err)
			}
			if e.End.String() != tt.end {
				t.Errorf("end = %s, want %s", e.End, tt.end)
			}
			if err := e.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestFromComponentRejectsMissingUID(t *testing.T) {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropSummary, "no uid")
	if _, err := fromComponent(ve); !errors.Is(err, models.ErrInvalidEvent) {
		t.Errorf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestToComponentRoundTrip(t *testing.T) {
	in := []*models.Event{
		{
			NativeID:   "u1",
			ExternalID: "n1",
			Title:      "Meet",
			Tag:        "proj",
			Start:      models.MustTimestamp("2025-03-03T09:00:00Z"),
			End:        models.MustTimestamp("2025-03-03T10:00:00Z"),
		},
		{
			NativeID: "u2",
			Title:    "Holiday",
			Start:    models.MustTimestamp("2025-03-04"),
			End:      models.MustTimestamp("2025-03-06"),
		},
	}
	for _, want := range in {
		var buf bytes.Buffer
		if err := ical.NewEncoder(&buf).Encode(wrap(toComponent(want))); err != nil {
			t.Fatalf("encode %s: %v", want.NativeID, err)
		}
		if want.Start.DateOnly() && !strings.Contains(buf.String(), "DTSTART;VALUE=DATE:20250304") {
			t.Errorf("date-only start not encoded as DATE:\n%s", buf.String())
		}
		got, err := fromComponent(decodeEvent(t, buf.String()))
		if err != nil {
			t.Fatalf("fromComponent %s: %v", want.NativeID, err)
		}
		if got.NativeID != want.NativeID || got.ExternalID != want.ExternalID || got.FullTitle() != want.FullTitle() ||
			!got.Start.Equal(want.Start) || !got.End.Equal(want.End) {
			t.Errorf("round trip mismatch:\n got  %s\n want %s", got, want)
		}
	}
}

func TestApplyToComponentClearsReference(t *testing.T) {
	e := &models.Event{NativeID: "u1", ExternalID: "n1", Title: "T",
		Start: models.NewDateTime(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)),
		End:   models.NewDateTime(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC))}
	ve := toComponent(e)
	ve.Props.SetText(ical.PropDuration, "PT1H")

	e.ExternalID = ""
	applyToComponent(ve, e)
	if ve.Props.Get(propExternalID) != nil {
		t.Error("external id should be removed")
	}
	if ve.Props.Get(ical.PropDuration) != nil {
		t.Error("DURATION must not coexist with DTEND")
	}
}

func TestSortByStart(t *testing.T) {
	events := []*models.Event{
		{NativeID: "b", Start: models.MustTimestamp("2025-03-05")},
		{NativeID: "a", Start: models.MustTimestamp("2025-03-03T09:00:00Z")},
	}
	sortByStart(events)
	if events[0].NativeID != "a" {
		t.Errorf("order = %s, %s", events[0].NativeID, events[1].NativeID)
	}
}
