package models

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// datetimeLayouts are tried in order by NormalizeTimestamp.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"20060102T150405Z",
	"20060102T150405",
}

// Timestamp is a UTC instant that remembers whether it was given with date
// precision only. A date-only timestamp never equals a datetime, even at
// midnight UTC, so that all-day events do not produce spurious diffs.
type Timestamp struct {
	t        time.Time
	dateOnly bool
}

// NewDateTime returns a datetime timestamp truncated to whole seconds in UTC.
func NewDateTime(t time.Time) Timestamp {
	return Timestamp{t: t.UTC().Truncate(time.Second)}
}

// NewDate returns a date-only timestamp for the calendar date of t as seen in
// t's own location.
func NewDate(t time.Time) Timestamp {
	y, m, d := t.Date()
	return Timestamp{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), dateOnly: true}
}

// NormalizeTimestamp converts a backend date or datetime string into its
// canonical form. Values without an explicit offset are taken as UTC.
func NormalizeTimestamp(raw string) (Timestamp, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Timestamp{}, fmt.Errorf("%w: empty value", ErrInvalidTimestamp)
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return NewDate(t), nil
	}
	if len(s) == 8 {
		if t, err := time.Parse("20060102", s); err == nil {
			return NewDate(t), nil
		}
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return NewDateTime(t), nil
		}
	}
	return Timestamp{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
}

// MustTimestamp is NormalizeTimestamp for literals known to be valid.
func MustTimestamp(raw string) Timestamp {
	ts, err := NormalizeTimestamp(raw)
	if err != nil {
		panic(err)
	}
	return ts
}

func (ts Timestamp) IsZero() bool   { return ts.t.IsZero() }
func (ts Timestamp) DateOnly() bool { return ts.dateOnly }

// Time returns the instant in UTC. Date-only values are midnight UTC.
func (ts Timestamp) Time() time.Time { return ts.t }

// Equal compares precision and instant.
func (ts Timestamp) Equal(other Timestamp) bool {
	return ts.dateOnly == other.dateOnly && ts.t.Equal(other.t)
}

func (ts Timestamp) Before(other Timestamp) bool {
	return ts.t.Before(other.t)
}

// String renders the canonical form: YYYY-MM-DD or RFC 3339 in UTC.
func (ts Timestamp) String() string {
	if ts.IsZero() {
		return ""
	}
	if ts.dateOnly {
		return ts.t.Format(dateLayout)
	}
	return ts.t.Format(time.RFC3339)
}

// In returns the timestamp's time in loc. Date-only values keep their
// calendar date as midnight in loc.
func (ts Timestamp) In(loc *time.Location) time.Time {
	if ts.dateOnly {
		y, m, d := ts.t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return ts.t.In(loc)
}
