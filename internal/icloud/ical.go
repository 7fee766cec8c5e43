package icloud

import (
	"fmt"
	"sort"
	"time"

	"notioncal/internal/models"

	"github.com/emersion/go-ical"
)

func wrap(ve *ical.Component) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ve)
	return cal
}

// toComponent converts a canonical event to a VEVENT.
func toComponent(e *models.Event) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, e.NativeID)
	applyToComponent(ve, e)
	return ve
}

// applyToComponent writes e's title, times and cross-reference onto ve.
func applyToComponent(ve *ical.Component, e *models.Event) {
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetText(ical.PropSummary, e.FullTitle())
	setTimestamp(ve, ical.PropDateTimeStart, e.Start)
	setTimestamp(ve, ical.PropDateTimeEnd, e.End)
	ve.Props.Del(ical.PropDuration)
	if e.ExternalID != "" {
		ve.Props.SetText(propExternalID, e.ExternalID)
	} else {
		ve.Props.Del(propExternalID)
	}
}

func setTimestamp(ve *ical.Component, name string, ts models.Timestamp) {
	if ts.IsZero() {
		ve.Props.Del(name)
		return
	}
	if ts.DateOnly() {
		ve.Props.SetDate(name, ts.Time())
		return
	}
	ve.Props.SetDateTime(name, ts.Time())
}

// fromComponent converts a VEVENT to the canonical model. A missing DTEND is
// derived from DURATION, or from the RFC 5545 defaults: one day for dates and
// zero length for datetimes.
func fromComponent(ve *ical.Component) (*models.Event, error) {
	uid := textProp(ve, ical.PropUID)
	if uid == "" {
		return nil, fmt.Errorf("%w: missing UID", models.ErrInvalidEvent)
	}
	event := &models.Event{NativeID: uid, ExternalID: textProp(ve, propExternalID)}
	event.SetFullTitle(textProp(ve, ical.PropSummary))

	start, err := timestampProp(ve, ical.PropDateTimeStart)
	if err != nil {
		return nil, err
	}
	event.Start = start

	end, err := timestampProp(ve, ical.PropDateTimeEnd)
	if err != nil {
		return nil, err
	}
	if end.IsZero() && !start.IsZero() {
		end, err = deriveEnd(ve, start)
		if err != nil {
			return nil, err
		}
	}
	event.End = end
	return event, nil
}

func deriveEnd(ve *ical.Component, start models.Timestamp) (models.Timestamp, error) {
	if p := ve.Props.Get(ical.PropDuration); p != nil {
		d, err := p.Duration()
		if err != nil {
			return models.Timestamp{}, fmt.Errorf("%w: DURATION %q", models.ErrInvalidTimestamp, p.Value)
		}
		if start.DateOnly() {
			return models.NewDate(start.Time().Add(d)), nil
		}
		return models.NewDateTime(start.Time().Add(d)), nil
	}
	if start.DateOnly() {
		return models.NewDate(start.Time().AddDate(0, 0, 1)), nil
	}
	return start, nil
}

func textProp(ve *ical.Component, name string) string {
	p := ve.Props.Get(name)
	if p == nil {
		return ""
	}
	return p.Value
}

func timestampProp(ve *ical.Component, name string) (models.Timestamp, error) {
	p := ve.Props.Get(name)
	if p == nil || p.Value == "" {
		return models.Timestamp{}, nil
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return models.Timestamp{}, fmt.Errorf("%w: %s %q", models.ErrInvalidTimestamp, name, p.Value)
	}
	if p.ValueType() == ical.ValueDate {
		return models.NewDate(t), nil
	}
	return models.NewDateTime(t), nil
}

func sortByStart(events []*models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
}
