package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"notioncal/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	// DefaultEndpoint is iCloud's CalDAV server.
	DefaultEndpoint = "https://caldav.icloud.com/"

	// propExternalID holds the task database id on synced VEVENTs.
	propExternalID = "X-NOTIONCAL-EXTERNAL-ID"
	productID      = "-//notioncal//EN"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "notioncal/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient is a client for interacting with a CalDAV server (iCloud by default).
// Event UIDs are the native ids on this side.
type CalDAVClient struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger
	calendarPath string
}

// NewClient creates and initializes a new CalDAVClient and locates the
// calendar named calendarName.
func NewClient(ctx context.Context, logger *slog.Logger, endpoint, username, password, calendarName string) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	webdavClient, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	c := &CalDAVClient{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger,
	}

	logger.Info("Finding CalDAV calendar", "endpoint", endpoint, "calendarName", calendarName)
	calendarPath, err := c.findCalendar(ctx, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)

	return c, nil
}

func (c *CalDAVClient) Name() string { return "caldav" }

// FetchEvents runs a time-range query on the calendar.
func (c *CalDAVClient) FetchEvents(ctx context.Context, start, end time.Time) ([]*models.Event, error) {
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: start, End: end}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}

	var events []*models.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ve := range obj.Data.Events() {
			if ve.Props.Get(ical.PropRecurrenceRule) != nil || ve.Props.Get(ical.PropRecurrenceID) != nil {
				c.logger.Debug("Skipping recurring CalDAV event", "path", obj.Path)
				continue
			}
			event, err := fromComponent(ve.Component)
			if err != nil {
				c.logger.Warn("Skipping CalDAV event", "path", obj.Path, "error", err)
				continue
			}
			events = append(events, event)
		}
	}
	sortByStart(events)
	c.logger.Info("Successfully fetched events from CalDAV", "count", len(events))
	return events, nil
}

// CreateEvent stores a new VEVENT under a fresh UID.
func (c *CalDAVClient) CreateEvent(ctx context.Context, e *models.Event) (*models.Event, error) {
	out := e.Clone()
	out.NativeID = GenerateUID()

	eventPath := path.Join(c.calendarPath, out.NativeID+".ics")
	if _, err := c.caldavClient.PutCalendarObject(ctx, eventPath, wrap(toComponent(out))); err != nil {
		return nil, fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}
	c.logger.Debug("Created CalDAV event", "uid", out.NativeID, "title", out.FullTitle())
	return out, nil
}

// UpdateEvent rewrites the stored VEVENT with the given fields applied.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, nativeID string, fields models.Fields) error {
	obj, err := c.find(ctx, nativeID)
	if err != nil {
		return err
	}
	target := eventByUID(obj.Data, nativeID)

	current, err := fromComponent(target)
	if err != nil {
		// Only the fields being written need to be valid.
		current = &models.Event{NativeID: nativeID}
		current.SetFullTitle(textProp(target, ical.PropSummary))
	}
	fields.Apply(current)
	applyToComponent(target, current)

	if _, err := c.caldavClient.PutCalendarObject(ctx, obj.Path, obj.Data); err != nil {
		return fmt.Errorf("failed to update event on CalDAV server: %w", err)
	}
	return nil
}

// DeleteEvent removes the object holding the event. Missing events are not an error.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, nativeID string) error {
	obj, err := c.find(ctx, nativeID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.webdavClient.RemoveAll(ctx, obj.Path); err != nil {
		return fmt.Errorf("failed to delete event on CalDAV server: %w", err)
	}
	return nil
}

// Lookup reports whether an event with this UID still exists.
func (c *CalDAVClient) Lookup(ctx context.Context, nativeID string) (bool, error) {
	_, err := c.find(ctx, nativeID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// find locates the calendar object holding uid with a UID text-match query,
// which works whatever path the object was stored under.
func (c *CalDAVClient) find(ctx context.Context, uid string) (*caldav.CalendarObject, error) {
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Props: []caldav.PropFilter{{Name: ical.PropUID, TextMatch: &caldav.TextMatch{Text: uid}}},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up uid %s: %w", uid, err)
	}
	// text-match is a substring match.
	for i := range objects {
		if objects[i].Data != nil && eventByUID(objects[i].Data, uid) != nil {
			return &objects[i], nil
		}
	}
	return nil, fmt.Errorf("uid %s: %w", uid, models.ErrNotFound)
}

func eventByUID(cal *ical.Calendar, uid string) *ical.Component {
	for _, ve := range cal.Events() {
		if v, _ := ve.Props.Text(ical.PropUID); v == uid {
			return ve.Component
		}
	}
	return nil
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	var names []string
	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
		names = append(names, cal.Name)
	}

	return "", fmt.Errorf("no calendar found with name '%s' (available: %s)", name, strings.Join(names, ", "))
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
