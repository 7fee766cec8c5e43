package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"notioncal/internal/models"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// externalIDKey is the private extended property holding the task database id.
const externalIDKey = "notioncalExternalId"

// CalendarClient provides a client for interacting with the Google Calendar API.
// It implements the calendar side of the sync.
type CalendarClient struct {
	service    *calendar.Service
	logger     *slog.Logger
	calendarID string
}

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
// It supports multiple accounts by looking for token files like token-user1.json, token-user2.json, etc.
// The accountName is used to find the correct token file.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, accountName, calendarID string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	token, err := tokenFromFile(TokenFile(accountName))
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	client := config.Client(ctx, token)
	return NewClientWithOptions(ctx, logger, calendarID, option.WithHTTPClient(client))
}

// NewClientWithOptions builds a client from explicit API options, e.g. a
// custom endpoint and HTTP client.
func NewClientWithOptions(ctx context.Context, logger *slog.Logger, calendarID string, opts ...option.ClientOption) (*CalendarClient, error) {
	if calendarID == "" {
		calendarID = "primary"
	}
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &CalendarClient{service: service, logger: logger, calendarID: calendarID}, nil
}

func (c *CalendarClient) Name() string { return "google" }

// FetchEvents fetches the events of the calendar within [start, end).
func (c *CalendarClient) FetchEvents(ctx context.Context, start, end time.Time) ([]*models.Event, error) {
	c.logger.Debug("Fetching events", "calendarID", c.calendarID, "from", start, "to", end)

	var items []*calendar.Event
	err := c.service.Events.List(c.calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		OrderBy("startTime").
		Pages(ctx, func(page *calendar.Events) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(items), "calendarID", c.calendarID)
	return c.toInternalEvents(items), nil
}

// toInternalEvents converts Google Calendar events to the canonical Event model.
// Events whose times cannot be parsed are dropped with a warning.
func (c *CalendarClient) toInternalEvents(googleEvents []*calendar.Event) []*models.Event {
	var internalEvents []*models.Event
	for _, item := range googleEvents {
		if item.Status == "cancelled" {
			continue
		}
		event, err := toInternal(item)
		if err != nil {
			c.logger.Warn("Skipping Google event", "id", item.Id, "title", item.Summary, "error", err)
			continue
		}
		internalEvents = append(internalEvents, event)
	}
	return internalEvents
}

func toInternal(item *calendar.Event) (*models.Event, error) {
	event := &models.Event{NativeID: item.Id}
	event.SetFullTitle(item.Summary)
	if item.ExtendedProperties != nil {
		event.ExternalID = item.ExtendedProperties.Private[externalIDKey]
	}

	var err error
	if event.Start, err = fromEventDateTime(item.Start); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	if event.End, err = fromEventDateTime(item.End); err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	return event, nil
}

func fromEventDateTime(dt *calendar.EventDateTime) (models.Timestamp, error) {
	switch {
	case dt == nil:
		return models.Timestamp{}, nil
	case dt.DateTime != "":
		return models.NormalizeTimestamp(dt.DateTime)
	case dt.Date != "":
		return models.NormalizeTimestamp(dt.Date)
	default:
		return models.Timestamp{}, nil
	}
}

func toEventDateTime(ts models.Timestamp) *calendar.EventDateTime {
	if ts.DateOnly() {
		return &calendar.EventDateTime{Date: ts.String(), NullFields: []string{"DateTime"}}
	}
	return &calendar.EventDateTime{DateTime: ts.String(), TimeZone: "UTC", NullFields: []string{"Date"}}
}

// CreateEvent inserts the event and returns it with its Google id.
func (c *CalendarClient) CreateEvent(ctx context.Context, e *models.Event) (*models.Event, error) {
	item := &calendar.Event{
		Summary: e.FullTitle(),
		Start:   toEventDateTime(e.Start),
		End:     toEventDateTime(e.End),
	}
	if e.ExternalID != "" {
		item.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{externalIDKey: e.ExternalID},
		}
	}

	created, err := c.service.Events.Insert(c.calendarID, item).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	c.logger.Debug("Inserted Google event", "id", created.Id, "title", created.Summary)

	out := e.Clone()
	out.NativeID = created.Id
	return out, nil
}

// UpdateEvent patches the given fields. A missing event yields models.ErrNotFound.
func (c *CalendarClient) UpdateEvent(ctx context.Context, nativeID string, fields models.Fields) error {
	patch := &calendar.Event{}
	if fields.Title != nil || fields.Tag != nil {
		current, err := c.get(ctx, nativeID)
		if err != nil {
			return err
		}
		tag, title := models.ParseTag(current.Summary)
		if fields.Tag != nil {
			tag = *fields.Tag
		}
		if fields.Title != nil {
			title = *fields.Title
		}
		patch.Summary = models.RenderTitle(tag, title)
		if patch.Summary == "" {
			patch.ForceSendFields = []string{"Summary"}
		}
	}
	if fields.Start != nil {
		patch.Start = toEventDateTime(*fields.Start)
	}
	if fields.End != nil {
		patch.End = toEventDateTime(*fields.End)
	}
	if fields.ExternalID != nil {
		patch.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{externalIDKey: *fields.ExternalID},
		}
	}

	if _, err := c.service.Events.Patch(c.calendarID, nativeID, patch).Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("patch %s: %w", nativeID, models.ErrNotFound)
		}
		return fmt.Errorf("failed to patch event: %w", err)
	}
	return nil
}

// DeleteEvent deletes the event. Already deleted events are not an error.
func (c *CalendarClient) DeleteEvent(ctx context.Context, nativeID string) error {
	err := c.service.Events.Delete(c.calendarID, nativeID).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// Lookup reports whether the event still exists, whatever its date.
func (c *CalendarClient) Lookup(ctx context.Context, nativeID string) (bool, error) {
	item, err := c.get(ctx, nativeID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return item.Status != "cancelled", nil
}

func (c *CalendarClient) get(ctx context.Context, nativeID string) (*calendar.Event, error) {
	item, err := c.service.Events.Get(c.calendarID, nativeID).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get %s: %w", nativeID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return item, nil
}

// isNotFound matches 404 and the 410 Google returns for deleted events.
func isNotFound(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
}

// DiscoverGoogleCalendars finds all calendars associated with the authenticated account.
func (c *CalendarClient) DiscoverGoogleCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	return list.Items, nil
}
