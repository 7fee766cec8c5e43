// Package notion implements the task database side of the sync on top of a
// Notion database.
package notion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"notioncal/internal/models"

	"github.com/jomei/notionapi"
)

// Schema names the database properties the adapter reads and writes.
type Schema struct {
	DatabaseID          string
	TitleProperty       string // title property holding "[tag] Title"
	DateProperty        string
	ExternalIDProperty  string // rich text holding the calendar event id
	ParentProperty      string // relation set on create; empty disables parent lookup
	ParentDatabaseID    string
	ParentTitleProperty string
}

// DefaultSchema returns the property names used when the config leaves them out.
func DefaultSchema() Schema {
	return Schema{
		TitleProperty:       "Name",
		DateProperty:        "Date",
		ExternalIDProperty:  "Calendar Event ID",
		ParentProperty:      "Project",
		ParentTitleProperty: "Name",
	}
}

// Client is the task database adapter.
type Client struct {
	api    *notionapi.Client
	dates  *dateRecorder
	logger *slog.Logger
	schema Schema
}

// NewClient creates a Notion client authenticated with an integration token.
// httpClient may be nil.
func NewClient(logger *slog.Logger, token string, schema Schema, httpClient *http.Client) (*Client, error) {
	if token == "" {
		return nil, errors.New("notion token is required (set NOTION_TOKEN)")
	}
	if schema.DatabaseID == "" {
		return nil, errors.New("notion database id is required")
	}
	def := DefaultSchema()
	if schema.TitleProperty == "" {
		schema.TitleProperty = def.TitleProperty
	}
	if schema.DateProperty == "" {
		schema.DateProperty = def.DateProperty
	}
	if schema.ExternalIDProperty == "" {
		schema.ExternalIDProperty = def.ExternalIDProperty
	}
	if schema.ParentTitleProperty == "" {
		schema.ParentTitleProperty = def.ParentTitleProperty
	}

	hc := &http.Client{}
	if httpClient != nil {
		*hc = *httpClient
	}
	dates := newDateRecorder(hc.Transport, schema)
	hc.Transport = dates
	return &Client{
		api:    notionapi.NewClient(notionapi.Token(token), notionapi.WithHTTPClient(hc)),
		dates:  dates,
		logger: logger,
		schema: schema,
	}, nil
}

func (c *Client) Name() string { return "notion" }

// FetchEvents queries the pages whose date starts within [start, end).
func (c *Client) FetchEvents(ctx context.Context, start, end time.Time) ([]*models.Event, error) {
	from, to := notionapi.Date(start.UTC()), notionapi.Date(end.UTC())
	req := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.AndCompoundFilter{
			notionapi.PropertyFilter{
				Property: c.schema.DateProperty,
				Date:     &notionapi.DateFilterCondition{OnOrAfter: &from},
			},
			notionapi.PropertyFilter{
				Property: c.schema.DateProperty,
				Date:     &notionapi.DateFilterCondition{Before: &to},
			},
		},
		Sorts: []notionapi.SortObject{
			{Property: c.schema.DateProperty, Direction: notionapi.SortOrderASC},
		},
		PageSize: 100,
	}

	var events []*models.Event
	for {
		resp, err := c.api.Database.Query(ctx, notionapi.DatabaseID(c.schema.DatabaseID), req)
		if err != nil {
			return nil, fmt.Errorf("failed to query notion database: %w", err)
		}
		for i := range resp.Results {
			page := &resp.Results[i]
			if page.Archived {
				continue
			}
			events = append(events, c.toInternal(page))
		}
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		req.StartCursor = resp.NextCursor
	}

	c.logger.Info("Successfully fetched events from Notion", "count", len(events), "databaseID", c.schema.DatabaseID)
	return events, nil
}

// CreateEvent adds a page to the database and returns the event with its page id.
func (c *Client) CreateEvent(ctx context.Context, e *models.Event) (*models.Event, error) {
	props := notionapi.Properties{
		c.schema.TitleProperty: titleProperty(e.FullTitle()),
		c.schema.DateProperty:  dateProperty(e.Start, e.End),
	}
	if e.ExternalID != "" {
		props[c.schema.ExternalIDProperty] = richTextProperty(e.ExternalID)
	}
	if e.Parent != nil && c.schema.ParentProperty != "" {
		props[c.schema.ParentProperty] = notionapi.RelationProperty{
			Type:     notionapi.PropertyTypeRelation,
			Relation: []notionapi.Relation{{ID: notionapi.PageID(e.Parent.ID)}},
		}
	}

	page, err := c.api.Page.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(c.schema.DatabaseID),
		},
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create notion page: %w", err)
	}
	c.logger.Debug("Created Notion page", "id", page.ID, "title", e.FullTitle())

	out := e.Clone()
	out.NativeID = string(page.ID)
	return out, nil
}

// UpdateEvent writes the given fields. Title and tag share the title
// property and start and end share the date property, so the current page
// is read when only one half changes.
func (c *Client) UpdateEvent(ctx context.Context, nativeID string, fields models.Fields) error {
	props := notionapi.Properties{}
	if fields.Title != nil || fields.Tag != nil || fields.Start != nil || fields.End != nil {
		page, err := c.get(ctx, nativeID)
		if err != nil {
			return err
		}
		current := c.toInternal(page)
		fields.Apply(current)
		if fields.Title != nil || fields.Tag != nil {
			props[c.schema.TitleProperty] = titleProperty(current.FullTitle())
		}
		if fields.Start != nil || fields.End != nil {
			props[c.schema.DateProperty] = dateProperty(current.Start, current.End)
		}
	}
	if fields.ExternalID != nil {
		props[c.schema.ExternalIDProperty] = richTextProperty(*fields.ExternalID)
	}
	if len(props) == 0 {
		return nil
	}

	_, err := c.api.Page.Update(ctx, notionapi.PageID(nativeID), &notionapi.PageUpdateRequest{Properties: props})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("update %s: %w", nativeID, models.ErrNotFound)
		}
		return fmt.Errorf("failed to update notion page: %w", err)
	}
	return nil
}

// DeleteEvent archives the page. Missing or already archived pages are not an error.
func (c *Client) DeleteEvent(ctx context.Context, nativeID string) error {
	if _, err := c.get(ctx, nativeID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err := c.api.Page.Update(ctx, notionapi.PageID(nativeID), &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{},
		Archived:   true,
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to archive notion page: %w", err)
	}
	return nil
}

// Lookup reports whether the page exists and is not archived.
func (c *Client) Lookup(ctx context.Context, nativeID string) (bool, error) {
	_, err := c.get(ctx, nativeID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ResolveParentByTag finds the parent database page titled tag. A nil ref
// without error means no parent matches or parent lookup is disabled.
func (c *Client) ResolveParentByTag(ctx context.Context, tag string) (*models.ParentRef, error) {
	if c.schema.ParentDatabaseID == "" || c.schema.ParentProperty == "" || tag == "" {
		return nil, nil
	}
	resp, err := c.api.Database.Query(ctx, notionapi.DatabaseID(c.schema.ParentDatabaseID), &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: c.schema.ParentTitleProperty,
			RichText: &notionapi.TextFilterCondition{Equals: tag},
		},
		PageSize: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query parent database: %w", err)
	}
	if len(resp.Results) == 0 {
		c.logger.Debug("No parent found for tag", "tag", tag)
		return nil, nil
	}
	return &models.ParentRef{ID: string(resp.Results[0].ID), Name: tag}, nil
}

// get returns the page, or models.ErrNotFound when it is missing or archived.
func (c *Client) get(ctx context.Context, nativeID string) (*notionapi.Page, error) {
	page, err := c.api.Page.Get(ctx, notionapi.PageID(nativeID))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get %s: %w", nativeID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get notion page: %w", err)
	}
	if page.Archived {
		return nil, fmt.Errorf("page %s archived: %w", nativeID, models.ErrNotFound)
	}
	return page, nil
}

func isNotFound(err error) bool {
	var apiErr *notionapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusNotFound || apiErr.Code == "object_not_found"
}
