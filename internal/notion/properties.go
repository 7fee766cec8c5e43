package notion

import (
	"strings"

	"notioncal/internal/models"

	"github.com/jomei/notionapi"
)

// toInternal maps a page onto the canonical model.
func (c *Client) toInternal(page *notionapi.Page) *models.Event {
	event := &models.Event{NativeID: string(page.ID)}
	for name, prop := range page.Properties {
		switch name {
		case c.schema.TitleProperty:
			if p, ok := prop.(*notionapi.TitleProperty); ok {
				event.SetFullTitle(plainText(p.Title))
			}
		case c.schema.ExternalIDProperty:
			if p, ok := prop.(*notionapi.RichTextProperty); ok {
				event.ExternalID = strings.TrimSpace(plainText(p.RichText))
			}
		case c.schema.DateProperty:
			p, ok := prop.(*notionapi.DateProperty)
			if !ok {
				continue
			}
			raw, seen := c.dates.take(event.NativeID)
			if !seen {
				raw = rawFromObject(p.Date)
			}
			if raw.Start == "" {
				continue
			}
			start, end, err := parseDate(raw)
			if err != nil {
				c.logger.Warn("Ignoring unreadable Notion date", "id", event.NativeID, "error", err)
				continue
			}
			event.Start, event.End = start, end
		}
	}
	return event
}

func plainText(rts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range rts {
		switch {
		case rt.PlainText != "":
			b.WriteString(rt.PlainText)
		case rt.Text != nil:
			b.WriteString(rt.Text.Content)
		}
	}
	return b.String()
}

func titleProperty(s string) notionapi.TitleProperty {
	return notionapi.TitleProperty{
		Type:  notionapi.PropertyTypeTitle,
		Title: richText(s),
	}
}

func richTextProperty(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type:     notionapi.PropertyTypeRichText,
		RichText: richText(s),
	}
}

func richText(s string) []notionapi.RichText {
	if s == "" {
		return []notionapi.RichText{}
	}
	return []notionapi.RichText{{
		Type: notionapi.ObjectTypeText,
		Text: &notionapi.Text{Content: s},
	}}
}
