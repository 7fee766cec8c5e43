package notion

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"notioncal/internal/models"

	"github.com/jomei/notionapi"
)

// rawDate is the date property value as Notion sends it. Start and end are
// either YYYY-MM-DD or an ISO 8601 datetime; end is inclusive.
type rawDate struct {
	Start string  `json:"start"`
	End   *string `json:"end"`
}

// dateRecorder keeps the raw date strings of every page read through it.
// notionapi parses "2025-03-04" and "2025-03-04T00:00:00Z" into the same
// time, so the precision has to be taken from the response body.
type dateRecorder struct {
	base       http.RoundTripper
	property   string
	databaseID string

	mu    sync.Mutex
	dates map[string]rawDate
}

func newDateRecorder(base http.RoundTripper, schema Schema) *dateRecorder {
	if base == nil {
		base = http.DefaultTransport
	}
	return &dateRecorder{
		base:       base,
		property:   schema.DateProperty,
		databaseID: schema.DatabaseID,
		dates:      make(map[string]rawDate),
	}
}

func (d *dateRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := d.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusOK || !d.reads(req) {
		return resp, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	d.record(body)
	return resp, nil
}

// reads reports whether req returns pages of the task database.
func (d *dateRecorder) reads(req *http.Request) bool {
	p := req.URL.Path
	switch req.Method {
	case http.MethodGet:
		return strings.Contains(p, "/pages/")
	case http.MethodPost:
		return strings.HasSuffix(p, "/databases/"+d.databaseID+"/query")
	}
	return false
}

type recordedPage struct {
	Object     string                     `json:"object"`
	ID         string                     `json:"id"`
	Properties map[string]json.RawMessage `json:"properties"`
}

func (d *dateRecorder) record(body []byte) {
	var payload struct {
		recordedPage
		Results []recordedPage `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return
	}
	pages := append(payload.Results, payload.recordedPage)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range pages {
		if p.Object != "page" || p.ID == "" {
			continue
		}
		var prop struct {
			Date *rawDate `json:"date"`
		}
		if raw, ok := p.Properties[d.property]; ok {
			_ = json.Unmarshal(raw, &prop)
		}
		if prop.Date == nil || prop.Date.Start == "" {
			delete(d.dates, p.ID)
			continue
		}
		d.dates[p.ID] = *prop.Date
	}
}

// take returns and forgets the recorded date of a page.
func (d *dateRecorder) take(pageID string) (rawDate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.dates[pageID]
	delete(d.dates, pageID)
	return r, ok
}

// parseDate converts a Notion date range. Notion ends are inclusive and
// optional; canonical date-only ends are exclusive.
func parseDate(r rawDate) (start, end models.Timestamp, err error) {
	start, err = models.NormalizeTimestamp(r.Start)
	if err != nil {
		return models.Timestamp{}, models.Timestamp{}, err
	}
	if r.End == nil || *r.End == "" {
		if start.DateOnly() {
			return start, models.NewDate(start.Time().AddDate(0, 0, 1)), nil
		}
		return start, start, nil
	}
	end, err = models.NormalizeTimestamp(*r.End)
	if err != nil {
		return models.Timestamp{}, models.Timestamp{}, err
	}
	if end.DateOnly() {
		end = models.NewDate(end.Time().AddDate(0, 0, 1))
	}
	return start, end, nil
}

// rawFromObject renders an already parsed date object. Only used when the
// response body was not seen; every bound is then a datetime.
func rawFromObject(d *notionapi.DateObject) rawDate {
	if d == nil || d.Start == nil {
		return rawDate{}
	}
	r := rawDate{Start: d.Start.String()}
	if d.End != nil {
		s := d.End.String()
		r.End = &s
	}
	return r
}

// formatDate is the inverse of parseDate. A single-day or instant event has
// no end.
func formatDate(start, end models.Timestamp) *rawDate {
	if start.IsZero() {
		return nil
	}
	r := &rawDate{Start: start.String()}
	if end.IsZero() {
		return r
	}
	last := end
	if end.DateOnly() {
		last = models.NewDate(end.Time().AddDate(0, 0, -1))
	}
	if last.Time().After(start.Time()) {
		s := last.String()
		r.End = &s
	}
	return r
}

// dateValue is a date property value written with the bounds' own precision.
// notionapi.Date always marshals as RFC 3339.
type dateValue struct {
	date *rawDate
}

func (dateValue) GetID() string                   { return "" }
func (dateValue) GetType() notionapi.PropertyType { return notionapi.PropertyTypeDate }

func (v dateValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type notionapi.PropertyType `json:"type"`
		Date *rawDate               `json:"date"`
	}{notionapi.PropertyTypeDate, v.date})
}

func dateProperty(start, end models.Timestamp) dateValue {
	return dateValue{date: formatDate(start, end)}
}
