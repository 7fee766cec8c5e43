package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"notioncal/internal/metrics"
	"notioncal/internal/models"
	"notioncal/internal/reconcile"
)

// fakeAdapter is an in-memory backend. Events outside the fetch window are
// still visible to Lookup, like a real backend.
type fakeAdapter struct {
	name string

	mu        sync.Mutex
	next      int
	events    map[string]*models.Event
	hidden    map[string]bool // ids excluded from FetchEvents
	calls     []string
	parents   map[string]*models.ParentRef
	fetchErr  error
	createErr error
	updateErr map[string]error
	lookupErr error
}

func newFake(name string, events ...*models.Event) *fakeAdapter {
	f := &fakeAdapter{
		name:      name,
		events:    make(map[string]*models.Event),
		hidden:    make(map[string]bool),
		updateErr: make(map[string]error),
	}
	for _, e := range events {
		f.events[e.NativeID] = e.Clone()
	}
	return f
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) log(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeAdapter) FetchEvents(ctx context.Context, start, end time.Time) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []*models.Event
	for id, e := range f.events {
		if !f.hidden[id] {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NativeID < out[j].NativeID })
	return out, nil
}

func (f *fakeAdapter) CreateEvent(ctx context.Context, e *models.Event) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.next++
	c := e.Clone()
	c.NativeID = fmt.Sprintf("%s-%d", f.name, f.next)
	f.events[c.NativeID] = c
	f.log("create %s", c.NativeID)
	return c.Clone(), nil
}

func (f *fakeAdapter) UpdateEvent(ctx context.Context, id string, fields models.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErr[id]; err != nil {
		return err
	}
	e, ok := f.events[id]
	if !ok {
		return models.ErrNotFound
	}
	fields.Apply(e)
	f.log("update %s", id)
	return nil
}

func (f *fakeAdapter) DeleteEvent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, id)
	f.log("delete %s", id)
	return nil
}

func (f *fakeAdapter) Lookup(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	_, ok := f.events[id]
	return ok, nil
}

// parentFake adds parent resolution to fakeAdapter.
type parentFake struct {
	*fakeAdapter
}

func (p parentFake) ResolveParentByTag(ctx context.Context, tag string) (*models.ParentRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parents[tag], nil
}

func ev(id, ext, title, start, end string) *models.Event {
	e := &models.Event{NativeID: id, ExternalID: ext, Start: models.MustTimestamp(start), End: models.MustTimestamp(end)}
	e.SetFullTitle(title)
	return e
}

// counterValue reads one counter series from the registry; labels are
// name/value pairs.
func counterValue(t *testing.T, m *metrics.Metrics, name string, labels ...string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, metric := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range metric.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for i := 0; i+1 < len(labels); i += 2 {
				if got[labels[i]] != labels[i+1] {
					continue series
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSyncer(t *testing.T, source, target Adapter, m *metrics.Metrics, dryRun bool) *Syncer {
	t.Helper()
	s, err := NewSyncer(discard(), source, target, m, Options{
		Concurrency: 2,
		DryRun:      dryRun,
		Now:         func() time.Time { return time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewSyncer failed: %v", err)
	}
	return s
}

func TestSyncCreatesAndWritesBack(t *testing.T) {
	notion := newFake("notion", ev("n1", "", "[proj] Kickoff", "2025-03-03T09:00:00Z", "2025-03-03T10:00:00Z"))
	cal := newFake("calendar", ev("g1", "", "[home] Plumber", "2025-03-04", "2025-03-05"))
	notion.parents = map[string]*models.ParentRef{"home": {ID: "p-home", Name: "home"}}
	source := parentFake{notion}

	s := newTestSyncer(t, source, cal, nil, false)
	report, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Created != 2 || report.Updated != 2 || report.Failed != 0 {
		t.Fatalf("report = created %d updated %d failed %d", report.Created, report.Updated, report.Failed)
	}

	if got := notion.events["n1"].ExternalID; got != "calendar-1" {
		t.Errorf("n1 external id = %q, want calendar-1", got)
	}
	if got := cal.events["calendar-1"].ExternalID; got != "n1" {
		t.Errorf("created calendar event external id = %q, want n1", got)
	}
	if got := cal.events["g1"].ExternalID; got != "notion-1" {
		t.Errorf("g1 external id = %q, want notion-1", got)
	}
	created := notion.events["notion-1"]
	if created.Parent == nil || created.Parent.ID != "p-home" {
		t.Errorf("created page parent = %+v, want p-home", created.Parent)
	}

	again, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if !again.Plan.Empty() {
		t.Fatalf("second cycle planned %d actions", again.Plan.Len())
	}
}

func TestSyncAppliesCreatesBeforeUpdatesBeforeDeletes(t *testing.T) {
	notion := newFake("notion",
		ev("n1", "", "New", "2025-03-03T09:00:00Z", "2025-03-03T10:00:00Z"),
		ev("n2", "gone", "Orphan", "2025-03-03T11:00:00Z", "2025-03-03T12:00:00Z"),
		ev("n3", "g3", "Renamed", "2025-03-03T13:00:00Z", "2025-03-03T14:00:00Z"),
	)
	cal := newFake("calendar", ev("g3", "n3", "Old name", "2025-03-03T13:00:00Z", "2025-03-03T14:00:00Z"))
	s := newTestSyncer(t, notion, cal, nil, false)

	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if fmt.Sprint(cal.calls) != "[create calendar-1 update g3]" {
		t.Errorf("calendar calls = %v", cal.calls)
	}
	if fmt.Sprint(notion.calls) != "[update n1 delete n2]" {
		t.Errorf("notion calls = %v", notion.calls)
	}
	if _, ok := notion.events["n2"]; ok {
		t.Error("orphaned n2 was not deleted")
	}
}

func TestSyncFetchFailureAbortsCycle(t *testing.T) {
	notion := newFake("notion", ev("n1", "", "New", "2025-03-03T09:00:00Z", "2025-03-03T10:00:00Z"))
	cal := newFake("calendar")
	cal.fetchErr = errors.New("401 unauthorized")
	m := metrics.New()

	s := newTestSyncer(t, notion, cal, m, false)
	_, err := s.Sync(context.Background())
	var fe *models.FetchError
	if !errors.As(err, &fe) || fe.Side != "calendar" {
		t.Fatalf("Sync error = %v, want FetchError for calendar", err)
	}
	if len(notion.calls)+len(cal.calls) != 0 {
		t.Errorf("nothing may be applied after a fetch failure, got %v %v", notion.calls, cal.calls)
	}
	if got := counterValue(t, m, "notioncal_cycles_total", "result", metrics.CycleAborted); got != 1 {
		t.Errorf("aborted cycles = %v, want 1", got)
	}
}

func TestSyncContinuesAfterActionFailure(t *testing.T) {
	notion := newFake("notion",
		ev("n1", "g1", "Renamed", "2025-03-03T09:00:00Z", "2025-03-03T10:00:00Z"),
		ev("n2", "", "New", "2025-03-03T11:00:00Z", "2025-03-03T12:00:00Z"),
	)
	cal := newFake("calendar", ev("g1", "n1", "Old", "2025-03-03T09:00:00Z", "2025-03-03T10:00:00Z"))
	cal.updateErr["g1"] = errors.New("503 backend error")
	m := metrics.New()

	s := newTestSyncer(t, notion, cal, m, false)
	report, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("action failures must not fail the cycle: %v", err)
	}
	if report.Failed != 1 || report.Created != 1 {
		t.Fatalf("report = failed %d created %d", report.Failed, report.Created)
	}
	var aerr *models.ActionError
	if len(report.Errors) != 1 || !errors.As(report.Errors[0], &aerr) || aerr.Op != models.OpUpdate || aerr.NativeID != "g1" {
		t.Errorf("errors = %v", report.Errors)
	}
	if got := notion.events["n2"].ExternalID; got == "" {
		t.Error("write-back for n2 did not happen")
	}
	if got := counterValue(t, m, "notioncal_actions_total", "side", "calendar", "op", "update", "outcome", metrics.OutcomeFailed); got != 1 {
		t.Errorf("failed update metric = %v", got)
	}
}

func TestSyncTreatsNotFoundAsAlreadyDeleted(t *testing.T) {
	notion := newFake("notion", ev("n1", "g1", "Renamed", "2025-03-03T09:00:00Z", "2025-03-03T10:00:00Z"))
	cal := newFake("calendar", ev("g1", "n1", "Old", "2025-03-03T09:00:00Z", "2025-03-03T10:00:00Z"))
	cal.updateErr["g1"] = fmt.Errorf("patch: %w", models.ErrNotFound)

	report, err := newTestSyncer(t, notion, cal, nil, false).Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Failed != 0 || report.AlreadyGone != 1 || report.Updated != 0 {
		t.Errorf("report = failed %d gone %d updated %d", report.Failed, report.AlreadyGone, report.Updated)
	}
}

func TestSyncWindowScrollKeepsEvents(t *testing.T) {
	notion := newFake("notion", ev("n1", "g1", "Conference", "2025-03-03T09:00:00Z", "2025-03-03T17:00:00Z"))
	cal := newFake("calendar", ev("g1", "n1", "Conference", "2025-03-03T09:00:00Z", "2025-03-03T17:00:00Z"))
	cal.hidden["g1"] = true

	report, err := newTestSyncer(t, notion, cal, nil, false).Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !report.Plan.Empty() {
		t.Fatalf("expected no action, got %d", report.Plan.Len())
	}
	if _, ok := notion.events["n1"]; !ok {
		t.Error("n1 was deleted although its counterpart still exists")
	}
}

func TestSyncLookupFailureNeverDeletes(t *testing.T) {
	notion := newFake("notion", ev("n1", "g1", "Conference", "2025-03-03T09:00:00Z", "2025-03-03T17:00:00Z"))
	cal := newFake("calendar")
	cal.lookupErr = errors.New("timeout")

	report, err := newTestSyncer(t, notion, cal, nil, false).Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(report.Plan.Deletes) != 0 {
		t.Fatalf("unconfirmed reference produced a delete")
	}
}

func TestSyncDeletesConfirmedOrphans(t *testing.T) {
	notion := newFake("notion", ev("n1", "g1", "Cancelled", "2025-03-03T09:00:00Z", "2025-03-03T10:00:00Z"))
	cal := newFake("calendar")

	report, err := newTestSyncer(t, notion, cal, nil, false).Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Deleted != 1 || len(notion.events) != 0 {
		t.Errorf("deleted %d, remaining %d", report.Deleted, len(notion.events))
	}
}

func TestSyncDryRunAppliesNothing(t *testing.T) {
	notion := newFake("notion", ev("n1", "", "New", "2025-03-03T09:00:00Z", "2025-03-03T10:00:00Z"))
	cal := newFake("calendar")

	report, err := newTestSyncer(t, notion, cal, nil, true).Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(report.Plan.Creates) != 1 || report.Created != 0 || len(cal.events) != 0 {
		t.Errorf("dry run applied changes: %+v", cal.events)
	}
}

func TestWindowStartsAtLocalMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	s, err := NewSyncer(discard(), newFake("a"), newFake("b"), nil, Options{
		Location: loc,
		Horizon:  48 * time.Hour,
		Now:      func() time.Time { return time.Date(2025, 3, 3, 20, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatal(err)
	}
	start, end := s.Window()
	if want := time.Date(2025, 3, 4, 0, 0, 0, 0, loc); !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}
	if end.Sub(start) != 48*time.Hour {
		t.Errorf("window length = %v", end.Sub(start))
	}
}

func TestNewSyncerRequiresAdapters(t *testing.T) {
	if _, err := NewSyncer(discard(), nil, newFake("b"), nil, Options{}); err == nil {
		t.Error("expected an error for a missing source")
	}
}

func TestSyncHonoursInvertedPolicy(t *testing.T) {
	source := newFake("notion", ev("n1", "g1", "Standup", "2025-03-03T09:00:00Z", "2025-03-03T10:00:00Z"))
	target := newFake("calendar", ev("g1", "n1", "Stand-up", "2025-03-03T11:00:00Z", "2025-03-03T12:00:00Z"))
	policy := reconcile.Policy{Title: reconcile.Target, Time: reconcile.Source}
	s, err := NewSyncer(discard(), source, target, nil, Options{
		Policy: &policy,
		Now:    func() time.Time { return time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewSyncer failed: %v", err)
	}

	report, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Updated != 2 {
		t.Fatalf("expected one update per side, got %d", report.Updated)
	}
	if got := source.events["n1"].Title; got != "Stand-up" {
		t.Errorf("notion title = %q, want the calendar's", got)
	}
	if got := target.events["g1"].Start.String(); got != "2025-03-03T09:00:00Z" {
		t.Errorf("calendar start = %s, want the task database's", got)
	}
}
