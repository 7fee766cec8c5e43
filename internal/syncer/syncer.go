package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"notioncal/internal/metrics"
	"notioncal/internal/models"
	"notioncal/internal/reconcile"

	"golang.org/x/sync/errgroup"
)

const (
	defaultHorizon      = 7 * 24 * time.Hour
	defaultCallTimeout  = 30 * time.Second
	defaultFetchTimeout = 2 * time.Minute
	defaultConcurrency  = 4
)

// Options tune a Syncer. Zero values fall back to defaults.
type Options struct {
	Horizon      time.Duration     // Length of the sync window
	Location     *time.Location    // Zone whose midnight starts the window
	CallTimeout  time.Duration     // Timeout of a single create/update/delete/lookup call
	FetchTimeout time.Duration     // Timeout of a whole fetch, pagination included
	Concurrency  int               // Parallel calls per phase
	DryRun       bool              // Log the plan without applying it
	Policy       *reconcile.Policy // Field authority on linked pairs; nil means reconcile.DefaultPolicy
	Now          func() time.Time  // Clock, for tests
}

func (o *Options) normalize() {
	if o.Horizon <= 0 {
		o.Horizon = defaultHorizon
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Policy == nil {
		p := reconcile.DefaultPolicy()
		o.Policy = &p
	}
}

// Syncer orchestrates one reconciliation cycle between the task database and
// the calendar. It keeps no state between cycles: every cycle starts from a
// fresh fetch of both sides.
type Syncer struct {
	logger  *slog.Logger
	sides   [2]Adapter
	engine  *reconcile.Engine
	metrics *metrics.Metrics
	opts    Options
}

// NewSyncer creates a new Syncer. m may be nil.
func NewSyncer(logger *slog.Logger, source, target Adapter, m *metrics.Metrics, opts Options) (*Syncer, error) {
	if source == nil || target == nil {
		return nil, errors.New("both a source and a target adapter are required")
	}
	opts.normalize()
	return &Syncer{
		logger:  logger,
		sides:   [2]Adapter{reconcile.Source: source, reconcile.Target: target},
		engine:  reconcile.New(*opts.Policy),
		metrics: m,
		opts:    opts,
	}, nil
}

// Report summarises one cycle.
type Report struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Plan        *reconcile.Plan
	Created     int
	Updated     int
	Deleted     int
	AlreadyGone int
	Failed      int
	Errors      []error

	mu sync.Mutex
}

func (r *Report) record(fn func(r *Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// Window returns the sync window for the current time.
func (s *Syncer) Window() (time.Time, time.Time) {
	now := s.opts.Now().In(s.opts.Location)
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, s.opts.Location)
	return start, start.Add(s.opts.Horizon)
}

// Plan fetches both sides, confirms unresolved references and computes the
// plan without applying it.
func (s *Syncer) Plan(ctx context.Context) (*reconcile.Plan, error) {
	start, end := s.Window()
	return s.plan(ctx, start, end)
}

func (s *Syncer) plan(ctx context.Context, start, end time.Time) (*reconcile.Plan, error) {
	var fetched [2][]*models.Event
	g, gctx := errgroup.WithContext(ctx)
	for _, side := range []reconcile.Side{reconcile.Source, reconcile.Target} {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, s.opts.FetchTimeout)
			defer cancel()
			events, err := s.sides[side].FetchEvents(fctx, start, end)
			if err != nil {
				return &models.FetchError{Side: s.sides[side].Name(), Err: err}
			}
			fetched[side] = events
			s.logger.Info("Fetched events.", "side", s.sides[side].Name(), "count", len(events))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	exists := s.confirm(ctx, s.engine.Unresolved(fetched[reconcile.Source], fetched[reconcile.Target]))
	plan := s.engine.Reconcile(fetched[reconcile.Source], fetched[reconcile.Target], exists)

	for _, w := range plan.Warnings {
		s.metrics.ObserveWarning(string(w.Kind))
		s.logger.Warn("Event skipped by reconciliation", "kind", w.Kind, "side", s.sides[w.Side].Name(), "id", w.NativeID, "externalId", w.ExternalID, "error", w.Err)
	}
	return plan, nil
}

// confirm asks the owning backend whether each unresolved reference still
// exists outside the window. A failed lookup counts as still existing, so an
// unreachable backend never causes a delete.
func (s *Syncer) confirm(ctx context.Context, refs []reconcile.Reference) reconcile.Resolver {
	gone := make(map[reconcile.Reference]bool, len(refs))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, ref := range refs {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
			defer cancel()
			found, err := s.sides[ref.Side].Lookup(cctx, ref.NativeID)
			if err != nil {
				s.logger.Warn("Could not confirm missing event, keeping its counterpart", "side", s.sides[ref.Side].Name(), "id", ref.NativeID, "error", err)
				return nil
			}
			if !found {
				mu.Lock()
				gone[ref] = true
				mu.Unlock()
			} else {
				s.logger.Debug("Referenced event is outside the window.", "side", s.sides[ref.Side].Name(), "id", ref.NativeID)
			}
			return nil
		})
	}
	_ = g.Wait()

	return func(side reconcile.Side, id string) bool {
		return !gone[reconcile.Reference{Side: side, NativeID: id}]
	}
}

// Sync performs a full synchronization cycle. Only a fetch failure returns an
// error; failed actions are logged, counted in the report and retried by the
// next cycle.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	began := time.Now()
	start, end := s.Window()
	s.logger.Info("Starting sync cycle.", "from", start.Format(time.DateOnly), "to", end.Format(time.DateOnly), "dryRun", s.opts.DryRun)

	plan, err := s.plan(ctx, start, end)
	if err != nil {
		s.metrics.ObserveCycle(metrics.CycleAborted, time.Since(began))
		return nil, fmt.Errorf("sync cycle aborted: %w", err)
	}

	report := &Report{WindowStart: start, WindowEnd: end, Plan: plan}
	sum := plan.Summary
	s.logger.Info("Computed sync plan.",
		"creates", len(plan.Creates), "updates", len(plan.Updates), "deletes", len(plan.Deletes),
		"linked", sum.Linked, "unlinked", sum.Unlinked, "orphaned", sum.Orphaned,
		"outOfWindow", sum.OutOfWindow, "duplicate", sum.Duplicate, "conflict", sum.Conflict, "excluded", sum.Excluded)

	if s.opts.DryRun {
		s.describe(plan)
		s.metrics.ObserveCycle(metrics.CycleOK, time.Since(began))
		return report, nil
	}

	writeBacks := s.applyCreates(ctx, plan.Creates, report)
	s.applyUpdates(ctx, append(writeBacks, plan.Updates...), report)
	s.applyDeletes(ctx, plan.Deletes, report)

	s.metrics.ObserveCycle(metrics.CycleOK, time.Since(began))
	s.logger.Info("Sync cycle finished.",
		"created", report.Created, "updated", report.Updated, "deleted", report.Deleted,
		"alreadyGone", report.AlreadyGone, "failed", report.Failed)
	return report, nil
}

// describe logs every planned action; used by dry runs.
func (s *Syncer) describe(plan *reconcile.Plan) {
	for _, c := range plan.Creates {
		s.logger.Info("[DRY RUN] Would create event", "side", s.sides[c.Side].Name(), "title", c.Event.FullTitle(), "start", c.Event.Start, "end", c.Event.End, "origin", c.Origin.NativeID)
	}
	for _, u := range plan.Updates {
		s.logger.Info("[DRY RUN] Would update event", "side", s.sides[u.Side].Name(), "id", u.Event.NativeID, "title", u.Event.FullTitle(), "fields", describeFields(u.Fields))
	}
	for _, d := range plan.Deletes {
		s.logger.Info("[DRY RUN] Would delete event", "side", s.sides[d.Side].Name(), "id", d.Event.NativeID, "title", d.Event.FullTitle())
	}
}

func describeFields(f models.Fields) []string {
	var out []string
	if f.Title != nil || f.Tag != nil {
		out = append(out, "title")
	}
	if f.Start != nil || f.End != nil {
		out = append(out, "time")
	}
	if f.ExternalID != nil {
		out = append(out, "link")
	}
	return out
}

// applyCreates runs every create and returns the write-back updates that
// store the new ids on the originating side.
func (s *Syncer) applyCreates(ctx context.Context, creates []reconcile.Create, report *Report) []reconcile.Update {
	var (
		mu         sync.Mutex
		writeBacks []reconcile.Update
	)
	s.fanOut(len(creates), func(i int) {
		c := creates[i]
		adapter := s.sides[c.Side]
		ev := c.Event.Clone()

		if resolver, ok := adapter.(ParentResolver); ok && ev.Tag != "" {
			rctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
			parent, err := resolver.ResolveParentByTag(rctx, ev.Tag)
			cancel()
			if err != nil {
				s.logger.Warn("Could not resolve parent for tag, creating without it", "tag", ev.Tag, "error", err)
			}
			ev.Parent = parent
		}

		var created *models.Event
		err := s.call(ctx, models.OpCreate, c.Side, "", func(cctx context.Context) error {
			var err error
			created, err = adapter.CreateEvent(cctx, ev)
			if err == nil && (created == nil || created.NativeID == "") {
				err = errors.New("backend returned no identifier")
			}
			return err
		}, report)
		if err != nil {
			return
		}
		report.record(func(r *Report) { r.Created++ })
		s.logger.Info("Created event.", "side", adapter.Name(), "id", created.NativeID, "title", ev.FullTitle())

		id := created.NativeID
		mu.Lock()
		writeBacks = append(writeBacks, reconcile.Update{
			Side:   c.Side.Other(),
			Event:  c.Origin,
			Fields: models.Fields{ExternalID: &id},
		})
		mu.Unlock()
	})
	return writeBacks
}

func (s *Syncer) applyUpdates(ctx context.Context, updates []reconcile.Update, report *Report) {
	s.fanOut(len(updates), func(i int) {
		u := updates[i]
		adapter := s.sides[u.Side]
		err := s.call(ctx, models.OpUpdate, u.Side, u.Event.NativeID, func(cctx context.Context) error {
			return adapter.UpdateEvent(cctx, u.Event.NativeID, u.Fields)
		}, report)
		if err == nil {
			report.record(func(r *Report) { r.Updated++ })
			s.logger.Info("Updated event.", "side", adapter.Name(), "id", u.Event.NativeID, "fields", describeFields(u.Fields))
		}
	})
}

func (s *Syncer) applyDeletes(ctx context.Context, deletes []reconcile.Delete, report *Report) {
	s.fanOut(len(deletes), func(i int) {
		d := deletes[i]
		adapter := s.sides[d.Side]
		err := s.call(ctx, models.OpDelete, d.Side, d.Event.NativeID, func(cctx context.Context) error {
			return adapter.DeleteEvent(cctx, d.Event.NativeID)
		}, report)
		if err == nil {
			report.record(func(r *Report) { r.Deleted++ })
			s.logger.Info("Deleted event whose counterpart is gone.", "side", adapter.Name(), "id", d.Event.NativeID, "title", d.Event.FullTitle())
		}
	})
}

// fanOut runs fn for 0..n-1 with bounded concurrency and waits for all of them.
func (s *Syncer) fanOut(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i := range n {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

// call runs one action under its own timeout and records its outcome. A
// models.ErrNotFound means the event is already gone: it is counted but not
// returned as a failure to the caller, which then skips its success path.
func (s *Syncer) call(ctx context.Context, op models.Op, side reconcile.Side, id string, fn func(context.Context) error, report *Report) error {
	name := s.sides[side].Name()
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	err := fn(cctx)
	switch {
	case err == nil:
		s.metrics.ObserveAction(name, string(op), metrics.OutcomeOK)
		return nil
	case errors.Is(err, models.ErrNotFound) && op != models.OpCreate:
		s.metrics.ObserveAction(name, string(op), metrics.OutcomeNotFound)
		report.record(func(r *Report) { r.AlreadyGone++ })
		s.logger.Info("Event already deleted, skipping.", "side", name, "op", op, "id", id)
		return err
	default:
		aerr := &models.ActionError{Op: op, Side: name, NativeID: id, Err: err}
		s.metrics.ObserveAction(name, string(op), metrics.OutcomeFailed)
		report.record(func(r *Report) {
			r.Failed++
			r.Errors = append(r.Errors, aerr)
		})
		s.logger.Error("Failed to apply action", "side", name, "op", op, "id", id, "error", err)
		return aerr
	}
}
