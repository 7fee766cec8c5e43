// Package reconcile diffs the task database and the calendar and produces the
// create/update/delete plan that brings them into agreement.
//
// Events are matched only through explicit cross-references: an event's
// ExternalID is the NativeID of its counterpart on the other side. Titles and
// times are never used to guess a match. Running Reconcile again on the result
// of applying its plan yields an empty plan.
package reconcile

import (
	"sort"

	"notioncal/internal/models"
)

// Policy fixes which side wins each field category on a linked pair. It
// applies to every pair alike; there is no per-event override.
type Policy struct {
	Title Side // owner of title and tag
	Time  Side // owner of start and end
}

// DefaultPolicy lets the task database own titles and the calendar own times.
func DefaultPolicy() Policy {
	return Policy{Title: Source, Time: Target}
}

// Resolver reports whether nativeID still exists on side even though it was
// not part of the fetched window. A nil Resolver treats every unresolved
// reference as deleted.
type Resolver func(side Side, nativeID string) bool

// Reference is a cross-reference that did not resolve within the window:
// NativeID is expected to live on Side.
type Reference struct {
	Side     Side
	NativeID string
}

// Engine computes plans under a fixed Policy. It holds no state between runs.
type Engine struct {
	policy Policy
}

// New returns an Engine using policy.
func New(policy Policy) *Engine {
	return &Engine{policy: policy}
}

type class int

const (
	classUnlinked class = iota
	classLinked
	classOrphaned
	classDuplicate
	classConflict
)

type sideIndex struct {
	side   Side
	events []*models.Event            // valid, scheduled, sorted by native id
	byID   map[string]*models.Event   // native id -> event
	known  map[string]bool            // every fetched native id, excluded ones too
	refs   map[string][]*models.Event // external id -> events holding it
}

type analysis struct {
	sides    [2]*sideIndex
	classes  map[*models.Event]class
	partner  map[*models.Event]*models.Event
	warnings []Warning
	excluded int
}

func index(side Side, events []*models.Event, warn func(Warning)) (*sideIndex, int) {
	idx := &sideIndex{
		side:  side,
		byID:  make(map[string]*models.Event, len(events)),
		known: make(map[string]bool, len(events)),
		refs:  make(map[string][]*models.Event),
	}
	excluded := 0
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.NativeID != "" {
			idx.known[ev.NativeID] = true
		}
		if err := ev.Validate(); err != nil {
			warn(Warning{Kind: WarnInvalidEvent, Side: side, NativeID: ev.NativeID, ExternalID: ev.ExternalID, Err: err})
			excluded++
			continue
		}
		if !ev.Scheduled() {
			excluded++
			continue
		}
		if _, dup := idx.byID[ev.NativeID]; dup {
			warn(Warning{Kind: WarnDuplicateNativeID, Side: side, NativeID: ev.NativeID, ExternalID: ev.ExternalID})
			excluded++
			continue
		}
		idx.byID[ev.NativeID] = ev
		idx.events = append(idx.events, ev)
		if ev.ExternalID != "" {
			idx.refs[ev.ExternalID] = append(idx.refs[ev.ExternalID], ev)
		}
	}
	sort.Slice(idx.events, func(i, j int) bool { return idx.events[i].NativeID < idx.events[j].NativeID })
	return idx, excluded
}

func analyze(source, target []*models.Event) *analysis {
	a := &analysis{
		classes: make(map[*models.Event]class),
		partner: make(map[*models.Event]*models.Event),
	}
	warn := func(w Warning) { a.warnings = append(a.warnings, w) }

	var n int
	a.sides[Source], n = index(Source, source, warn)
	a.excluded += n
	a.sides[Target], n = index(Target, target, warn)
	a.excluded += n

	for _, side := range []Side{Source, Target} {
		this, other := a.sides[side], a.sides[side.Other()]
		for _, ev := range this.events {
			c, partner := classify(ev, this, other)
			a.classes[ev] = c
			if partner != nil {
				a.partner[ev] = partner
			}
			switch c {
			case classDuplicate:
				if ev.ExternalID != "" {
					warn(Warning{Kind: WarnDuplicateReference, Side: side, NativeID: ev.NativeID, ExternalID: ev.ExternalID})
				}
			case classConflict:
				warn(Warning{Kind: WarnConflictingReference, Side: side, NativeID: ev.NativeID, ExternalID: ev.ExternalID})
			}
		}
	}
	return a
}

// classify places ev, living on this side, in one of the classes. A pair is
// linked when both cross-references agree or one of them is still missing,
// and nothing else on either side points into the pair.
func classify(ev *models.Event, this, other *sideIndex) (class, *models.Event) {
	if ev.ExternalID != "" {
		if len(this.refs[ev.ExternalID]) > 1 {
			return classDuplicate, nil
		}
		cp := other.byID[ev.ExternalID]
		if cp == nil {
			return classOrphaned, nil
		}
		if cp.ExternalID != "" && cp.ExternalID != ev.NativeID {
			return classConflict, nil
		}
		for _, holder := range other.refs[ev.NativeID] {
			if holder != cp {
				return classConflict, nil
			}
		}
		return classLinked, cp
	}

	holders := other.refs[ev.NativeID]
	switch len(holders) {
	case 0:
		return classUnlinked, nil
	case 1:
		cp := holders[0]
		if len(this.refs[cp.NativeID]) > 0 {
			return classConflict, nil
		}
		return classLinked, cp
	default:
		return classDuplicate, nil
	}
}

// Unresolved lists the orphaned references that must be confirmed against the
// backends before Reconcile may treat them as deletions.
func (e *Engine) Unresolved(source, target []*models.Event) []Reference {
	a := analyze(source, target)
	var out []Reference
	for _, side := range []Side{Source, Target} {
		other := a.sides[side.Other()]
		for _, ev := range a.sides[side].events {
			if a.classes[ev] != classOrphaned || other.known[ev.ExternalID] {
				continue
			}
			out = append(out, Reference{Side: side.Other(), NativeID: ev.ExternalID})
		}
	}
	return out
}

// Reconcile computes the plan that brings source and target into agreement.
// exists confirms whether an unresolved reference still points at a live
// event outside the window; only confirmed deletions propagate.
func (e *Engine) Reconcile(source, target []*models.Event, exists Resolver) *Plan {
	a := analyze(source, target)
	plan := &Plan{Warnings: a.warnings}
	plan.Summary.Excluded = a.excluded

	for _, side := range []Side{Source, Target} {
		other := a.sides[side.Other()]
		for _, ev := range a.sides[side].events {
			switch a.classes[ev] {
			case classUnlinked:
				plan.Summary.Unlinked++
				plan.Creates = append(plan.Creates, Create{
					Side:   side.Other(),
					Event:  mirror(ev),
					Origin: ev,
				})
			case classLinked:
				if side == Source {
					plan.Summary.Linked++
					plan.Updates = append(plan.Updates, e.diff(ev, a.partner[ev])...)
				}
			case classOrphaned:
				if other.known[ev.ExternalID] || (exists != nil && exists(side.Other(), ev.ExternalID)) {
					plan.Summary.OutOfWindow++
					continue
				}
				plan.Summary.Orphaned++
				plan.Deletes = append(plan.Deletes, Delete{Side: side, Event: ev})
			case classDuplicate:
				plan.Summary.Duplicate++
			case classConflict:
				plan.Summary.Conflict++
			}
		}
	}
	return plan
}

// mirror builds the event to create on the other side of ev.
func mirror(ev *models.Event) *models.Event {
	return &models.Event{
		ExternalID: ev.NativeID,
		Title:      ev.Title,
		Tag:        ev.Tag,
		Start:      ev.Start,
		End:        ev.End,
	}
}

// diff compares a linked pair and returns at most one update per side.
func (e *Engine) diff(src, tgt *models.Event) []Update {
	pair := [2]*models.Event{Source: src, Target: tgt}
	var fields [2]models.Fields

	if src.ExternalID == "" {
		id := tgt.NativeID
		fields[Source].ExternalID = &id
	}
	if tgt.ExternalID == "" {
		id := src.NativeID
		fields[Target].ExternalID = &id
	}

	auth, dst := pair[e.policy.Title], e.policy.Title.Other()
	if auth.Title != pair[dst].Title || auth.Tag != pair[dst].Tag {
		title, tag := auth.Title, auth.Tag
		fields[dst].Title, fields[dst].Tag = &title, &tag
	}

	auth, dst = pair[e.policy.Time], e.policy.Time.Other()
	if !auth.Start.Equal(pair[dst].Start) || !auth.End.Equal(pair[dst].End) {
		start, end := auth.Start, auth.End
		fields[dst].Start, fields[dst].End = &start, &end
	}

	var out []Update
	for _, side := range []Side{Source, Target} {
		if !fields[side].IsEmpty() {
			out = append(out, Update{Side: side, Event: pair[side], Fields: fields[side]})
		}
	}
	return out
}
