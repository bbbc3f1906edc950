// Package reconcile turns stored bookings into the calendar a caller sees:
// redundant provider blocks are dropped, cleaning windows are synthesized
// from property policy and fields are masked per grant.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"staycal/internal/enrich"
	"staycal/internal/model"
	"staycal/internal/store"
)

// MaxRangeDays caps one query.
const MaxRangeDays = 400

var ErrInvalidRange = errors.New("invalid date range")

// Repository is the read-only store surface of the pass.
type Repository interface {
	ListProperties(ctx context.Context, workspaceIDs []uuid.UUID) ([]*model.Property, error)
	ListFeeds(ctx context.Context, workspaceIDs []uuid.UUID) ([]*model.CalendarFeed, error)
	ListConnections(ctx context.Context, workspaceID uuid.UUID) ([]*model.MailboxConnection, error)
	ListFacts(ctx context.Context, workspaceID uuid.UUID) ([]*model.ReservationFact, error)
	ListActiveInRange(ctx context.Context, workspaceIDs []uuid.UUID, start, end time.Time) ([]*model.Booking, error)
}

// Query is one calendar request. Start is inclusive, End exclusive.
type Query struct {
	Start  time.Time
	End    time.Time
	Caller model.Caller
}

type Pass struct {
	repo Repository
}

func NewPass(repo Repository) *Pass {
	return &Pass{repo: repo}
}

// Run loads what the caller may see and reconciles it.
func (p *Pass) Run(ctx context.Context, q Query) (*Result, error) {
	q.Start, q.End = model.Day(q.Start), model.Day(q.End)
	if !q.Start.Before(q.End) || model.DaysBetween(q.Start, q.End) > MaxRangeDays {
		return nil, fmt.Errorf("%w: %s..%s", ErrInvalidRange, model.DayKey(q.Start), model.DayKey(q.End))
	}

	workspaces := q.Caller.WorkspaceIDs()
	if len(workspaces) == 0 {
		return emptyResult(q), nil
	}

	lk, err := p.LoadLookup(ctx, workspaces)
	if err != nil {
		return nil, err
	}

	// Bookings just outside the range still produce cleaning days and
	// adjacency inside it.
	pad := 1
	for _, prop := range lk.Properties {
		pad = max(pad, prop.Cleaning.PreDays+1, prop.Cleaning.PostDays+1)
	}
	bookings, err := p.repo.ListActiveInRange(ctx, workspaces, q.Start.AddDate(0, 0, -pad), q.End.AddDate(0, 0, pad))
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}

	return Reconcile(q, bookings, lk), nil
}

// LoadLookup builds the request-scoped tables for the given workspaces.
func (p *Pass) LoadLookup(ctx context.Context, workspaces []uuid.UUID) (*Lookup, error) {
	lk := &Lookup{
		Properties:       map[uuid.UUID]*model.Property{},
		FeedNames:        map[uuid.UUID]string{},
		ConnectionColors: map[uuid.UUID]string{},
		Facts:            map[uuid.UUID]*model.ReservationFact{},
	}

	props, err := p.repo.ListProperties(ctx, workspaces)
	if err != nil {
		return nil, fmt.Errorf("load properties: %w", err)
	}
	for _, prop := range props {
		lk.Properties[prop.ID] = prop
	}

	feeds, err := p.repo.ListFeeds(ctx, workspaces)
	if err != nil {
		return nil, fmt.Errorf("load feeds: %w", err)
	}
	for _, f := range feeds {
		lk.FeedNames[f.ID] = f.SourceLabel
	}

	for _, ws := range workspaces {
		conns, err := p.repo.ListConnections(ctx, ws)
		if err != nil {
			return nil, fmt.Errorf("load connections: %w", err)
		}
		for _, c := range conns {
			if c.Color != "" {
				lk.ConnectionColors[c.ID] = c.Color
			}
		}
		facts, err := p.repo.ListFacts(ctx, ws)
		if err != nil {
			return nil, fmt.Errorf("load facts: %w", err)
		}
		for _, f := range facts {
			lk.Facts[f.ID] = f
		}
	}
	return lk, nil
}

func emptyResult(q Query) *Result {
	return &Result{
		Start:      q.Start,
		End:        q.End,
		Entries:    []Entry{},
		Policies:   map[uuid.UUID]model.CleaningPolicy{},
		Suppressed: map[string]int{},
	}
}

// Reconcile is the pure part of the pass. Bookings outside the caller's
// grants are dropped first, so no stage ever sees them.
func Reconcile(q Query, bookings []*model.Booking, lk *Lookup) *Result {
	res := emptyResult(q)

	var visible []*model.Booking
	for _, b := range bookings {
		if g, ok := q.Caller.Grant(b.WorkspaceID); ok && g.AllowsProperty(b.PropertyID) && b.Active {
			visible = append(visible, b)
		}
	}
	store.SortBookings(visible)

	for id, prop := range lk.Properties {
		if g, ok := q.Caller.Grant(prop.WorkspaceID); ok && g.AllowsProperty(id) {
			res.Policies[id] = prop.Cleaning
		}
	}

	var n int
	visible, n = suppressGenericBlocks(visible)
	res.Suppressed[SuppressedGenericBlock] = n

	visible, n = suppressPolicyBuffers(visible, res.Policies)
	res.Suppressed[SuppressedPolicyBuffer] = n

	cleaning, cleaningDays := synthesizeCleaning(visible, res.Policies)

	visible, n = suppressResidualHolds(visible, res.Policies, cleaningDays)
	res.Suppressed[SuppressedResidualHold] = n

	for _, b := range visible {
		if !overlaps(b.CheckIn, b.CheckOut, q.Start, q.End) {
			continue
		}
		res.Entries = append(res.Entries, bookingEntry(b, lk))
	}
	for _, c := range cleaning {
		if overlaps(c.Start, c.End, q.Start, q.End) {
			res.Entries = append(res.Entries, c)
		}
	}

	for i := range res.Entries {
		g, _ := q.Caller.Grant(res.Entries[i].WorkspaceID)
		mask(&res.Entries[i], g)
	}

	sort.SliceStable(res.Entries, func(i, j int) bool {
		a, b := res.Entries[i], res.Entries[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.PropertyID != b.PropertyID {
			return a.PropertyID.String() < b.PropertyID.String()
		}
		return a.Kind < b.Kind
	})
	return res
}

// overlaps compares by calendar day; end days are exclusive.
func overlaps(start, end, from, to time.Time) bool {
	s, e := model.Day(start), model.Day(end)
	if !e.After(s) {
		e = s.AddDate(0, 0, 1)
	}
	return s.Before(to) && e.After(from)
}

func bookingEntry(b *model.Booking, lk *Lookup) Entry {
	id := b.ID
	feedID := b.FeedID
	e := Entry{
		Kind:        KindBooking,
		BookingID:   &id,
		WorkspaceID: b.WorkspaceID,
		PropertyID:  b.PropertyID,
		FeedID:      &feedID,
		FeedName:    lk.FeedNames[b.FeedID],
		Start:       b.CheckIn,
		End:         b.CheckOut,
		Status:      b.Status,
		Platform:    b.Platform,
		Hold:        isHold(b),
		Provenance:  b.Provenance().Kind(),
		Notes:       b.ManualNotes,
	}

	name := b.GuestName
	if b.ManualGuestName != nil {
		name = *b.ManualGuestName
	}
	if name != "" {
		e.GuestName = &name
		if model.IsRealName(name) {
			first, initial := model.SplitName(name)
			e.GuestFirstName, e.GuestLastInitial = &first, &initial
		}
	}

	if !e.Hold {
		count := b.GuestCount
		if b.ManualGuestCount != nil {
			count = b.ManualGuestCount
		}
		e.GuestCount = model.IntPtr(model.DisplayGuestCount(count))
	}

	e.Display = display(b, lk)
	return e
}

// display applies the precedence: manual resolution, then a confirmation
// code fact, then a date-window fact preferring a colored connection, then
// the booking as synced.
func display(b *model.Booking, lk *Lookup) Display {
	if b.IsManuallyResolved() {
		d := Display{Label: b.GuestName, Source: DisplayManual, ConnectionID: b.ManualConnectionID}
		if b.ManualGuestName != nil {
			d.Label = *b.ManualGuestName
		}
		if b.ManualConnectionID != nil {
			d.Color = lk.ConnectionColors[*b.ManualConnectionID]
		}
		return d
	}

	if b.EnrichedFactID != nil {
		if f, ok := lk.Facts[*b.EnrichedFactID]; ok {
			source := DisplayDateWindow
			if b.MatchReason == model.ReasonConfirmationCode {
				source = DisplayConfirmationCode
			}
			return factDisplay(b, f, source, lk)
		}
	}

	facts := workspaceFacts(b.WorkspaceID, lk)
	for _, f := range facts {
		if code := f.Code(); len(code) >= enrich.MinCodeLength && enrich.HasCode(b, code) {
			return factDisplay(b, f, DisplayConfirmationCode, lk)
		}
	}

	var best *model.ReservationFact
	for _, f := range facts {
		if f.CheckIn == nil || !model.SameDay(*f.CheckIn, b.CheckIn) {
			continue
		}
		if f.CheckOut != nil && !model.SameDay(*f.CheckOut, b.CheckOut) {
			continue
		}
		if best == nil || (lk.ConnectionColors[f.ConnectionID] != "" && lk.ConnectionColors[best.ConnectionID] == "") {
			best = f
		}
	}
	if best != nil {
		return factDisplay(b, best, DisplayDateWindow, lk)
	}

	return Display{Label: b.GuestName, Source: DisplayUnenriched}
}

func factDisplay(b *model.Booking, f *model.ReservationFact, source string, lk *Lookup) Display {
	label := b.GuestName
	if !model.IsRealName(label) && f.Name() != "" {
		label = f.Name()
	}
	connID := f.ConnectionID
	return Display{
		Label:        label,
		Color:        lk.ConnectionColors[f.ConnectionID],
		Source:       source,
		ConnectionID: &connID,
	}
}

// workspaceFacts returns the workspace's facts in a stable order.
func workspaceFacts(workspaceID uuid.UUID, lk *Lookup) []*model.ReservationFact {
	var out []*model.ReservationFact
	for _, f := range lk.Facts {
		if f.WorkspaceID == workspaceID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
