package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staycal/internal/model"
	"staycal/internal/store"
)

func noon(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 12, 0, 0, 0, time.UTC)
}

type world struct {
	ws     uuid.UUID
	prop   *model.Property
	other  *model.Property
	feed   uuid.UUID
	lookup *Lookup
}

func newWorld(pre, post int) *world {
	w := &world{ws: uuid.New(), feed: uuid.New()}
	w.prop = &model.Property{ID: uuid.New(), WorkspaceID: w.ws, Name: "Lake House", Cleaning: model.CleaningPolicy{PreDays: pre, PostDays: post}}
	w.other = &model.Property{ID: uuid.New(), WorkspaceID: w.ws, Name: "Loft"}
	w.lookup = &Lookup{
		Properties:       map[uuid.UUID]*model.Property{w.prop.ID: w.prop, w.other.ID: w.other},
		FeedNames:        map[uuid.UUID]string{w.feed: "Airbnb"},
		ConnectionColors: map[uuid.UUID]string{},
		Facts:            map[uuid.UUID]*model.ReservationFact{},
	}
	return w
}

func (w *world) booking(prop *model.Property, name string, in, out time.Time) *model.Booking {
	return &model.Booking{
		ID:          uuid.New(),
		WorkspaceID: w.ws,
		PropertyID:  prop.ID,
		FeedID:      w.feed,
		ExternalUID: uuid.NewString(),
		CheckIn:     in,
		CheckOut:    out,
		GuestName:   name,
		Status:      model.StatusConfirmed,
		Active:      true,
	}
}

func (w *world) query(g model.Grant) Query {
	g.WorkspaceID = w.ws
	return Query{
		Start:  time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Caller: model.Caller{Username: "ops", Grants: []model.Grant{g}},
	}
}

var fullGrant = model.Grant{CanViewGuestName: true, CanViewGuestCount: true, CanViewNotes: true}

func entriesOf(res *Result, kind EntryKind) []Entry {
	var out []Entry
	for _, e := range res.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestReconcile_PreCleaningReplacesProviderBuffer(t *testing.T) {
	w := newWorld(1, 0)
	stay := w.booking(w.prop, "Reserved", noon(5, 10), noon(5, 13))
	buffer := w.booking(w.prop, "Airbnb (Not available)", noon(5, 9), noon(5, 10))

	res := Reconcile(w.query(fullGrant), []*model.Booking{stay, buffer}, w.lookup)

	cleaning := entriesOf(res, KindCleaning)
	require.Len(t, cleaning, 1)
	assert.Equal(t, w.prop.ID, cleaning[0].PropertyID)
	assert.Equal(t, "2026-05-09", model.DayKey(cleaning[0].Start))
	assert.Equal(t, PhasePre, cleaning[0].Phase)

	bookings := entriesOf(res, KindBooking)
	require.Len(t, bookings, 1)
	assert.Equal(t, stay.ID, *bookings[0].BookingID)
	assert.Equal(t, 1, res.Suppressed[SuppressedPolicyBuffer])
	assert.Equal(t, model.CleaningPolicy{PreDays: 1}, res.Policies[w.prop.ID])
}

func TestReconcile_MaskingKeepsDatesAndProperty(t *testing.T) {
	w := newWorld(0, 0)
	b := w.booking(w.prop, "Nora Weber", noon(5, 12), noon(5, 15))
	b.GuestCount = model.IntPtr(2)
	notes := "late arrival"
	b.ManualNotes = &notes
	b.ManualResolvedAt = &time.Time{}

	res := Reconcile(w.query(model.Grant{CanViewGuestCount: true}), []*model.Booking{b}, w.lookup)

	require.Len(t, res.Entries, 1)
	e := res.Entries[0]
	assert.Nil(t, e.GuestName)
	assert.Nil(t, e.GuestFirstName)
	assert.Nil(t, e.GuestLastInitial)
	assert.Nil(t, e.Notes)
	require.NotNil(t, e.GuestCount)
	assert.Equal(t, 2, *e.GuestCount)
	assert.Equal(t, MaskedLabel, e.Display.Label)
	assert.Equal(t, noon(5, 12), e.Start)
	assert.Equal(t, noon(5, 15), e.End)
	assert.Equal(t, w.prop.ID, e.PropertyID)

	full := Reconcile(w.query(fullGrant), []*model.Booking{b}, w.lookup)
	require.Len(t, full.Entries, 1)
	assert.Equal(t, "Nora Weber", *full.Entries[0].GuestName)
	assert.Equal(t, "Nora", *full.Entries[0].GuestFirstName)
	assert.Equal(t, "W", *full.Entries[0].GuestLastInitial)
	assert.Equal(t, "late arrival", *full.Entries[0].Notes)
}

func TestReconcile_MaskingDoesNotChangeSuppression(t *testing.T) {
	w := newWorld(1, 1)
	bs := []*model.Booking{
		w.booking(w.prop, "Nora Weber", noon(5, 10), noon(5, 13)),
		w.booking(w.prop, "Airbnb (Not available)", noon(5, 9), noon(5, 10)),
		w.booking(w.prop, "Blocked", noon(5, 20), noon(5, 22)),
	}
	open := Reconcile(w.query(fullGrant), bs, w.lookup)
	masked := Reconcile(w.query(model.Grant{}), bs, w.lookup)

	require.Equal(t, len(open.Entries), len(masked.Entries))
	for i := range open.Entries {
		assert.Equal(t, open.Entries[i].Kind, masked.Entries[i].Kind)
		assert.Equal(t, open.Entries[i].Start, masked.Entries[i].Start)
	}
	assert.Equal(t, open.Suppressed, masked.Suppressed)
}

func TestReconcile_GenericBlockCoveredByRealBooking(t *testing.T) {
	w := newWorld(0, 0)
	stay := w.booking(w.prop, "Nora Weber", noon(5, 10), noon(5, 15))
	covered := w.booking(w.prop, "Airbnb (Not available)", noon(5, 11), noon(5, 13))
	partly := w.booking(w.prop, "Airbnb (Not available)", noon(5, 14), noon(5, 17))
	elsewhere := w.booking(w.other, "Airbnb (Not available)", noon(5, 11), noon(5, 13))

	res := Reconcile(w.query(fullGrant), []*model.Booking{stay, covered, partly, elsewhere}, w.lookup)

	var ids []uuid.UUID
	for _, e := range entriesOf(res, KindBooking) {
		ids = append(ids, *e.BookingID)
	}
	assert.ElementsMatch(t, []uuid.UUID{stay.ID, partly.ID, elsewhere.ID}, ids)
	assert.Equal(t, 1, res.Suppressed[SuppressedGenericBlock])
}

func TestReconcile_CleaningSkipsOccupiedAndDedupes(t *testing.T) {
	w := newWorld(1, 1)
	first := w.booking(w.prop, "Nora Weber", noon(5, 10), noon(5, 12))
	// Back-to-back: the post day of first is the check-in of second.
	second := w.booking(w.prop, "Jan Novak", noon(5, 12), noon(5, 14))
	// Its pre day is the post day of second.
	third := w.booking(w.prop, "Eva Kral", noon(5, 15), noon(5, 16))

	res := Reconcile(w.query(fullGrant), []*model.Booking{first, second, third}, w.lookup)

	var days []string
	for _, e := range entriesOf(res, KindCleaning) {
		days = append(days, model.DayKey(e.Start))
	}
	assert.Equal(t, []string{"2026-05-09", "2026-05-14", "2026-05-16"}, days)
}

func TestReconcile_Holds(t *testing.T) {
	t.Run("dropped on a property with a policy", func(t *testing.T) {
		w := newWorld(1, 0)
		hold := w.booking(w.prop, "Blocked", noon(5, 20), noon(5, 22))
		res := Reconcile(w.query(fullGrant), []*model.Booking{hold}, w.lookup)
		assert.Empty(t, res.Entries)
		assert.Equal(t, 1, res.Suppressed[SuppressedResidualHold])
	})

	t.Run("kept and flagged without a policy", func(t *testing.T) {
		w := newWorld(0, 0)
		hold := w.booking(w.other, "Owner stay", noon(5, 20), noon(5, 22))
		res := Reconcile(w.query(fullGrant), []*model.Booking{hold}, w.lookup)
		require.Len(t, res.Entries, 1)
		assert.True(t, res.Entries[0].Hold)
		assert.Nil(t, res.Entries[0].GuestCount)
	})

	t.Run("an enriched booking is never a hold", func(t *testing.T) {
		w := newWorld(1, 0)
		b := w.booking(w.prop, "Blocked", noon(5, 20), noon(5, 22))
		b.SetProvenance(model.FactMatched{FactID: uuid.New(), Reason: model.ReasonCheckInDate})
		res := Reconcile(w.query(fullGrant), []*model.Booking{b}, w.lookup)
		assert.Len(t, entriesOf(res, KindBooking), 1)
		assert.Len(t, entriesOf(res, KindCleaning), 1)
	})

	t.Run("reserved stays are guest stays", func(t *testing.T) {
		w := newWorld(1, 0)
		b := w.booking(w.prop, "Reserved", noon(5, 20), noon(5, 22))
		res := Reconcile(w.query(fullGrant), []*model.Booking{b}, w.lookup)
		bookings := entriesOf(res, KindBooking)
		require.Len(t, bookings, 1)
		assert.False(t, bookings[0].Hold)
		assert.Equal(t, 1, *bookings[0].GuestCount)
	})

	t.Run("anonymized guest labels are not holds", func(t *testing.T) {
		for _, label := range []string{"Guest", "N*** W.", "Airbnb (Reserved)", "Booked"} {
			w := newWorld(1, 0)
			b := w.booking(w.prop, label, noon(5, 20), noon(5, 22))
			res := Reconcile(w.query(fullGrant), []*model.Booking{b}, w.lookup)
			bookings := entriesOf(res, KindBooking)
			require.Len(t, bookings, 1, label)
			assert.False(t, bookings[0].Hold, label)
			assert.Zero(t, res.Suppressed[SuppressedResidualHold], label)
		}
	})
}

func TestReconcile_GrantScopesProperties(t *testing.T) {
	w := newWorld(0, 0)
	a := w.booking(w.prop, "Nora Weber", noon(5, 10), noon(5, 12))
	b := w.booking(w.other, "Jan Novak", noon(5, 10), noon(5, 12))
	foreign := w.booking(w.prop, "Eva Kral", noon(5, 10), noon(5, 12))
	foreign.WorkspaceID = uuid.New()

	g := fullGrant
	g.PropertyIDs = []uuid.UUID{w.prop.ID}
	res := Reconcile(w.query(g), []*model.Booking{a, b, foreign}, w.lookup)

	require.Len(t, res.Entries, 1)
	assert.Equal(t, a.ID, *res.Entries[0].BookingID)
	assert.Contains(t, res.Policies, w.prop.ID)
	assert.NotContains(t, res.Policies, w.other.ID)
}

func TestDisplay_Precedence(t *testing.T) {
	w := newWorld(0, 0)
	colored, plain := uuid.New(), uuid.New()
	w.lookup.ConnectionColors[colored] = "#2a9d8f"

	codeFact := &model.ReservationFact{ID: uuid.New(), WorkspaceID: w.ws, ConnectionID: plain,
		GuestName: model.StringPtr("Nora Weber"), ConfirmationCode: model.StringPtr("HMABCDEF12"),
		CheckIn: ptrTime(time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC))}
	plainFact := &model.ReservationFact{ID: uuid.New(), WorkspaceID: w.ws, ConnectionID: plain,
		GuestName: model.StringPtr("Jan Novak"), CheckIn: ptrTime(time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC))}
	colorFact := &model.ReservationFact{ID: uuid.New(), WorkspaceID: w.ws, ConnectionID: colored,
		GuestName: model.StringPtr("Eva Kral"), CheckIn: ptrTime(time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC))}
	for _, f := range []*model.ReservationFact{codeFact, plainFact, colorFact} {
		w.lookup.Facts[f.ID] = f
	}

	t.Run("manual wins", func(t *testing.T) {
		b := w.booking(w.prop, "Reserved", noon(5, 10), noon(5, 12))
		b.ConfirmationCode = "HMABCDEF12"
		b.ManualGuestName = model.StringPtr("Ana Lima")
		b.ManualConnectionID = &colored
		b.ManualResolvedAt = ptrTime(time.Now())
		d := display(b, w.lookup)
		assert.Equal(t, DisplayManual, d.Source)
		assert.Equal(t, "Ana Lima", d.Label)
		assert.Equal(t, "#2a9d8f", d.Color)
	})

	t.Run("code fact beats dates", func(t *testing.T) {
		b := w.booking(w.prop, "Reserved", noon(5, 10), noon(5, 12))
		b.RawPayload = []byte(`{"description":"details/hmabcdef12"}`)
		d := display(b, w.lookup)
		assert.Equal(t, DisplayConfirmationCode, d.Source)
		assert.Equal(t, "Nora Weber", d.Label)
	})

	t.Run("date window prefers a colored connection", func(t *testing.T) {
		b := w.booking(w.prop, "Reserved", noon(5, 20), noon(5, 23))
		d := display(b, w.lookup)
		assert.Equal(t, DisplayDateWindow, d.Source)
		assert.Equal(t, "Eva Kral", d.Label)
		assert.Equal(t, "#2a9d8f", d.Color)
	})

	t.Run("unenriched", func(t *testing.T) {
		b := w.booking(w.prop, "Reserved", noon(5, 25), noon(5, 27))
		d := display(b, w.lookup)
		assert.Equal(t, DisplayUnenriched, d.Source)
		assert.Equal(t, "Reserved", d.Label)
	})
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestPass_Run(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	w := newWorld(1, 0)
	require.NoError(t, mem.UpsertProperty(ctx, w.prop))
	require.NoError(t, mem.UpsertProperty(ctx, w.other))
	require.NoError(t, mem.UpsertFeed(ctx, &model.CalendarFeed{ID: w.feed, WorkspaceID: w.ws, PropertyID: w.prop.ID, SourceLabel: "Airbnb", Active: true}))

	inRange := w.booking(w.prop, "Nora Weber", noon(5, 10), noon(5, 13))
	// Checks in the day after the range; its cleaning day is inside.
	edge := w.booking(w.prop, "Jan Novak", noon(6, 1), noon(6, 4))
	for _, b := range []*model.Booking{inRange, edge} {
		require.NoError(t, mem.InsertBooking(ctx, b))
	}

	res, err := NewPass(mem).Run(ctx, w.query(fullGrant))
	require.NoError(t, err)

	bookings := entriesOf(res, KindBooking)
	require.Len(t, bookings, 1)
	assert.Equal(t, "Airbnb", bookings[0].FeedName)

	var days []string
	for _, e := range entriesOf(res, KindCleaning) {
		days = append(days, model.DayKey(e.Start))
	}
	assert.Equal(t, []string{"2026-05-09", "2026-05-31"}, days)
}

func TestPass_RunRejectsBadRange(t *testing.T) {
	w := newWorld(0, 0)
	q := w.query(fullGrant)
	q.Start, q.End = q.End, q.Start

	_, err := NewPass(store.NewMemory()).Run(context.Background(), q)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestPass_RunWithoutGrants(t *testing.T) {
	w := newWorld(0, 0)
	q := w.query(fullGrant)
	q.Caller.Grants = nil

	res, err := NewPass(store.NewMemory()).Run(context.Background(), q)
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
}
