package enrich

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

func noon(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 12, 0, 0, 0, time.UTC) }

func dayPtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

type fixture struct {
	st    *store.Memory
	ws    uuid.UUID
	propA uuid.UUID
	propB uuid.UUID
	feed  uuid.UUID
	conn  *model.MailboxConnection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{st: store.NewMemory(), ws: uuid.New(), propA: uuid.New(), propB: uuid.New(), feed: uuid.New()}
	f.conn = &model.MailboxConnection{WorkspaceID: f.ws, Label: "Bookings", Active: true, PropertyIDs: []uuid.UUID{f.propA, f.propB}}
	require.NoError(t, f.st.UpsertConnection(context.Background(), f.conn))
	return f
}

func (f *fixture) booking(t *testing.T, prop uuid.UUID, uid, name string, in time.Time, nights int) *model.Booking {
	t.Helper()
	b := &model.Booking{
		PropertyID: prop, WorkspaceID: f.ws, FeedID: f.feed, ExternalUID: uid,
		CheckIn: in, CheckOut: in.AddDate(0, 0, nights), GuestName: name,
		Status: model.StatusConfirmed, Active: true,
	}
	require.NoError(t, f.st.InsertBooking(context.Background(), b))
	return b
}

func (f *fixture) fact(t *testing.T, msgID string, in, out *time.Time, name, code string, count *int) *model.ReservationFact {
	t.Helper()
	fact := &model.ReservationFact{
		WorkspaceID: f.ws, ConnectionID: f.conn.ID, SourceMessageID: msgID,
		CheckIn: in, CheckOut: out, GuestCount: count, Confidence: 0.9,
	}
	if name != "" {
		fact.GuestName = &name
	}
	if code != "" {
		fact.ConfirmationCode = &code
	}
	require.NoError(t, f.st.UpsertFact(context.Background(), fact))
	return fact
}

func TestMatch_CodeBeatsDate(t *testing.T) {
	prop := uuid.New()
	byDate := &model.Booking{ID: uuid.New(), PropertyID: prop, CheckIn: noon(2026, 3, 12)}
	byCode := &model.Booking{ID: uuid.New(), PropertyID: prop, CheckIn: noon(2026, 3, 20), RawPayload: []byte(`{"description":"Code b16389402"}`)}
	code := "B16389402"
	fact := &model.ReservationFact{CheckIn: dayPtr(2026, 3, 12), ConfirmationCode: &code}

	res := Match(fact, []*model.Booking{byDate, byCode})
	require.True(t, res.Matched())
	assert.Equal(t, byCode.ID, res.Booking.ID)
	assert.Equal(t, model.ReasonConfirmationCode, res.Reason)
}

func TestMatch_ShortCodeIgnored(t *testing.T) {
	b := &model.Booking{ID: uuid.New(), PropertyID: uuid.New(), CheckIn: noon(2026, 3, 12), ConfirmationCode: "AB12"}
	code := "AB12"
	fact := &model.ReservationFact{CheckIn: dayPtr(2026, 3, 12), ConfirmationCode: &code}

	res := Match(fact, []*model.Booking{b})
	require.True(t, res.Matched())
	assert.Equal(t, model.ReasonCheckInDate, res.Reason)
}

func TestMatch_DateAcrossPropertiesIsAmbiguous(t *testing.T) {
	a := &model.Booking{ID: uuid.New(), PropertyID: uuid.New(), CheckIn: noon(2026, 4, 4)}
	b := &model.Booking{ID: uuid.New(), PropertyID: uuid.New(), CheckIn: noon(2026, 4, 4)}
	fact := &model.ReservationFact{CheckIn: dayPtr(2026, 4, 4)}

	res := Match(fact, []*model.Booking{a, b})
	assert.False(t, res.Matched())
	assert.True(t, res.Ambiguous)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, res.CandidateIDs())
}

func TestMatch_SamePropertyDuplicateIsDeterministic(t *testing.T) {
	prop := uuid.New()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := &model.Booking{ID: uuid.New(), PropertyID: prop, CheckIn: noon(2026, 4, 4), CreatedAt: created.Add(time.Hour)}
	earlier := &model.Booking{ID: uuid.New(), PropertyID: prop, CheckIn: noon(2026, 4, 4), CreatedAt: created}
	fact := &model.ReservationFact{CheckIn: dayPtr(2026, 4, 4)}

	for i := 0; i < 3; i++ {
		res := Match(fact, []*model.Booking{later, earlier})
		require.True(t, res.Matched())
		assert.Equal(t, earlier.ID, res.Booking.ID)
		assert.True(t, res.Duplicate)
		assert.Equal(t, model.ReasonSamePropertyDuplicate, res.Reason)
	}
}

func TestMatch_NoDateNoMatch(t *testing.T) {
	b := &model.Booking{ID: uuid.New(), PropertyID: uuid.New(), CheckIn: noon(2026, 4, 4)}
	res := Match(&model.ReservationFact{}, []*model.Booking{b})
	assert.False(t, res.Matched())
	assert.False(t, res.Ambiguous)
}

func TestMatchEvent(t *testing.T) {
	code := "B16389402"
	withCode := &model.ReservationFact{ID: uuid.New(), ConfirmationCode: &code, CheckIn: dayPtr(2026, 3, 1), CheckOut: dayPtr(2026, 3, 2)}
	sameDatesA := &model.ReservationFact{ID: uuid.New(), CheckIn: dayPtr(2026, 4, 4), CheckOut: dayPtr(2026, 4, 7)}
	sameDatesB := &model.ReservationFact{ID: uuid.New(), CheckIn: dayPtr(2026, 4, 4), CheckOut: dayPtr(2026, 4, 7)}
	facts := []*model.ReservationFact{withCode, sameDatesA, sameDatesB}

	res := MatchEvent("Reserved\nhttps://example.com/details/b16389402", noon(2026, 4, 4), noon(2026, 4, 7), facts)
	require.NotNil(t, res.Fact)
	assert.Equal(t, withCode.ID, res.Fact.ID)
	assert.Equal(t, model.ReasonConfirmationCode, res.Reason)

	res = MatchEvent("Reserved", noon(2026, 4, 4), noon(2026, 4, 7), facts)
	assert.Nil(t, res.Fact)
	assert.True(t, res.Ambiguous)
	assert.ElementsMatch(t, []uuid.UUID{sameDatesA.ID, sameDatesB.ID}, res.FactIDs())

	res = MatchEvent("Reserved", noon(2026, 4, 4), noon(2026, 4, 7), []*model.ReservationFact{sameDatesA})
	require.NotNil(t, res.Fact)
	assert.Equal(t, model.ReasonExactDates, res.Reason)

	res = MatchEvent("Reserved", noon(2026, 4, 4), noon(2026, 4, 8), facts)
	assert.Nil(t, res.Fact)
	assert.False(t, res.Ambiguous)
}

func TestNameUpgradeAllowed(t *testing.T) {
	assert.True(t, NameUpgradeAllowed("", "Nora Weber"))
	assert.True(t, NameUpgradeAllowed("Reserved", "Nora Weber"))
	assert.True(t, NameUpgradeAllowed("N***", "Nora Weber"))
	assert.False(t, NameUpgradeAllowed("Paul Smith", "Nora Weber"))
	assert.False(t, NameUpgradeAllowed("Reserved", "Guest"))
	assert.False(t, NameUpgradeAllowed("Reserved", ""))
}

func TestApply_EnrichesAndSyncsDates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.booking(t, f.propA, "abc", "Reserved", noon(2026, 3, 12), 4)
	fact := f.fact(t, "m1", dayPtr(2026, 3, 12), dayPtr(2026, 3, 15), "Nora Weber", "", model.IntPtr(2))

	out, err := NewMatcher(f.st).Apply(ctx, fact)
	require.NoError(t, err)
	require.NotNil(t, out.BookingID)
	assert.Equal(t, b.ID, *out.BookingID)
	assert.True(t, out.NameUpdated)
	assert.True(t, out.DatesSynced)

	got, err := f.st.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nora Weber", got.GuestName)
	assert.Equal(t, "Nora", got.GuestFirstName)
	assert.Equal(t, "W", got.GuestLastInitial)
	assert.Equal(t, 2, *got.GuestCount)
	assert.Equal(t, f.propA, got.PropertyID)
	assert.Equal(t, model.FactMatched{FactID: fact.ID, Reason: model.ReasonCheckInDate}, got.Provenance())

	stored, err := f.st.GetFact(ctx, fact.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-16", model.DayKey(*stored.CheckOut))
}

func TestApply_RealNameNotOverwritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.booking(t, f.propA, "abc", "Paul Smith", noon(2026, 3, 12), 3)
	fact := f.fact(t, "m1", dayPtr(2026, 3, 12), dayPtr(2026, 3, 20), "Nora Weber", "", model.IntPtr(4))

	out, err := NewMatcher(f.st).Apply(ctx, fact)
	require.NoError(t, err)
	assert.False(t, out.NameUpdated)
	assert.True(t, out.DatesSynced)
	assert.True(t, out.Linked)

	got, err := f.st.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Paul Smith", got.GuestName)
	assert.Nil(t, got.GuestCount)
}

func TestApply_ManualResolutionWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.booking(t, f.propA, "abc", "Reserved", noon(2026, 3, 12), 3)
	require.NoError(t, f.st.SetResolution(ctx, b.ID, store.Resolution{GuestName: model.StringPtr("Owner friend"), ResolvedAt: time.Now()}))
	fact := f.fact(t, "m1", dayPtr(2026, 3, 12), dayPtr(2026, 3, 15), "Nora Weber", "", nil)

	out, err := NewMatcher(f.st).Apply(ctx, fact)
	require.NoError(t, err)
	assert.False(t, out.NameUpdated)

	got, err := f.st.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reserved", got.GuestName)
	assert.IsType(t, model.ManuallyResolved{}, got.Provenance())
}

func TestApply_AmbiguousAcrossProperties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.booking(t, f.propA, "a", "Reserved", noon(2026, 4, 4), 2)
	b := f.booking(t, f.propB, "b", "Reserved", noon(2026, 4, 4), 3)
	fact := f.fact(t, "m1", dayPtr(2026, 4, 4), dayPtr(2026, 4, 6), "Nora Weber", "", nil)

	out, err := NewMatcher(f.st).Apply(ctx, fact)
	require.NoError(t, err)
	assert.True(t, out.Ambiguous)
	assert.Nil(t, out.BookingID)

	events, err := f.st.ListAmbiguities(ctx, f.ws)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.AmbiguityMultiProperty, events[0].Kind)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, events[0].CandidateIDs)

	// Batch runs see the same fact again; the event is not repeated.
	writes := f.st.Writes()
	out, err = NewMatcher(f.st).Apply(ctx, fact)
	require.NoError(t, err)
	assert.True(t, out.Ambiguous)
	events, err = f.st.ListAmbiguities(ctx, f.ws)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, writes, f.st.Writes())

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		got, err := f.st.GetBooking(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Reserved", got.GuestName)
	}
}

func TestApply_UnlinkedPropertyIsNotCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.booking(t, uuid.New(), "x", "Reserved", noon(2026, 3, 12), 3)
	fact := f.fact(t, "m1", dayPtr(2026, 3, 12), dayPtr(2026, 3, 15), "Nora Weber", "HMABCDEF12", nil)

	out, err := NewMatcher(f.st).Apply(ctx, fact)
	require.NoError(t, err)
	assert.Nil(t, out.BookingID)
	assert.True(t, out.ReviewCreated)
}

func TestApply_ReviewItemIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fact := f.fact(t, "m1", dayPtr(2026, 6, 1), dayPtr(2026, 6, 5), "Nora Weber", "HMABCDEF12", nil)
	m := NewMatcher(f.st)

	out, err := m.Apply(ctx, fact)
	require.NoError(t, err)
	assert.True(t, out.ReviewCreated)

	out, err = m.Apply(ctx, fact)
	require.NoError(t, err)
	assert.False(t, out.ReviewCreated)

	items, err := f.st.ListReviewItems(ctx, []uuid.UUID{f.ws}, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "HMABCDEF12", items[0].Snapshot["confirmation_code"])
}

func TestApply_NoReviewWithoutCode(t *testing.T) {
	f := newFixture(t)
	fact := f.fact(t, "m1", dayPtr(2026, 6, 1), dayPtr(2026, 6, 5), "Nora Weber", "", nil)

	out, err := NewMatcher(f.st).Apply(context.Background(), fact)
	require.NoError(t, err)
	assert.False(t, out.ReviewCreated)
}

func TestBatch_Run(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.booking(t, f.propA, "abc", "Reserved", noon(2026, 3, 12), 3)
	f.fact(t, "m1", dayPtr(2026, 3, 12), dayPtr(2026, 3, 15), "Nora Weber", "", nil)
	f.fact(t, "m2", dayPtr(2026, 7, 1), dayPtr(2026, 7, 3), "Ana Lopez", "HMABCDEF12", nil)

	res, err := NewBatch(f.st, NewMatcher(f.st)).Run(ctx, f.ws)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Facts)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Enriched)
	assert.Equal(t, 1, res.Queued)
	assert.Zero(t, res.Failed)
}
