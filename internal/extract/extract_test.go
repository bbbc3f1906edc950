package extract

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) }

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		subject   string
		body      string
		kind      Kind
		candidate bool
	}{
		{"airbnb confirmation", "Reservation confirmed - Nora Weber arrives Mar 12", "Your guest Nora arrives soon.", KindReservationConfirmation, true},
		{"booking subject", "Booking: Nora Weber (B16389402)", "Check-in Thu 12 March", KindReservationConfirmation, true},
		{"new booking", "New booking! #HMABCDEF12", "", KindReservationConfirmation, true},
		{"reply quoting confirmation", "RE: Reservation confirmed - Nora Weber arrives Mar 12", "Thanks!", KindGuestMessage, false},
		{"guest message", "Nora sent you a message", "Is parking available?", KindGuestMessage, false},
		{"cancellation", "Reservation HMABCDEF12 cancelled", "The reservation has been cancelled.", KindCancellationRequest, false},
		{"inquiry", "Inquiry for Beach House for Mar 12 - 15", "Respond to this inquiry", KindBookingInquiry, false},
		{"review request", "Leave a review for Nora", "", KindReviewRequest, false},
		{"review posted", "Nora left a review", "", KindReviewPosted, false},
		{"payout", "We sent a payout of $400", "", KindPlatformSystem, false},
		{"unrelated", "Weekly newsletter", "", KindPlatformSystem, false},
		{"nothing", "Hello", "Just checking in on things", KindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.subject, tt.body)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.candidate, c.IsCandidate)
			if tt.kind != KindUnknown {
				assert.NotEmpty(t, c.Reasons)
			}
		})
	}
}

func TestExtract_AirbnbStyle(t *testing.T) {
	e := &Extractor{Now: fixedNow}
	subject := "Reservation confirmed - Nora Weber arrives Mar 12"
	body := "New booking confirmed!\nCheck-in: Thu, Mar 12, 2026\nCheckout: Sun, Mar 15, 2026\n2 guests\nConfirmation code: B16389402"

	f := e.Extract(body, subject, false)
	require.NotNil(t, f)
	require.NotNil(t, f.GuestName)
	assert.Equal(t, "Nora Weber", *f.GuestName)
	require.NotNil(t, f.CheckIn)
	require.NotNil(t, f.CheckOut)
	assert.Equal(t, day(2026, 3, 12), *f.CheckIn)
	assert.Equal(t, day(2026, 3, 15), *f.CheckOut)
	require.NotNil(t, f.GuestCount)
	assert.Equal(t, 2, *f.GuestCount)
	require.NotNil(t, f.ConfirmationCode)
	assert.Equal(t, "B16389402", *f.ConfirmationCode)
	assert.Equal(t, ConfidenceHigh, f.Confidence)
	require.NoError(t, Validate(f))
}

func TestExtract_ArrivalDepartureLabelsWin(t *testing.T) {
	e := &Extractor{Now: fixedNow}
	body := "Guest: Paul Smith\nArrival: 2026-04-04\nDeparture: 2026-04-07\nPlease check in from 2026-05-01"

	f := e.Extract(body, "Booking confirmed", true)
	require.NotNil(t, f)
	assert.Equal(t, "Paul Smith", *f.GuestName)
	assert.Equal(t, day(2026, 4, 4), *f.CheckIn)
	assert.Equal(t, day(2026, 4, 7), *f.CheckOut)
	assert.Equal(t, []string{"labels"}, f.Raw["date_sources"])
}

func TestExtract_YearDefaultsAndRollover(t *testing.T) {
	e := &Extractor{Now: fixedNow}
	body := "Name: Ana Lopez\nArrival: Dec 30\nDeparture: Jan 2"

	f := e.Extract(body, "Booking confirmed", true)
	require.NotNil(t, f)
	assert.Equal(t, day(2026, 12, 30), *f.CheckIn)
	assert.Equal(t, day(2027, 1, 2), *f.CheckOut)
}

func TestExtract_NameAbsentStaysNil(t *testing.T) {
	e := &Extractor{Now: fixedNow}
	body := "Guest: Reserved\nCheck-in: 2026-03-12 Check-out: 2026-03-15"

	f := e.Extract(body, "Reservation confirmed", true)
	require.NotNil(t, f)
	assert.Nil(t, f.GuestName)
	assert.Nil(t, f.GuestCount)
	assert.Equal(t, ConfidenceLow, f.Confidence)
}

func TestExtract_SubjectCodePreferred(t *testing.T) {
	e := &Extractor{Now: fixedNow}
	f := e.Extract("Confirmation code: ZZZZ99999", "New booking #HMABCDEF12", true)
	require.NotNil(t, f)
	assert.Equal(t, "HMABCDEF12", *f.ConfirmationCode)
	assert.Equal(t, "subject", f.Raw["code_source"])
}

func TestExtract_NonCandidateReturnsNil(t *testing.T) {
	e := &Extractor{Now: fixedNow}
	assert.Nil(t, e.Extract("Is parking available?", "Nora sent you a message", false))
}

func TestExtract_NothingFound(t *testing.T) {
	e := &Extractor{Now: fixedNow}
	assert.Nil(t, e.Extract("thanks", "Booking confirmed", true))
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"Nora Weber arrives Mar 12", "Nora Weber", true},
		{"Nora Weber for 3 nights", "Nora Weber", true},
		{"Booking: Jean-Luc Picard", "Jean-Luc Picard", true},
		{"  O'Brien, Miles ", "O'Brien, Miles", true},
		{"Guest", "", false},
		{"reserved", "", false},
		{"Not available", "", false},
		{"Airbnb", "", false},
		{"N/A", "", false},
		{"J", "", false},
		{"2 Adults", "", false},
		{"Room 2026", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := CleanName(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindDates_Formats(t *testing.T) {
	tests := []struct {
		text string
		want time.Time
	}{
		{"on 2026-03-12", day(2026, 3, 12)},
		{"on 03/12/2026", day(2026, 3, 12)},
		{"on March 12, 2026", day(2026, 3, 12)},
		{"on Thu, Mar 12", day(2026, 3, 12)},
		{"on 12 March 2026", day(2026, 3, 12)},
		{"on 12th Sept", day(2026, 9, 12)},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := findDates(tt.text, 2026)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].t)
		})
	}
	assert.Empty(t, findDates("on 2026-02-30", 2026))
}

func TestValidate(t *testing.T) {
	in, out := day(2026, 3, 12), day(2026, 3, 15)
	name := func(s string) *string { return &s }
	count := func(n int) *int { return &n }

	tests := []struct {
		name   string
		fact   *Fact
		reason string
	}{
		{"valid", &Fact{CheckIn: &in, CheckOut: &out, GuestName: name("Nora Weber"), GuestCount: count(2), ConfirmationCode: name("B16389402")}, ""},
		{"count zero", &Fact{GuestCount: count(0)}, RejectCountOutOfRange},
		{"count too high", &Fact{GuestCount: count(31)}, RejectCountOutOfRange},
		{"placeholder", &Fact{GuestName: name("Reserved")}, RejectPlaceholderName},
		{"masked", &Fact{GuestName: name("J***")}, RejectPlaceholderName},
		{"billing", &Fact{GuestName: name("Payment Team")}, RejectBillingName},
		{"inverted dates", &Fact{CheckIn: &out, CheckOut: &in}, RejectDatesInverted},
		{"same day", &Fact{CheckIn: &in, CheckOut: &in}, RejectDatesInverted},
		{"short code", &Fact{ConfirmationCode: name("ABC123")}, RejectBadCode},
		{"long code", &Fact{ConfirmationCode: name("ABCDEFGHIJKLMNOP")}, RejectBadCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.fact)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			var rej *RejectionError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.reason, rej.Reason)
		})
	}
}

func TestNormalizeBody(t *testing.T) {
	assert.Equal(t, "Guest: Nora\nCheck-in: Mar 12", NormalizeBody("  Guest:   Nora \r\nCheck-in: Mar 12 ", ""))

	htmlBody := `<html><head><style>p{}</style></head><body><p>Guest: <b>Nora&nbsp;Weber</b></p><div>2 guests</div><script>x()</script></body></html>`
	got := NormalizeBody("", htmlBody)
	assert.Contains(t, got, "Guest: Nora Weber")
	assert.Contains(t, got, "2 guests")
	assert.NotContains(t, got, "x()")
	assert.NotContains(t, got, "p{}")
}
