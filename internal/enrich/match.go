package enrich

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/uuid"

	"staycal/internal/model"
	"staycal/internal/store"
)

// MinCodeLength is the shortest confirmation code trusted for matching.
const MinCodeLength = 6

// Result is the verdict of Match. At most one of Booking and Ambiguous is set.
type Result struct {
	Booking *model.Booking
	Reason  string

	// Ambiguous is set when date hits span several properties.
	Ambiguous bool
	// Duplicate is set when several bookings on one property matched and
	// the first was taken.
	Duplicate  bool
	Candidates []*model.Booking
}

// Matched reports whether a booking was chosen.
func (r Result) Matched() bool { return r.Booking != nil }

// CandidateIDs lists the IDs of the competing bookings.
func (r Result) CandidateIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Candidates))
	for _, b := range r.Candidates {
		ids = append(ids, b.ID)
	}
	return ids
}

// Match applies the shared policy to a fact and the bookings it may enrich:
// a unique confirmation-code hit wins, then a unique check-in date hit.
// Date hits on more than one property are ambiguous and never guessed.
// Several hits on one property pick the first by check-in, created-at, ID.
func Match(fact *model.ReservationFact, bookings []*model.Booking) Result {
	pool := bookings

	if code := fact.Code(); len(code) >= MinCodeLength {
		var hits []*model.Booking
		for _, b := range bookings {
			if HasCode(b, code) {
				hits = append(hits, b)
			}
		}
		if len(hits) == 1 {
			return Result{Booking: hits[0], Reason: model.ReasonConfirmationCode}
		}
		if len(hits) > 1 {
			pool = hits
		}
	}

	if fact.CheckIn == nil {
		return Result{}
	}

	var hits []*model.Booking
	for _, b := range pool {
		if model.SameDay(b.CheckIn, *fact.CheckIn) {
			hits = append(hits, b)
		}
	}

	switch {
	case len(hits) == 0:
		return Result{}
	case len(hits) == 1:
		return Result{Booking: hits[0], Reason: model.ReasonCheckInDate}
	case spansProperties(hits):
		return Result{Ambiguous: true, Candidates: hits}
	default:
		sorted := append([]*model.Booking(nil), hits...)
		store.SortBookings(sorted)
		return Result{Booking: sorted[0], Reason: model.ReasonSamePropertyDuplicate, Duplicate: true, Candidates: sorted}
	}
}

// HasCode reports whether the booking carries the code, in its own field
// or anywhere in the raw feed payload.
func HasCode(b *model.Booking, code string) bool {
	if b.ConfirmationCode != "" && strings.EqualFold(b.ConfirmationCode, code) {
		return true
	}
	return len(b.RawPayload) > 0 && bytes.Contains(bytes.ToUpper(b.RawPayload), []byte(strings.ToUpper(code)))
}

func spansProperties(bs []*model.Booking) bool {
	for _, b := range bs[1:] {
		if b.PropertyID != bs[0].PropertyID {
			return true
		}
	}
	return false
}

// EventResult is the verdict of MatchEvent.
type EventResult struct {
	Fact       *model.ReservationFact
	Reason     string
	Ambiguous  bool
	Candidates []*model.ReservationFact
}

// MatchEvent finds the fact for an incoming feed event: facts whose code
// appears in the event text, else facts whose dates equal the event's.
// Anything but exactly one hit leaves the event unenriched.
func MatchEvent(text string, checkIn, checkOut time.Time, facts []*model.ReservationFact) EventResult {
	upper := strings.ToUpper(text)

	var codeHits []*model.ReservationFact
	for _, f := range facts {
		if code := f.Code(); len(code) >= MinCodeLength && strings.Contains(upper, strings.ToUpper(code)) {
			codeHits = append(codeHits, f)
		}
	}
	switch len(codeHits) {
	case 0:
	case 1:
		return EventResult{Fact: codeHits[0], Reason: model.ReasonConfirmationCode}
	default:
		return EventResult{Ambiguous: true, Candidates: codeHits}
	}

	var dateHits []*model.ReservationFact
	for _, f := range facts {
		if f.CheckIn != nil && f.CheckOut != nil &&
			model.SameDay(*f.CheckIn, checkIn) && model.SameDay(*f.CheckOut, checkOut) {
			dateHits = append(dateHits, f)
		}
	}
	switch len(dateHits) {
	case 0:
		return EventResult{}
	case 1:
		return EventResult{Fact: dateHits[0], Reason: model.ReasonExactDates}
	default:
		return EventResult{Ambiguous: true, Candidates: dateHits}
	}
}

// FactIDs lists the IDs of the competing facts.
func (r EventResult) FactIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Candidates))
	for _, f := range r.Candidates {
		ids = append(ids, f.ID)
	}
	return ids
}
