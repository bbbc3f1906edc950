package reconcile

import (
	"regexp"

	"github.com/google/uuid"

	"staycal/internal/model"
)

var (
	// Synthetic blocks that providers put on the calendar by themselves.
	providerBlockRe = regexp.MustCompile(`(?i)\b(?:not available|unavailable|closed period)\b`)
	// Anonymized guest labels ("Reserved", "Guest", masked names) never match.
	holdKeywordRe = regexp.MustCompile(`(?i)^\W*(?:hold|on hold|blocked|block|owner(?:\s+(?:stay|block|hold))?|maintenance|tentative|closed)\b|\b(?:not available|unavailable|closed period)\b`)
)

func unenriched(b *model.Booking) bool {
	return !b.IsManuallyResolved() && b.EnrichedFactID == nil
}

// isHold reports whether a booking is a block rather than a guest stay.
func isHold(b *model.Booking) bool {
	return unenriched(b) && holdKeywordRe.MatchString(b.GuestName)
}

func isProviderBlock(b *model.Booking) bool {
	return unenriched(b) && providerBlockRe.MatchString(b.GuestName)
}

type daySet map[uuid.UUID]map[string]bool

func (s daySet) add(property uuid.UUID, key string) {
	if s[property] == nil {
		s[property] = map[string]bool{}
	}
	s[property][key] = true
}

func (s daySet) has(property uuid.UUID, key string) bool {
	return s[property][key]
}

// coversAll reports whether every occupied day of b is in the set. A
// booking without days is never covered.
func (s daySet) coversAll(b *model.Booking) bool {
	days := model.EachDay(b.CheckIn, b.CheckOut)
	if len(days) == 0 {
		return false
	}
	for _, d := range days {
		if !s.has(b.PropertyID, model.DayKey(d)) {
			return false
		}
	}
	return true
}

func occupiedDays(bs []*model.Booking, keep func(*model.Booking) bool) daySet {
	s := daySet{}
	for _, b := range bs {
		if !keep(b) {
			continue
		}
		for _, d := range model.EachDay(b.CheckIn, b.CheckOut) {
			s.add(b.PropertyID, model.DayKey(d))
		}
	}
	return s
}

func isReal(b *model.Booking) bool { return !isHold(b) }

// suppressGenericBlocks drops provider blocks whose every day is already
// occupied by a real booking on the same property.
func suppressGenericBlocks(bs []*model.Booking) ([]*model.Booking, int) {
	covered := occupiedDays(bs, isReal)
	kept := make([]*model.Booking, 0, len(bs))
	dropped := 0
	for _, b := range bs {
		if isProviderBlock(b) && covered.coversAll(b) {
			dropped++
			continue
		}
		kept = append(kept, b)
	}
	return kept, dropped
}

// suppressPolicyBuffers drops provider blocks that are exactly the
// property's pre or post cleaning buffer next to a real booking. The pass
// synthesizes its own cleaning days instead.
func suppressPolicyBuffers(bs []*model.Booking, policies map[uuid.UUID]model.CleaningPolicy) ([]*model.Booking, int) {
	kept := make([]*model.Booking, 0, len(bs))
	dropped := 0
	for _, b := range bs {
		if isProviderBlock(b) && isPolicyBuffer(b, bs, policies[b.PropertyID]) {
			dropped++
			continue
		}
		kept = append(kept, b)
	}
	return kept, dropped
}

func isPolicyBuffer(block *model.Booking, bs []*model.Booking, p model.CleaningPolicy) bool {
	if !p.Active() {
		return false
	}
	n := model.DaysBetween(block.CheckIn, block.CheckOut)
	for _, r := range bs {
		if r.PropertyID != block.PropertyID || !isReal(r) {
			continue
		}
		if p.PreDays > 0 && n == p.PreDays && model.SameDay(block.CheckOut, r.CheckIn) {
			return true
		}
		if p.PostDays > 0 && n == p.PostDays && model.SameDay(block.CheckIn, r.CheckOut) {
			return true
		}
	}
	return false
}

// synthesizeCleaning emits one pseudo-event per pre and post day of every
// non-hold booking, skipping days another booking occupies. Days are
// unique per property. The returned set holds every synthesized day.
func synthesizeCleaning(bs []*model.Booking, policies map[uuid.UUID]model.CleaningPolicy) ([]Entry, daySet) {
	occupied := occupiedDays(bs, isReal)
	made := daySet{}
	var out []Entry

	emit := func(b *model.Booking, d, phase string) {
		if occupied.has(b.PropertyID, d) || made.has(b.PropertyID, d) {
			return
		}
		made.add(b.PropertyID, d)
		day, _ := model.ParseDay(d)
		start := model.Noon(day)
		id := b.ID
		out = append(out, Entry{
			Kind:        KindCleaning,
			BookingID:   &id,
			WorkspaceID: b.WorkspaceID,
			PropertyID:  b.PropertyID,
			Start:       start,
			End:         start.AddDate(0, 0, 1),
			Phase:       phase,
			Display:     Display{Label: "Cleaning", Source: DisplayUnenriched},
		})
	}

	for _, b := range bs {
		p := policies[b.PropertyID]
		if !p.Active() || isHold(b) {
			continue
		}
		in, outDay := model.Day(b.CheckIn), model.Day(b.CheckOut)
		for i := p.PreDays; i >= 1; i-- {
			emit(b, model.DayKey(in.AddDate(0, 0, -i)), PhasePre)
		}
		for i := 0; i < p.PostDays; i++ {
			emit(b, model.DayKey(outDay.AddDate(0, 0, i)), PhasePost)
		}
	}
	return out, made
}

// suppressResidualHolds drops holds made redundant by cleaning windows:
// on a property with an active policy, or fully inside synthesized days.
// Provider blocks already went through the buffer stage and stay.
func suppressResidualHolds(bs []*model.Booking, policies map[uuid.UUID]model.CleaningPolicy, cleaning daySet) ([]*model.Booking, int) {
	kept := make([]*model.Booking, 0, len(bs))
	dropped := 0
	for _, b := range bs {
		if isHold(b) && !isProviderBlock(b) &&
			(policies[b.PropertyID].Active() || cleaning.coversAll(b)) {
			dropped++
			continue
		}
		kept = append(kept, b)
	}
	return kept, dropped
}

// mask nulls the fields the grant does not allow. It runs after every
// suppression decision.
func mask(e *Entry, g model.Grant) {
	if !g.CanViewGuestName {
		e.GuestName, e.GuestFirstName, e.GuestLastInitial = nil, nil, nil
		if e.Kind == KindBooking && !e.Hold {
			e.Display.Label = MaskedLabel
		}
	}
	if !g.CanViewGuestCount {
		e.GuestCount = nil
	}
	if !g.CanViewNotes {
		e.Notes = nil
	}
}
