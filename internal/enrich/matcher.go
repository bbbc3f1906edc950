package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	appLog "staycal/internal/log"
	"staycal/internal/model"
	"staycal/internal/store"
)

// Repository is the slice of the store the matcher needs.
type Repository interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*model.MailboxConnection, error)
	ListActiveByProperties(ctx context.Context, propertyIDs []uuid.UUID) ([]*model.Booking, error)
	ApplyEnrichment(ctx context.Context, bookingID uuid.UUID, e store.Enrichment) error
	SyncDates(ctx context.Context, factID uuid.UUID, checkIn, checkOut time.Time) error
	CreateReviewItem(ctx context.Context, item *model.EnrichmentReviewItem) (bool, error)
	RecordAmbiguity(ctx context.Context, e *model.AmbiguityEvent) (bool, error)
}

// Outcome reports what Apply did for one fact.
type Outcome struct {
	BookingID     *uuid.UUID
	Reason        string
	DatesSynced   bool
	NameUpdated   bool
	Linked        bool
	Ambiguous     bool
	ReviewCreated bool
}

// Matcher applies Match against the store.
type Matcher struct {
	repo Repository
}

func NewMatcher(repo Repository) *Matcher {
	return &Matcher{repo: repo}
}

// Apply matches one fact against the active bookings of its connection's
// linked properties and writes the consequences: fact date sync, the
// gated name update, ambiguity events and review items. Property
// assignment is never touched.
func (m *Matcher) Apply(ctx context.Context, fact *model.ReservationFact) (*Outcome, error) {
	conn, err := m.repo.GetConnection(ctx, fact.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %s: %w", fact.ConnectionID, err)
	}

	var candidates []*model.Booking
	if len(conn.PropertyIDs) > 0 {
		candidates, err = m.repo.ListActiveByProperties(ctx, conn.PropertyIDs)
		if err != nil {
			return nil, fmt.Errorf("load candidate bookings: %w", err)
		}
	}

	res := Match(fact, candidates)
	out := &Outcome{Reason: res.Reason}

	if res.Ambiguous {
		out.Ambiguous = true
		factID := fact.ID
		ev := &model.AmbiguityEvent{
			WorkspaceID:  fact.WorkspaceID,
			Kind:         model.AmbiguityMultiProperty,
			FactID:       &factID,
			CandidateIDs: res.CandidateIDs(),
			Detail:       "check-in " + model.DayKey(*fact.CheckIn) + " matches bookings on several properties",
		}
		created, err := m.repo.RecordAmbiguity(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("record ambiguity: %w", err)
		}
		if created {
			appLog.Warn("enrichment ambiguous", "fact_id", fact.ID, "candidates", len(res.Candidates))
		}
		return out, nil
	}

	if !res.Matched() {
		created, err := m.queueForReview(ctx, fact)
		if err != nil {
			return nil, err
		}
		out.ReviewCreated = created
		return out, nil
	}

	b := res.Booking
	id := b.ID
	out.BookingID = &id

	if res.Duplicate && !linkedTo(b, fact.ID) {
		factID := fact.ID
		ev := &model.AmbiguityEvent{
			WorkspaceID:  fact.WorkspaceID,
			Kind:         model.AmbiguitySamePropertyDuplicate,
			FactID:       &factID,
			CandidateIDs: res.CandidateIDs(),
			Detail:       "several bookings on one property share check-in " + model.DayKey(b.CheckIn) + "; first taken",
		}
		if _, err := m.repo.RecordAmbiguity(ctx, ev); err != nil {
			return nil, fmt.Errorf("record ambiguity: %w", err)
		}
	}

	// iCal stays authoritative for dates once matched, whatever happens to
	// the name below.
	synced, err := m.syncFactDates(ctx, fact, b)
	if err != nil {
		return nil, err
	}
	out.DatesSynced = synced

	if b.IsManuallyResolved() {
		return out, nil
	}

	if NameUpgradeAllowed(b.GuestName, fact.Name()) {
		first, initial := model.SplitName(fact.Name())
		err := m.repo.ApplyEnrichment(ctx, b.ID, store.Enrichment{
			GuestName:        fact.Name(),
			GuestFirstName:   first,
			GuestLastInitial: initial,
			GuestCount:       fact.GuestCount,
			FactID:           fact.ID,
			Reason:           res.Reason,
		})
		if err != nil {
			return nil, fmt.Errorf("apply enrichment to booking %s: %w", b.ID, err)
		}
		out.NameUpdated = true
		out.Linked = true
		appLog.Info("booking enriched", "booking_id", b.ID, "fact_id", fact.ID, "reason", res.Reason)
		return out, nil
	}

	if b.EnrichedFactID == nil {
		err := m.repo.ApplyEnrichment(ctx, b.ID, store.Enrichment{
			GuestName:        b.GuestName,
			GuestFirstName:   b.GuestFirstName,
			GuestLastInitial: b.GuestLastInitial,
			FactID:           fact.ID,
			Reason:           res.Reason,
		})
		if err != nil {
			return nil, fmt.Errorf("link fact to booking %s: %w", b.ID, err)
		}
		out.Linked = true
	}
	return out, nil
}

// NameUpgradeAllowed is the name-update gate: the booking's current name
// must be empty or a placeholder, and the fact's name must be real.
func NameUpgradeAllowed(current, candidate string) bool {
	if candidate == "" || model.IsPlaceholderName(candidate) {
		return false
	}
	return current == "" || model.IsPlaceholderName(current)
}

func linkedTo(b *model.Booking, factID uuid.UUID) bool {
	return b.EnrichedFactID != nil && *b.EnrichedFactID == factID
}

func (m *Matcher) syncFactDates(ctx context.Context, fact *model.ReservationFact, b *model.Booking) (bool, error) {
	in, out := model.Day(b.CheckIn), model.Day(b.CheckOut)
	if !in.Before(out) {
		return false, nil
	}
	if fact.CheckIn != nil && fact.CheckOut != nil && fact.CheckIn.Equal(in) && fact.CheckOut.Equal(out) {
		return false, nil
	}
	if err := m.repo.SyncDates(ctx, fact.ID, in, out); err != nil {
		return false, fmt.Errorf("sync fact %s dates: %w", fact.ID, err)
	}
	fact.CheckIn, fact.CheckOut = &in, &out
	return true, nil
}

// queueForReview creates a review item for a confident fact with nothing
// to attach to. It is idempotent per (workspace, connection, message).
func (m *Matcher) queueForReview(ctx context.Context, fact *model.ReservationFact) (bool, error) {
	if fact.Code() == "" || fact.Name() == "" || fact.CheckIn == nil {
		return false, nil
	}
	factID := fact.ID
	item := &model.EnrichmentReviewItem{
		WorkspaceID:     fact.WorkspaceID,
		ConnectionID:    fact.ConnectionID,
		SourceMessageID: fact.SourceMessageID,
		FactID:          &factID,
		Snapshot:        Snapshot(fact),
		Status:          model.ReviewPending,
	}
	created, err := m.repo.CreateReviewItem(ctx, item)
	if err != nil {
		return false, fmt.Errorf("create review item: %w", err)
	}
	if created {
		appLog.Info("fact queued for review", "fact_id", fact.ID, "message_id", fact.SourceMessageID)
	}
	return created, nil
}

// Snapshot is the extracted data shown to a reviewer.
func Snapshot(f *model.ReservationFact) map[string]any {
	s := map[string]any{
		"guest_name":        f.Name(),
		"confirmation_code": f.Code(),
		"confidence":        f.Confidence,
	}
	if f.CheckIn != nil {
		s["check_in"] = model.DayKey(*f.CheckIn)
	}
	if f.CheckOut != nil {
		s["check_out"] = model.DayKey(*f.CheckOut)
	}
	if f.GuestCount != nil {
		s["guest_count"] = *f.GuestCount
	}
	return s
}
