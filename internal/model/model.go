package model

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Booking status values.
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
)

// Match reasons recorded on enriched bookings.
const (
	ReasonConfirmationCode      = "confirmation_code"
	ReasonCheckInDate           = "check_in_date"
	ReasonExactDates            = "exact_dates"
	ReasonSamePropertyDuplicate = "same_property_duplicate"
)

// Review item status values.
const (
	ReviewPending  = "pending"
	ReviewResolved = "resolved"
	ReviewRejected = "rejected"
)

// Raw message processing status values.
const (
	MessagePending  = "pending"
	MessageFact     = "fact"
	MessageSkipped  = "skipped"
	MessageRejected = "rejected"
)

// Ambiguity kinds.
const (
	AmbiguityMultiProperty         = "multi_property_date_collision"
	AmbiguitySamePropertyDuplicate = "same_property_duplicate"
	AmbiguityMultipleFacts         = "multiple_facts_for_event"
)

// CleaningPolicy holds the turnover buffer around each stay, in whole days.
type CleaningPolicy struct {
	PreDays  int `json:"cleaning_pre_days"`
	PostDays int `json:"cleaning_post_days"`
}

// Active reports whether the policy asks for any cleaning days at all.
func (p CleaningPolicy) Active() bool {
	return p.PreDays > 0 || p.PostDays > 0
}

// Property is a rentable unit. Only the fields the calendar core needs are kept.
type Property struct {
	ID          uuid.UUID      `json:"id"`
	WorkspaceID uuid.UUID      `json:"workspace_id"`
	Name        string         `json:"name"`
	Cleaning    CleaningPolicy `json:"cleaning"`
}

// FeedDiagnostics is the last-attempt snapshot an operator uses to see why a
// feed produced what it did.
type FeedDiagnostics struct {
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	HTTPStatus   int        `json:"http_status"`
	ContentType  string     `json:"content_type"`
	FinalURL     string     `json:"final_url"`
	BodySnippet  string     `json:"body_snippet"`
	EventCount   int        `json:"event_count"`
	BookingCount int        `json:"booking_count"`
	Error        string     `json:"error,omitempty"`
}

// CalendarFeed is one inbound iCal subscription for a property.
type CalendarFeed struct {
	ID          uuid.UUID       `json:"id"`
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	PropertyID  uuid.UUID       `json:"property_id"`
	URL         string          `json:"url"`
	SourceLabel string          `json:"source_label"`
	SourceType  string          `json:"source_type"`
	Active      bool            `json:"active"`
	Diagnostics FeedDiagnostics `json:"diagnostics"`
}

// MailboxConnection is a labeled mailbox whose confirmation mails feed facts
// into a workspace. PropertyIDs bounds which bookings its facts may enrich.
type MailboxConnection struct {
	ID          uuid.UUID   `json:"id"`
	WorkspaceID uuid.UUID   `json:"workspace_id"`
	Label       string      `json:"label"`
	Color       string      `json:"color,omitempty"`
	Active      bool        `json:"active"`
	PropertyIDs []uuid.UUID `json:"property_ids"`
}

// LinksProperty reports whether the connection is linked to the property.
func (c *MailboxConnection) LinksProperty(id uuid.UUID) bool {
	for _, p := range c.PropertyIDs {
		if p == id {
			return true
		}
	}
	return false
}

// RawMessage is a fetched mailbox message kept for (re)processing.
type RawMessage struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	MessageID    string    `json:"message_id"`
	Subject      string    `json:"subject"`
	Snippet      string    `json:"snippet"`
	Body         string    `json:"body"`
	ReceivedAt   time.Time `json:"received_at"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
}

// ReservationFact is a guest-identity claim parsed from a message. Its dates
// are advisory until it is matched to a booking.
type ReservationFact struct {
	ID               uuid.UUID      `json:"id"`
	WorkspaceID      uuid.UUID      `json:"workspace_id"`
	ConnectionID     uuid.UUID      `json:"connection_id"`
	SourceMessageID  string         `json:"source_message_id"`
	CheckIn          *time.Time     `json:"check_in,omitempty"`
	CheckOut         *time.Time     `json:"check_out,omitempty"`
	GuestName        *string        `json:"guest_name,omitempty"`
	GuestCount       *int           `json:"guest_count,omitempty"`
	ConfirmationCode *string        `json:"confirmation_code,omitempty"`
	Confidence       float64        `json:"confidence"`
	Raw              map[string]any `json:"raw,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	// RetractedAt is set when its message no longer yields a fact. Bookings
	// already enriched from it keep their values.
	RetractedAt *time.Time `json:"retracted_at,omitempty"`
}

// Name returns the guest name or "".
func (f *ReservationFact) Name() string {
	if f.GuestName == nil {
		return ""
	}
	return *f.GuestName
}

// Code returns the confirmation code or "".
func (f *ReservationFact) Code() string {
	if f.ConfirmationCode == nil {
		return ""
	}
	return *f.ConfirmationCode
}

// Booking is the authoritative occupancy record sourced from a feed.
type Booking struct {
	ID               uuid.UUID `json:"id"`
	PropertyID       uuid.UUID `json:"property_id"`
	WorkspaceID      uuid.UUID `json:"workspace_id"`
	FeedID           uuid.UUID `json:"feed_id"`
	ExternalUID      string    `json:"external_uid"`
	CheckIn          time.Time `json:"check_in"`
	CheckOut         time.Time `json:"check_out"`
	GuestName        string    `json:"guest_name"`
	GuestFirstName   string    `json:"guest_first_name"`
	GuestLastInitial string    `json:"guest_last_initial"`
	GuestCount       *int      `json:"guest_count,omitempty"`
	ConfirmationCode string    `json:"confirmation_code,omitempty"`
	Status           string    `json:"status"`
	Platform         string    `json:"platform"`
	Active           bool      `json:"active"`

	ManualConnectionID *uuid.UUID `json:"manual_connection_id,omitempty"`
	ManualGuestName    *string    `json:"manual_guest_name,omitempty"`
	ManualGuestCount   *int       `json:"manual_guest_count,omitempty"`
	ManualNotes        *string    `json:"manual_notes,omitempty"`
	ManualResolvedAt   *time.Time `json:"manual_resolved_at,omitempty"`

	EnrichedFactID *uuid.UUID `json:"enriched_fact_id,omitempty"`
	MatchReason    string     `json:"match_reason,omitempty"`

	// RawPayload is the source event as received; diagnostics only.
	RawPayload []byte `json:"-"`

	LastSyncedAt time.Time `json:"last_synced_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsManuallyResolved reports whether a human override is in place.
func (b *Booking) IsManuallyResolved() bool {
	return b.ManualResolvedAt != nil
}

// Clone returns a deep copy.
func (b *Booking) Clone() *Booking {
	c := *b
	c.GuestCount = cloneInt(b.GuestCount)
	c.ManualGuestCount = cloneInt(b.ManualGuestCount)
	if b.ManualConnectionID != nil {
		id := *b.ManualConnectionID
		c.ManualConnectionID = &id
	}
	if b.ManualGuestName != nil {
		s := *b.ManualGuestName
		c.ManualGuestName = &s
	}
	if b.ManualNotes != nil {
		s := *b.ManualNotes
		c.ManualNotes = &s
	}
	if b.ManualResolvedAt != nil {
		t := *b.ManualResolvedAt
		c.ManualResolvedAt = &t
	}
	if b.EnrichedFactID != nil {
		id := *b.EnrichedFactID
		c.EnrichedFactID = &id
	}
	if b.RawPayload != nil {
		c.RawPayload = append([]byte(nil), b.RawPayload...)
	}
	return &c
}

// EnrichmentReviewItem is a confident fact with nothing in the calendar to
// attach to, waiting for a human.
type EnrichmentReviewItem struct {
	ID              uuid.UUID      `json:"id"`
	WorkspaceID     uuid.UUID      `json:"workspace_id"`
	ConnectionID    uuid.UUID      `json:"connection_id"`
	SourceMessageID string         `json:"source_message_id"`
	FactID          *uuid.UUID     `json:"fact_id,omitempty"`
	Snapshot        map[string]any `json:"snapshot"`
	Status          string         `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AmbiguityEvent records a match that was deliberately not guessed.
type AmbiguityEvent struct {
	ID           uuid.UUID   `json:"id"`
	WorkspaceID  uuid.UUID   `json:"workspace_id"`
	Kind         string      `json:"kind"`
	FeedID       *uuid.UUID  `json:"feed_id,omitempty"`
	FactID       *uuid.UUID  `json:"fact_id,omitempty"`
	ExternalUID  string      `json:"external_uid,omitempty"`
	CandidateIDs []uuid.UUID `json:"candidate_ids"`
	Detail       string      `json:"detail"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Fingerprint identifies the situation an event describes: the same kind
// of ambiguity for the same feed event or fact over the same candidates.
// Detail and time are not part of it.
func (e *AmbiguityEvent) Fingerprint() string {
	ids := make([]string, len(e.CandidateIDs))
	for i, id := range e.CandidateIDs {
		ids[i] = id.String()
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var feed, fact string
	if e.FeedID != nil {
		feed = e.FeedID.String()
	}
	if e.FactID != nil {
		fact = e.FactID.String()
	}
	return strings.Join([]string{e.Kind, feed, fact, e.ExternalUID, strings.Join(ids, ",")}, "|")
}

// SyncLogEntry is appended when a feed sync changed at least one booking.
type SyncLogEntry struct {
	ID          uuid.UUID `json:"id"`
	FeedID      uuid.UUID `json:"feed_id"`
	At          time.Time `json:"at"`
	EventCount  int       `json:"event_count"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Deactivated int       `json:"deactivated"`
}

// Grant is a caller's permission set within one workspace.
type Grant struct {
	WorkspaceID       uuid.UUID   `json:"workspace_id"`
	PropertyIDs       []uuid.UUID `json:"property_ids,omitempty"`
	CanViewGuestName  bool        `json:"can_view_guest_name"`
	CanViewGuestCount bool        `json:"can_view_guest_count"`
	CanViewNotes      bool        `json:"can_view_notes"`
}

// AllowsProperty reports whether the grant covers the property. An empty
// PropertyIDs list covers the whole workspace.
func (g Grant) AllowsProperty(id uuid.UUID) bool {
	if len(g.PropertyIDs) == 0 {
		return true
	}
	for _, p := range g.PropertyIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Caller identifies who is asking and what they may see.
type Caller struct {
	Username string  `json:"username"`
	Grants   []Grant `json:"grants"`
}

// Grant returns the caller's grant for a workspace.
func (c Caller) Grant(workspaceID uuid.UUID) (Grant, bool) {
	for _, g := range c.Grants {
		if g.WorkspaceID == workspaceID {
			return g, true
		}
	}
	return Grant{}, false
}

// WorkspaceIDs lists the workspaces the caller has any grant in.
func (c Caller) WorkspaceIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.Grants))
	for _, g := range c.Grants {
		out = append(out, g.WorkspaceID)
	}
	return out
}

// DisplayGuestCount is the one place an unknown guest count becomes 1.
func DisplayGuestCount(n *int) int {
	if n == nil || *n < 1 {
		return 1
	}
	return *n
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr and StringPtr are small helpers for optional fields.
func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }
