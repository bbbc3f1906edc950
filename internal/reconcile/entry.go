package reconcile

import (
	"time"

	"github.com/google/uuid"

	"staycal/internal/model"
)

// EntryKind tells bookings from synthesized cleaning days.
type EntryKind string

const (
	KindBooking  EntryKind = "booking"
	KindCleaning EntryKind = "cleaning"
)

// Cleaning phases.
const (
	PhasePre  = "pre"
	PhasePost = "post"
)

// Display sources, in precedence order.
const (
	DisplayManual           = "manual"
	DisplayConfirmationCode = "confirmation_code"
	DisplayDateWindow       = "date_window"
	DisplayUnenriched       = "unenriched"
)

// MaskedLabel stands in for a guest name the caller may not see.
const MaskedLabel = "Booked"

// Display is what a consumer shows for an entry.
type Display struct {
	Label        string     `json:"label"`
	Color        string     `json:"color,omitempty"`
	Source       string     `json:"source"`
	ConnectionID *uuid.UUID `json:"connection_id,omitempty"`
}

// Entry is one calendar row: a booking or a cleaning pseudo-event. Guest
// fields are pointers so masking yields null rather than "".
type Entry struct {
	Kind        EntryKind  `json:"kind"`
	BookingID   *uuid.UUID `json:"booking_id,omitempty"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	PropertyID  uuid.UUID  `json:"property_id"`
	FeedID      *uuid.UUID `json:"feed_id,omitempty"`
	FeedName    string     `json:"feed_name,omitempty"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	GuestName        *string `json:"guest_name"`
	GuestFirstName   *string `json:"guest_first_name"`
	GuestLastInitial *string `json:"guest_last_initial"`
	GuestCount       *int    `json:"guest_count"`
	Notes            *string `json:"notes"`

	Status     string `json:"status,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Hold       bool   `json:"hold"`
	Phase      string `json:"phase,omitempty"`
	Provenance string `json:"provenance,omitempty"`

	Display Display `json:"display"`
}

// Lookup holds the tables one pass needs. It is built per request and
// never kept between requests.
type Lookup struct {
	Properties       map[uuid.UUID]*model.Property
	FeedNames        map[uuid.UUID]string
	ConnectionColors map[uuid.UUID]string
	Facts            map[uuid.UUID]*model.ReservationFact
}

// Suppression counters.
const (
	SuppressedGenericBlock = "generic_block"
	SuppressedPolicyBuffer = "policy_buffer"
	SuppressedResidualHold = "residual_hold"
)

// Result is the reconciled calendar for one query.
type Result struct {
	Start      time.Time                          `json:"start"`
	End        time.Time                          `json:"end"`
	Entries    []Entry                            `json:"entries"`
	Policies   map[uuid.UUID]model.CleaningPolicy `json:"policies"`
	Suppressed map[string]int                     `json:"suppressed"`
}
