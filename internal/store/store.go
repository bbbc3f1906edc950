package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"staycal/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrDuplicate = errors.New("duplicate")
)

// PropertyRepository holds rentable units seeded from configuration.
type PropertyRepository interface {
	UpsertProperty(ctx context.Context, p *model.Property) error
	GetProperty(ctx context.Context, id uuid.UUID) (*model.Property, error)
	ListProperties(ctx context.Context, workspaceIDs []uuid.UUID) ([]*model.Property, error)
}

// FeedRepository holds calendar subscriptions and their diagnostics.
type FeedRepository interface {
	UpsertFeed(ctx context.Context, f *model.CalendarFeed) error
	GetFeed(ctx context.Context, id uuid.UUID) (*model.CalendarFeed, error)
	ListFeeds(ctx context.Context, workspaceIDs []uuid.UUID) ([]*model.CalendarFeed, error)
	SaveDiagnostics(ctx context.Context, feedID uuid.UUID, d model.FeedDiagnostics) error
}

// ConnectionRepository holds mailbox connections.
type ConnectionRepository interface {
	UpsertConnection(ctx context.Context, c *model.MailboxConnection) error
	GetConnection(ctx context.Context, id uuid.UUID) (*model.MailboxConnection, error)
	ListConnections(ctx context.Context, workspaceID uuid.UUID) ([]*model.MailboxConnection, error)
}

// MessageRepository holds raw mailbox messages.
type MessageRepository interface {
	// InsertMessage returns ErrDuplicate when the message is already stored.
	InsertMessage(ctx context.Context, m *model.RawMessage) error
	StoredMessageIDs(ctx context.Context, connectionID uuid.UUID) (map[string]struct{}, error)
	// ListMessages returns messages of a connection; an empty status lists all.
	ListMessages(ctx context.Context, connectionID uuid.UUID, status string) ([]*model.RawMessage, error)
	SetMessageStatus(ctx context.Context, connectionID uuid.UUID, messageID, status, reason string) error
}

// FactRepository holds reservation facts.
type FactRepository interface {
	// UpsertFact inserts or supersedes the fact for (connection, source
	// message id). An existing fact keeps its ID and CreatedAt.
	UpsertFact(ctx context.Context, f *model.ReservationFact) error
	// RetractFact marks the fact of (connection, source message id) as
	// retracted; retracted reports whether a live fact was found.
	RetractFact(ctx context.Context, connectionID uuid.UUID, messageID string) (retracted bool, err error)
	GetFact(ctx context.Context, id uuid.UUID) (*model.ReservationFact, error)
	// ListFacts returns the workspace's facts that are not retracted.
	ListFacts(ctx context.Context, workspaceID uuid.UUID) ([]*model.ReservationFact, error)
	// SyncDates re-aligns a matched fact to its booking's dates.
	SyncDates(ctx context.Context, factID uuid.UUID, checkIn, checkOut time.Time) error
}

// Enrichment is the set of booking fields the matcher may write.
type Enrichment struct {
	GuestName        string
	GuestFirstName   string
	GuestLastInitial string
	GuestCount       *int
	FactID           uuid.UUID
	Reason           string
}

// Resolution is a manual override.
type Resolution struct {
	ConnectionID *uuid.UUID
	GuestName    *string
	GuestCount   *int
	Notes        *string
	ResolvedAt   time.Time
}

// BookingRepository holds bookings. Writers are split by ownership: feed
// sync uses InsertBooking/UpdateBooking/DeactivateBookings, the matcher
// uses ApplyEnrichment, and the override service the resolution methods.
// UpdateBooking never writes manual resolution fields.
type BookingRepository interface {
	GetBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	InsertBooking(ctx context.Context, b *model.Booking) error
	UpdateBooking(ctx context.Context, b *model.Booking) error
	DeactivateBookings(ctx context.Context, ids []uuid.UUID, at time.Time) error

	// FindActiveByDayWindow returns active bookings of the property and feed
	// whose check-in and check-out fall on the given UTC days.
	FindActiveByDayWindow(ctx context.Context, propertyID, feedID uuid.UUID, checkIn, checkOut time.Time) ([]*model.Booking, error)
	// FindByUID returns the feed's booking for a canonical UID, preferring
	// the active one and then the most recently synced.
	FindByUID(ctx context.Context, feedID uuid.UUID, externalUID string) (*model.Booking, error)
	ListActiveByFeed(ctx context.Context, feedID uuid.UUID) ([]*model.Booking, error)
	ListActiveByProperties(ctx context.Context, propertyIDs []uuid.UUID) ([]*model.Booking, error)
	// ListActiveInRange returns active bookings overlapping [start, end).
	ListActiveInRange(ctx context.Context, workspaceIDs []uuid.UUID, start, end time.Time) ([]*model.Booking, error)

	ApplyEnrichment(ctx context.Context, bookingID uuid.UUID, e Enrichment) error
	SetResolution(ctx context.Context, bookingID uuid.UUID, r Resolution) error
	ClearResolution(ctx context.Context, bookingID uuid.UUID) error
}

// ReviewRepository holds the enrichment review queue.
type ReviewRepository interface {
	// CreateReviewItem is idempotent on (workspace, connection, source
	// message id); created is false when the item already existed.
	CreateReviewItem(ctx context.Context, item *model.EnrichmentReviewItem) (created bool, err error)
	GetReviewItem(ctx context.Context, id uuid.UUID) (*model.EnrichmentReviewItem, error)
	ListReviewItems(ctx context.Context, workspaceIDs []uuid.UUID, status string) ([]*model.EnrichmentReviewItem, error)
	SetReviewStatus(ctx context.Context, id uuid.UUID, status string) error
}

// AuditRepository holds ambiguity events and the feed sync log.
type AuditRepository interface {
	// RecordAmbiguity stores e unless an event with the same workspace and
	// fingerprint exists; created reports whether a row was added.
	RecordAmbiguity(ctx context.Context, e *model.AmbiguityEvent) (created bool, err error)
	ListAmbiguities(ctx context.Context, workspaceID uuid.UUID) ([]*model.AmbiguityEvent, error)
	AppendSyncLog(ctx context.Context, e *model.SyncLogEntry) error
	ListSyncLog(ctx context.Context, feedID uuid.UUID, limit int) ([]*model.SyncLogEntry, error)
}

// Store is the full persistence surface.
type Store interface {
	PropertyRepository
	FeedRepository
	ConnectionRepository
	MessageRepository
	FactRepository
	BookingRepository
	ReviewRepository
	AuditRepository
	Close()
}
