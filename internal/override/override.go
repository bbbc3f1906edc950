// Package override is the write path for manual resolutions. A resolution
// wins over every automatic match and is never touched by sync or
// enrichment.
package override

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "staycal/internal/log"
	"staycal/internal/model"
	"staycal/internal/store"
)

const maxGuestCount = 30

var (
	ErrInvalid    = errors.New("invalid resolution")
	ErrNotPending = errors.New("review item is not pending")
)

type Repository interface {
	GetBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	SetResolution(ctx context.Context, bookingID uuid.UUID, r store.Resolution) error
	ClearResolution(ctx context.Context, bookingID uuid.UUID) error
	GetConnection(ctx context.Context, id uuid.UUID) (*model.MailboxConnection, error)

	GetReviewItem(ctx context.Context, id uuid.UUID) (*model.EnrichmentReviewItem, error)
	SetReviewStatus(ctx context.Context, id uuid.UUID, status string) error
	GetFact(ctx context.Context, id uuid.UUID) (*model.ReservationFact, error)
}

// Resolution is what a human asserts about a booking. Nil fields are left
// unset.
type Resolution struct {
	ConnectionID *uuid.UUID `json:"connection_id,omitempty"`
	GuestName    *string    `json:"guest_name,omitempty"`
	GuestCount   *int       `json:"guest_count,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
}

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Resolve records a manual resolution on the booking, replacing any
// earlier one. It shows from the next reconciliation pass on.
func (s *Service) Resolve(ctx context.Context, bookingID uuid.UUID, r Resolution) (*model.Booking, error) {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("load booking %s: %w", bookingID, err)
	}
	if err := s.validate(ctx, b, &r); err != nil {
		return nil, err
	}

	err = s.repo.SetResolution(ctx, bookingID, store.Resolution{
		ConnectionID: r.ConnectionID,
		GuestName:    r.GuestName,
		GuestCount:   r.GuestCount,
		Notes:        r.Notes,
		ResolvedAt:   s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("set resolution: %w", err)
	}
	appLog.Info("booking manually resolved", "booking_id", bookingID)
	return s.repo.GetBooking(ctx, bookingID)
}

// Clear removes the manual resolution; automatic matching shows again.
func (s *Service) Clear(ctx context.Context, bookingID uuid.UUID) (*model.Booking, error) {
	if _, err := s.repo.GetBooking(ctx, bookingID); err != nil {
		return nil, fmt.Errorf("load booking %s: %w", bookingID, err)
	}
	if err := s.repo.ClearResolution(ctx, bookingID); err != nil {
		return nil, fmt.Errorf("clear resolution: %w", err)
	}
	appLog.Info("booking resolution cleared", "booking_id", bookingID)
	return s.repo.GetBooking(ctx, bookingID)
}

func (s *Service) validate(ctx context.Context, b *model.Booking, r *Resolution) error {
	if r.ConnectionID == nil && r.GuestName == nil && r.GuestCount == nil && r.Notes == nil {
		return fmt.Errorf("%w: nothing to resolve", ErrInvalid)
	}
	if r.GuestName != nil {
		name := strings.Join(strings.Fields(*r.GuestName), " ")
		if name == "" {
			return fmt.Errorf("%w: empty guest name", ErrInvalid)
		}
		r.GuestName = &name
	}
	if r.GuestCount != nil && (*r.GuestCount < 1 || *r.GuestCount > maxGuestCount) {
		return fmt.Errorf("%w: guest count %d out of range", ErrInvalid, *r.GuestCount)
	}
	if r.ConnectionID != nil {
		conn, err := s.repo.GetConnection(ctx, *r.ConnectionID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: unknown connection %s", ErrInvalid, *r.ConnectionID)
		}
		if err != nil {
			return err
		}
		if conn.WorkspaceID != b.WorkspaceID {
			return fmt.Errorf("%w: connection belongs to another workspace", ErrInvalid)
		}
	}
	return nil
}
