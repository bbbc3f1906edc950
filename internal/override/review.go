package override

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	appLog "staycal/internal/log"
	"staycal/internal/model"
)

// ResolveReview closes a pending review item. With a booking ID the fact
// behind the item is attached to that booking as a manual resolution.
func (s *Service) ResolveReview(ctx context.Context, itemID uuid.UUID, bookingID *uuid.UUID) (*model.EnrichmentReviewItem, error) {
	item, err := s.pendingItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if bookingID != nil {
		r := Resolution{ConnectionID: &item.ConnectionID}
		if item.FactID != nil {
			fact, err := s.repo.GetFact(ctx, *item.FactID)
			if err != nil {
				return nil, fmt.Errorf("load fact %s: %w", *item.FactID, err)
			}
			r.GuestName = fact.GuestName
			r.GuestCount = fact.GuestCount
		}
		if _, err := s.Resolve(ctx, *bookingID, r); err != nil {
			return nil, err
		}
	}

	return s.setStatus(ctx, item, model.ReviewResolved)
}

// RejectReview marks a pending review item as not a stay.
func (s *Service) RejectReview(ctx context.Context, itemID uuid.UUID) (*model.EnrichmentReviewItem, error) {
	item, err := s.pendingItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return s.setStatus(ctx, item, model.ReviewRejected)
}

func (s *Service) pendingItem(ctx context.Context, id uuid.UUID) (*model.EnrichmentReviewItem, error) {
	item, err := s.repo.GetReviewItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load review item %s: %w", id, err)
	}
	if item.Status != model.ReviewPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, item.Status)
	}
	return item, nil
}

func (s *Service) setStatus(ctx context.Context, item *model.EnrichmentReviewItem, status string) (*model.EnrichmentReviewItem, error) {
	if err := s.repo.SetReviewStatus(ctx, item.ID, status); err != nil {
		return nil, fmt.Errorf("set review status: %w", err)
	}
	item.Status = status
	appLog.Info("review item closed", "item_id", item.ID, "status", status)
	return item, nil
}
