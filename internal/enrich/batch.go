package enrich

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	appLog "staycal/internal/log"
	"staycal/internal/model"
)

// FactLister lists a workspace's facts.
type FactLister interface {
	ListFacts(ctx context.Context, workspaceID uuid.UUID) ([]*model.ReservationFact, error)
}

// BatchResult counts what an offline pass did.
type BatchResult struct {
	Facts     int `json:"facts"`
	Matched   int `json:"matched"`
	Enriched  int `json:"enriched"`
	Ambiguous int `json:"ambiguous"`
	Queued    int `json:"queued"`
	Failed    int `json:"failed"`
}

// Batch re-runs the matcher over every stored fact of a workspace, picking
// up bookings that arrived after their confirmation mail.
type Batch struct {
	facts   FactLister
	matcher *Matcher
}

func NewBatch(facts FactLister, matcher *Matcher) *Batch {
	return &Batch{facts: facts, matcher: matcher}
}

// Run processes facts sequentially. A failing fact is logged and counted;
// the pass continues.
func (b *Batch) Run(ctx context.Context, workspaceID uuid.UUID) (*BatchResult, error) {
	facts, err := b.facts.ListFacts(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}

	res := &BatchResult{Facts: len(facts)}
	for _, f := range facts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := b.matcher.Apply(ctx, f)
		if err != nil {
			appLog.Error("batch enrichment failed", err, "fact_id", f.ID)
			res.Failed++
			continue
		}
		if out.BookingID != nil {
			res.Matched++
		}
		if out.NameUpdated {
			res.Enriched++
		}
		if out.Ambiguous {
			res.Ambiguous++
		}
		if out.ReviewCreated {
			res.Queued++
		}
	}

	appLog.Info("batch enrichment completed", "workspace_id", workspaceID,
		"facts", res.Facts, "matched", res.Matched, "enriched", res.Enriched,
		"ambiguous", res.Ambiguous, "queued", res.Queued, "failed", res.Failed)
	return res, nil
}
