package model

import (
	"time"

	"github.com/google/uuid"
)

// Provenance says where a booking's guest identity came from. It is one of
// Unenriched, FactMatched or ManuallyResolved.
type Provenance interface {
	Kind() string
	isProvenance()
}

type Unenriched struct{}

type FactMatched struct {
	FactID uuid.UUID
	Reason string
}

type ManuallyResolved struct {
	ConnectionID *uuid.UUID
	ResolvedAt   time.Time
}

func (Unenriched) Kind() string       { return "unenriched" }
func (FactMatched) Kind() string      { return "fact_matched" }
func (ManuallyResolved) Kind() string { return "manually_resolved" }

func (Unenriched) isProvenance()       {}
func (FactMatched) isProvenance()      {}
func (ManuallyResolved) isProvenance() {}

// Provenance derives the booking's identity source. A manual resolution
// always wins over an enrichment link.
func (b *Booking) Provenance() Provenance {
	if b.ManualResolvedAt != nil {
		return ManuallyResolved{ConnectionID: b.ManualConnectionID, ResolvedAt: *b.ManualResolvedAt}
	}
	if b.EnrichedFactID != nil {
		return FactMatched{FactID: *b.EnrichedFactID, Reason: b.MatchReason}
	}
	return Unenriched{}
}

// SetProvenance writes a FactMatched or Unenriched provenance onto the
// enrichment fields. ManuallyResolved is owned by the override service and
// is ignored here.
func (b *Booking) SetProvenance(p Provenance) {
	switch v := p.(type) {
	case FactMatched:
		id := v.FactID
		b.EnrichedFactID = &id
		b.MatchReason = v.Reason
	case Unenriched:
		b.EnrichedFactID = nil
		b.MatchReason = ""
	}
}
