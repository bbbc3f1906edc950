package facts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"staycal/internal/enrich"
	"staycal/internal/extract"
	appLog "staycal/internal/log"
	"staycal/internal/model"
)

// ErrNoWorkspace is returned for a connection not linked to a workspace.
var ErrNoWorkspace = errors.New("mailbox connection has no workspace")

// ReasonNothingExtracted marks a candidate message that yielded no fields.
const ReasonNothingExtracted = "nothing_extracted"

// Repository is the slice of the store the writer needs.
type Repository interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*model.MailboxConnection, error)
	ListMessages(ctx context.Context, connectionID uuid.UUID, status string) ([]*model.RawMessage, error)
	SetMessageStatus(ctx context.Context, connectionID uuid.UUID, messageID, status, reason string) error
	UpsertFact(ctx context.Context, f *model.ReservationFact) error
	RetractFact(ctx context.Context, connectionID uuid.UUID, messageID string) (bool, error)
}

// Outcome is the result of processing one message.
type Outcome struct {
	Status string
	Reason string
	Fact   *model.ReservationFact
	Match  *enrich.Outcome

	// Retracted is set when the message used to yield a fact and no
	// longer does.
	Retracted bool
}

// Summary counts a processing run over a connection.
type Summary struct {
	Processed int `json:"processed"`
	Facts     int `json:"facts"`
	Skipped   int `json:"skipped"`
	Rejected  int `json:"rejected"`
	Enriched  int `json:"enriched"`
	Queued    int `json:"queued"`
	Retracted int `json:"retracted"`
	Failed    int `json:"failed"`
}

// Writer turns stored raw messages into persisted facts and hands each
// new fact to the matcher.
type Writer struct {
	repo      Repository
	extractor *extract.Extractor
	matcher   *enrich.Matcher
}

func NewWriter(repo Repository, extractor *extract.Extractor, matcher *enrich.Matcher) *Writer {
	if extractor == nil {
		extractor = extract.New()
	}
	return &Writer{repo: repo, extractor: extractor, matcher: matcher}
}

// Process classifies, extracts, validates and persists one message. Parse
// and validation failures are recorded on the message, never returned.
func (w *Writer) Process(ctx context.Context, conn *model.MailboxConnection, msg *model.RawMessage) (*Outcome, error) {
	out, err := w.evaluate(conn, msg)
	if err != nil {
		return nil, err
	}

	if out.Fact != nil {
		if err := w.repo.UpsertFact(ctx, out.Fact); err != nil {
			return nil, fmt.Errorf("persist fact for message %s: %w", msg.MessageID, err)
		}
	} else {
		retracted, err := w.repo.RetractFact(ctx, conn.ID, msg.MessageID)
		if err != nil {
			return nil, fmt.Errorf("retract fact for message %s: %w", msg.MessageID, err)
		}
		if retracted {
			out.Retracted = true
			appLog.Info("fact retracted", "connection_id", conn.ID, "message_id", msg.MessageID, "status", out.Status, "reason", out.Reason)
		}
	}
	if err := w.repo.SetMessageStatus(ctx, conn.ID, msg.MessageID, out.Status, out.Reason); err != nil {
		return nil, fmt.Errorf("record message %s status: %w", msg.MessageID, err)
	}
	if out.Fact == nil {
		appLog.Debug("message not a fact", "connection_id", conn.ID, "message_id", msg.MessageID, "status", out.Status, "reason", out.Reason)
		return out, nil
	}

	if w.matcher != nil {
		m, err := w.matcher.Apply(ctx, out.Fact)
		if err != nil {
			return out, fmt.Errorf("match fact %s: %w", out.Fact.ID, err)
		}
		out.Match = m
	}
	return out, nil
}

func (w *Writer) evaluate(conn *model.MailboxConnection, msg *model.RawMessage) (*Outcome, error) {
	if conn.WorkspaceID == uuid.Nil {
		return nil, ErrNoWorkspace
	}

	c := extract.Classify(msg.Subject, msg.Body)
	if !c.IsCandidate {
		return &Outcome{Status: model.MessageSkipped, Reason: string(c.Kind)}, nil
	}

	f := w.extractor.Extract(msg.Body, msg.Subject, true)
	if f == nil {
		return &Outcome{Status: model.MessageSkipped, Reason: ReasonNothingExtracted}, nil
	}

	if err := extract.Validate(f); err != nil {
		var rej *extract.RejectionError
		if errors.As(err, &rej) {
			appLog.Info("fact rejected", "connection_id", conn.ID, "message_id", msg.MessageID, "reason", rej.Reason, "detail", rej.Detail)
			return &Outcome{Status: model.MessageRejected, Reason: rej.Reason}, nil
		}
		return nil, err
	}

	raw := f.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	raw["classification"] = c.Reasons

	return &Outcome{
		Status: model.MessageFact,
		Fact: &model.ReservationFact{
			WorkspaceID:      conn.WorkspaceID,
			ConnectionID:     conn.ID,
			SourceMessageID:  msg.MessageID,
			CheckIn:          f.CheckIn,
			CheckOut:         f.CheckOut,
			GuestName:        f.GuestName,
			GuestCount:       f.GuestCount,
			ConfirmationCode: f.ConfirmationCode,
			Confidence:       f.Confidence,
			Raw:              raw,
		},
	}, nil
}

// ProcessPending processes every pending message of a connection.
func (w *Writer) ProcessPending(ctx context.Context, connectionID uuid.UUID) (*Summary, error) {
	return w.run(ctx, connectionID, model.MessagePending)
}

// Reprocess re-runs every stored message of a connection. Existing facts
// are superseded in place, and retracted when their message no longer
// yields one.
func (w *Writer) Reprocess(ctx context.Context, connectionID uuid.UUID) (*Summary, error) {
	return w.run(ctx, connectionID, "")
}

func (w *Writer) run(ctx context.Context, connectionID uuid.UUID, status string) (*Summary, error) {
	conn, err := w.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %s: %w", connectionID, err)
	}
	if conn.WorkspaceID == uuid.Nil {
		return nil, ErrNoWorkspace
	}

	msgs, err := w.repo.ListMessages(ctx, connectionID, status)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	sum := &Summary{}
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		out, err := w.Process(ctx, conn, msg)
		sum.Processed++
		if err != nil {
			appLog.Error("message processing failed", err, "connection_id", connectionID, "message_id", msg.MessageID)
			sum.Failed++
			continue
		}
		if out.Retracted {
			sum.Retracted++
		}
		switch out.Status {
		case model.MessageFact:
			sum.Facts++
		case model.MessageRejected:
			sum.Rejected++
		default:
			sum.Skipped++
		}
		if out.Match != nil {
			if out.Match.NameUpdated {
				sum.Enriched++
			}
			if out.Match.ReviewCreated {
				sum.Queued++
			}
		}
	}

	appLog.Info("messages processed", "connection_id", connectionID,
		"processed", sum.Processed, "facts", sum.Facts, "skipped", sum.Skipped,
		"rejected", sum.Rejected, "enriched", sum.Enriched, "queued", sum.Queued, "retracted", sum.Retracted, "failed", sum.Failed)
	return sum, nil
}
