package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"staycal/internal/extract"
	appLog "staycal/internal/log"
	"staycal/internal/model"
	"staycal/internal/retry"
	"staycal/internal/store"
)

var (
	// ErrLabelCollision means two active connections of one workspace read
	// the same label. It is a configuration error and aborts the run.
	ErrLabelCollision = errors.New("mailbox label used by more than one active connection")
	// ErrNoWorkspace means the connection is not attached to a workspace.
	ErrNoWorkspace = errors.New("mailbox connection has no workspace")
)

const (
	defaultMaxPages    = 20
	defaultConcurrency = 4
	defaultRate        = 5
	defaultBurst       = 5
)

// Repository is the store surface the ingestor needs.
type Repository interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*model.MailboxConnection, error)
	ListConnections(ctx context.Context, workspaceID uuid.UUID) ([]*model.MailboxConnection, error)
	StoredMessageIDs(ctx context.Context, connectionID uuid.UUID) (map[string]struct{}, error)
	InsertMessage(ctx context.Context, m *model.RawMessage) error
}

// SourceFunc returns the provider source for a connection.
type SourceFunc func(conn *model.MailboxConnection) (Source, error)

// Config bounds listing and detail fetching.
type Config struct {
	MaxPages      int
	Concurrency   int
	RatePerSecond float64
	Burst         int
	Retry         *retry.Config
}

func (c *Config) normalize() {
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = defaultRate
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.Retry == nil {
		c.Retry = retry.DefaultConfig()
	}
}

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	Pages        int       `json:"pages"`
	Listed       int       `json:"listed"`
	Partial      bool      `json:"partial"`
	Truncated    bool      `json:"truncated"`
	Unseen       int       `json:"unseen"`
	Stored       int       `json:"stored"`
	Duplicates   int       `json:"duplicates"`
	Failed       int       `json:"failed"`
}

// Ingestor pulls labeled messages into raw message storage.
type Ingestor struct {
	repo    Repository
	sources SourceFunc
	cfg     Config
	limiter *rate.Limiter
}

// NewIngestor creates an ingestor. The rate limiter is shared by every
// connection the ingestor serves.
func NewIngestor(repo Repository, sources SourceFunc, cfg Config) *Ingestor {
	cfg.normalize()
	return &Ingestor{
		repo:    repo,
		sources: sources,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// Ingest lists the connection's label, fetches every message not stored
// yet and stores it. Running it again without new mail fetches and writes
// nothing.
func (i *Ingestor) Ingest(ctx context.Context, connectionID uuid.UUID) (*IngestResult, error) {
	conn, err := i.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	if err := i.checkConfig(ctx, conn); err != nil {
		return nil, err
	}

	src, err := i.sources(conn)
	if err != nil {
		return nil, fmt.Errorf("mailbox source: %w", err)
	}

	res := &IngestResult{ConnectionID: conn.ID}

	labelID, err := retry.DoWithResult(ctx, i.cfg.Retry, func() (string, error) {
		return src.ResolveLabel(ctx, conn.Label)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve label %q: %w", conn.Label, err)
	}

	ids, err := i.listAll(ctx, src, labelID, res)
	if err != nil {
		return nil, err
	}
	res.Listed = len(ids)

	stored, err := i.repo.StoredMessageIDs(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("stored message ids: %w", err)
	}
	unseen := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := stored[id]; !ok {
			unseen = append(unseen, id)
		}
	}
	res.Unseen = len(unseen)

	if len(unseen) == 0 {
		appLog.Info("mailbox ingest: nothing new", "connection", conn.ID, "listed", res.Listed)
		return res, nil
	}

	if err := i.fetchAndStore(ctx, src, conn, unseen, res); err != nil {
		return res, err
	}

	appLog.Info("mailbox ingest completed",
		"connection", conn.ID,
		"listed", res.Listed,
		"stored", res.Stored,
		"duplicates", res.Duplicates,
		"failed", res.Failed,
		"partial", res.Partial,
	)
	return res, nil
}

func (i *Ingestor) checkConfig(ctx context.Context, conn *model.MailboxConnection) error {
	if conn.WorkspaceID == uuid.Nil {
		return fmt.Errorf("%w: %s", ErrNoWorkspace, conn.ID)
	}
	others, err := i.repo.ListConnections(ctx, conn.WorkspaceID)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	label := normalizeLabel(conn.Label)
	for _, o := range others {
		if o.ID == conn.ID || !o.Active {
			continue
		}
		if normalizeLabel(o.Label) == label {
			return fmt.Errorf("%w: %q (%s, %s)", ErrLabelCollision, conn.Label, conn.ID, o.ID)
		}
	}
	return nil
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// listAll pages through the label. A page that still fails after retries
// ends the listing; what was collected so far is used.
func (i *Ingestor) listAll(ctx context.Context, src Source, labelID string, res *IngestResult) ([]string, error) {
	var (
		ids   []string
		seen  = map[string]struct{}{}
		token string
	)
	for page := 0; page < i.cfg.MaxPages; page++ {
		var (
			pageIDs []string
			next    string
		)
		err := retry.DoIfRetryable(ctx, i.cfg.Retry, func() error {
			var err error
			pageIDs, next, err = src.ListMessageIDs(ctx, labelID, token)
			return err
		})
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("list messages: %w", err)
			}
			appLog.Warn("mailbox listing ended early", "page", page, "ids", len(ids), "error", err.Error())
			res.Partial = true
			return ids, nil
		}
		res.Pages++

		for _, id := range pageIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if next == "" {
			return ids, nil
		}
		token = next
	}
	res.Truncated = true
	appLog.Warn("mailbox listing hit page cap", "max_pages", i.cfg.MaxPages, "ids", len(ids))
	return ids, nil
}

func (i *Ingestor) fetchAndStore(ctx context.Context, src Source, conn *model.MailboxConnection, ids []string, res *IngestResult) error {
	var mu sync.Mutex
	count := func(f func()) {
		mu.Lock()
		f()
		mu.Unlock()
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			msg, err := retry.DoWithResult(gCtx, i.cfg.Retry, func() (*Message, error) {
				if err := i.limiter.Wait(gCtx); err != nil {
					return nil, err
				}
				return src.GetMessage(gCtx, id)
			})
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				appLog.Warn("mailbox message fetch failed", "connection", conn.ID, "message", id, "error", err.Error())
				count(func() { res.Failed++ })
				return nil
			}

			raw := &model.RawMessage{
				ConnectionID: conn.ID,
				MessageID:    id,
				Subject:      msg.Subject,
				Snippet:      msg.Snippet,
				Body:         extract.NormalizeBody(msg.PlainBody, msg.HTMLBody),
				ReceivedAt:   msg.ReceivedAt,
				Status:       model.MessagePending,
			}
			switch err := i.repo.InsertMessage(gCtx, raw); {
			case errors.Is(err, store.ErrDuplicate):
				count(func() { res.Duplicates++ })
			case err != nil:
				return fmt.Errorf("store message %s: %w", id, err)
			default:
				count(func() { res.Stored++ })
			}
			return nil
		})
	}
	return g.Wait()
}
