package feedsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"staycal/internal/ics"
	"staycal/internal/lease"
	appLog "staycal/internal/log"
	"staycal/internal/model"
)

var (
	// ErrBusy is returned when another sync of the feed holds the lease.
	ErrBusy = errors.New("feed sync already running")
	// ErrInactive is returned for feeds that are switched off.
	ErrInactive = errors.New("feed is not active")
)

const (
	defaultTimeout      = 20 * time.Second
	defaultHorizonDays  = 365
	defaultLookbackDays = 30
	defaultParallelism  = 4
	defaultLeaseTTL     = 5 * time.Minute
)

// Repository is the store surface the engine needs.
type Repository interface {
	GetFeed(ctx context.Context, id uuid.UUID) (*model.CalendarFeed, error)
	ListFeeds(ctx context.Context, workspaceIDs []uuid.UUID) ([]*model.CalendarFeed, error)
	SaveDiagnostics(ctx context.Context, feedID uuid.UUID, d model.FeedDiagnostics) error

	ListFacts(ctx context.Context, workspaceID uuid.UUID) ([]*model.ReservationFact, error)
	SyncDates(ctx context.Context, factID uuid.UUID, checkIn, checkOut time.Time) error

	InsertBooking(ctx context.Context, b *model.Booking) error
	UpdateBooking(ctx context.Context, b *model.Booking) error
	DeactivateBookings(ctx context.Context, ids []uuid.UUID, at time.Time) error
	FindActiveByDayWindow(ctx context.Context, propertyID, feedID uuid.UUID, checkIn, checkOut time.Time) ([]*model.Booking, error)
	FindByUID(ctx context.Context, feedID uuid.UUID, externalUID string) (*model.Booking, error)
	ListActiveByFeed(ctx context.Context, feedID uuid.UUID) ([]*model.Booking, error)

	RecordAmbiguity(ctx context.Context, e *model.AmbiguityEvent) (bool, error)
	AppendSyncLog(ctx context.Context, e *model.SyncLogEntry) error
}

// Fetcher downloads a feed; *ics.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, src ics.Source) (*ics.FetchResult, error)
}

// Config tunes the engine. Zero values take defaults.
type Config struct {
	// Timeout bounds one fetch. Hitting it fails the cycle.
	Timeout time.Duration
	// HorizonDays and LookbackDays bound recurring-event expansion.
	HorizonDays  int
	LookbackDays int
	// Parallelism is the number of feeds SyncAll runs at once.
	Parallelism int
	LeaseTTL    time.Duration
}

func (c *Config) normalize() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = defaultLookbackDays
	}
	if c.Parallelism <= 0 {
		c.Parallelism = defaultParallelism
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
}

// Result summarizes one feed sync.
type Result struct {
	FeedID      uuid.UUID `json:"feed_id"`
	Events      int       `json:"events"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Unchanged   int       `json:"unchanged"`
	Deactivated int       `json:"deactivated"`
	Enriched    int       `json:"enriched"`
	Ambiguous   int       `json:"ambiguous"`
	Guarded     int       `json:"guarded"`
	Active      int       `json:"active"`
	Error       string    `json:"error,omitempty"`
}

// Changed reports whether any booking was written.
func (r *Result) Changed() bool {
	return r.Created+r.Updated+r.Deactivated > 0
}

// Engine runs the per-feed state machine:
// fetch, parse, then per event resolve identity, enrich and upsert, then
// finalize.
type Engine struct {
	repo    Repository
	fetcher Fetcher
	locker  lease.Locker
	cfg     Config
	now     func() time.Time
}

func NewEngine(repo Repository, fetcher Fetcher, locker lease.Locker, cfg Config) *Engine {
	cfg.normalize()
	if locker == nil {
		locker = lease.NewLocal()
	}
	return &Engine{repo: repo, fetcher: fetcher, locker: locker, cfg: cfg, now: time.Now}
}

// SyncFeed syncs one feed under its lease.
func (e *Engine) SyncFeed(ctx context.Context, feedID uuid.UUID) (*Result, error) {
	feed, err := e.repo.GetFeed(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("load feed %s: %w", feedID, err)
	}
	if !feed.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactive, feedID)
	}

	release, ok, err := e.locker.Acquire(ctx, "feedsync:"+feedID.String(), e.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusy, feedID)
	}
	defer release()

	return e.sync(ctx, feed)
}

// SyncAll syncs every active feed of the workspace in parallel. A failing
// feed does not stop the others; its error is in its Result.
func (e *Engine) SyncAll(ctx context.Context, workspaceID uuid.UUID) ([]*Result, error) {
	feeds, err := e.repo.ListFeeds(ctx, []uuid.UUID{workspaceID})
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}

	var active []*model.CalendarFeed
	for _, f := range feeds {
		if f.Active {
			active = append(active, f)
		}
	}
	results := make([]*Result, len(active))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i, f := range active {
		g.Go(func() error {
			res, err := e.SyncFeed(gCtx, f.ID)
			if err != nil {
				if res == nil {
					res = &Result{FeedID: f.ID}
				}
				res.Error = err.Error()
				if !errors.Is(err, ErrBusy) {
					appLog.Error("feed sync failed", err, "feed", f.ID)
				}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
