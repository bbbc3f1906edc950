// Package scheduler runs the periodic feed sync and mailbox ingest cycles.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"staycal/internal/enrich"
	"staycal/internal/facts"
	"staycal/internal/feedsync"
	appLog "staycal/internal/log"
	"staycal/internal/mailbox"
	"staycal/internal/model"
)

type FeedSyncer interface {
	SyncAll(ctx context.Context, workspaceID uuid.UUID) ([]*feedsync.Result, error)
}

type Ingester interface {
	Ingest(ctx context.Context, connectionID uuid.UUID) (*mailbox.IngestResult, error)
}

type MessageProcessor interface {
	ProcessPending(ctx context.Context, connectionID uuid.UUID) (*facts.Summary, error)
	Reprocess(ctx context.Context, connectionID uuid.UUID) (*facts.Summary, error)
}

type BatchEnricher interface {
	Run(ctx context.Context, workspaceID uuid.UUID) (*enrich.BatchResult, error)
}

type ConnectionLister interface {
	ListConnections(ctx context.Context, workspaceID uuid.UUID) ([]*model.MailboxConnection, error)
}

// Jobs bundles the work the cron entries (and the HTTP API) trigger.
type Jobs struct {
	Workspaces  []uuid.UUID
	Feeds       FeedSyncer
	Enricher    BatchEnricher
	Ingestor    Ingester
	Processor   MessageProcessor
	Connections ConnectionLister
}

// IngestReport is the outcome of ingesting and processing one connection.
type IngestReport struct {
	Ingest    *mailbox.IngestResult `json:"ingest"`
	Processed *facts.Summary        `json:"processed"`
}

// SyncWorkspaces syncs every active feed of every workspace, then re-runs
// enrichment so facts that arrived before their booking get attached.
func (j *Jobs) SyncWorkspaces(ctx context.Context) {
	for _, ws := range j.Workspaces {
		results, err := j.Feeds.SyncAll(ctx, ws)
		if err != nil {
			appLog.Error("workspace sync failed", err, "workspace_id", ws)
			continue
		}
		failed := 0
		for _, r := range results {
			if r != nil && r.Error != "" {
				failed++
			}
		}
		appLog.Info("workspace sync completed", "workspace_id", ws, "feeds", len(results), "failed", failed)

		if j.Enricher != nil {
			if _, err := j.Enricher.Run(ctx, ws); err != nil {
				appLog.Error("batch enrichment failed", err, "workspace_id", ws)
			}
		}
	}
}

// IngestWorkspaces ingests and processes every active connection.
func (j *Jobs) IngestWorkspaces(ctx context.Context) {
	for _, ws := range j.Workspaces {
		conns, err := j.Connections.ListConnections(ctx, ws)
		if err != nil {
			appLog.Error("list connections failed", err, "workspace_id", ws)
			continue
		}
		for _, c := range conns {
			if !c.Active {
				continue
			}
			if _, err := j.IngestConnection(ctx, c.ID); err != nil {
				appLog.Error("connection ingest failed", err, "connection_id", c.ID)
			}
		}
	}
}

// IngestConnection pulls new messages of one connection and turns the
// pending ones into facts. A configuration error aborts before processing.
func (j *Jobs) IngestConnection(ctx context.Context, connectionID uuid.UUID) (*IngestReport, error) {
	in, err := j.Ingestor.Ingest(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	sum, err := j.Processor.ProcessPending(ctx, connectionID)
	if err != nil {
		return &IngestReport{Ingest: in}, fmt.Errorf("process: %w", err)
	}
	return &IngestReport{Ingest: in, Processed: sum}, nil
}

// ReprocessConnection re-runs extraction over every stored message of a
// connection, e.g. after the extractor learned a new format.
func (j *Jobs) ReprocessConnection(ctx context.Context, connectionID uuid.UUID) (*facts.Summary, error) {
	sum, err := j.Processor.Reprocess(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("reprocess: %w", err)
	}
	appLog.Info("connection reprocessed", "connection_id", connectionID,
		"processed", sum.Processed, "facts", sum.Facts)
	return sum, nil
}

// Config holds the two cron specs (standard 5-field syntax).
type Config struct {
	SyncCron   string
	IngestCron string
}

// Scheduler owns the cron runner. Overlapping runs of one job are skipped.
type Scheduler struct {
	cron *cron.Cron
	jobs *Jobs

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, jobs *Jobs) (*Scheduler, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Scheduler{cron: c, jobs: jobs}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if _, err := c.AddFunc(cfg.SyncCron, func() { s.jobs.SyncWorkspaces(s.runContext()) }); err != nil {
		return nil, fmt.Errorf("sync cron %q: %w", cfg.SyncCron, err)
	}
	if _, err := c.AddFunc(cfg.IngestCron, func() { s.jobs.IngestWorkspaces(s.runContext()) }); err != nil {
		return nil, fmt.Errorf("ingest cron %q: %w", cfg.IngestCron, err)
	}
	return s, nil
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	appLog.Info("scheduler started", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop cancels running jobs and waits for them, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		appLog.Info("scheduler stopped")
	case <-ctx.Done():
		appLog.Warn("scheduler stop timed out")
	}
}

// cronLogger routes cron's own logging through the process logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
