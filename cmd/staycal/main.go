package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"staycal/internal/config"
	"staycal/internal/enrich"
	"staycal/internal/extract"
	"staycal/internal/facts"
	"staycal/internal/feedsync"
	"staycal/internal/ics"
	"staycal/internal/lease"
	appLog "staycal/internal/log"
	"staycal/internal/mailbox"
	"staycal/internal/model"
	"staycal/internal/override"
	"staycal/internal/reconcile"
	"staycal/internal/scheduler"
	"staycal/internal/store"
	"staycal/internal/store/postgres"
	"staycal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	if err := run(flags); err != nil {
		appLog.Error("staycal failed", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Sync()
}

func run(flags flagConfig) error {
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return err
	}
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.SetFormat(conf.Log.Format)
	appLog.SetLevel(appLog.Level(conf.Log.Level))
	appLog.Info("staycal starting", "version", "0.1.0")
	appLog.Info("effective config",
		"listen", conf.Listen,
		"database", conf.Database.URL != "",
		"redis", conf.Redis.Addr != "",
		"sync_cron", conf.Sync.Cron,
		"ingest_cron", conf.Ingest.Cron,
		"workspaces", len(conf.Workspaces),
		"users", len(conf.Users),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, conf)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := conf.Seed(ctx, st); err != nil {
		return fmt.Errorf("seed store: %w", err)
	}

	locker, err := openLocker(ctx, conf)
	if err != nil {
		return err
	}

	engine := feedsync.NewEngine(st, ics.NewFetcher(time.Duration(conf.Sync.TimeoutSeconds)*time.Second), locker, feedsync.Config{
		Timeout:      time.Duration(conf.Sync.TimeoutSeconds) * time.Second,
		HorizonDays:  conf.Sync.HorizonDays,
		LookbackDays: conf.Sync.LookbackDays,
		Parallelism:  conf.Sync.Parallelism,
	})
	matcher := enrich.NewMatcher(st)
	writer := facts.NewWriter(st, extract.New(), matcher)
	ingestor := mailbox.NewIngestor(st, gmailSources(conf), mailbox.Config{
		MaxPages:      conf.Ingest.MaxPages,
		Concurrency:   conf.Ingest.Concurrency,
		RatePerSecond: conf.Ingest.RatePerSecond,
		Burst:         conf.Ingest.Burst,
	})

	jobs := &scheduler.Jobs{
		Workspaces:  conf.WorkspaceIDs(),
		Feeds:       engine,
		Enricher:    enrich.NewBatch(st, matcher),
		Ingestor:    ingestor,
		Processor:   writer,
		Connections: st,
	}

	if flags.once {
		jobs.IngestWorkspaces(ctx)
		jobs.SyncWorkspaces(ctx)
		appLog.Info("single cycle completed")
		return nil
	}

	sched, err := scheduler.New(scheduler.Config{SyncCron: conf.Sync.Cron, IngestCron: conf.Ingest.Cron}, jobs)
	if err != nil {
		return err
	}
	sched.Start()

	srv := web.NewServer(web.Deps{
		Repo:      st,
		Calendar:  reconcile.NewPass(st),
		Feeds:     engine,
		Overrides: override.NewService(st),
		Ingest:    jobs,
	}, conf.Accounts())
	httpSrv := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			sched.Stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
	sched.Stop(shutdownCtx)

	appLog.Info("staycal exiting")
	return nil
}

// openStore returns the Postgres store when a database is configured, and
// the in-memory one otherwise.
func openStore(ctx context.Context, conf *config.Config) (store.Store, error) {
	if conf.Database.URL == "" {
		appLog.Warn("no database configured; state is kept in memory")
		return store.NewMemory(), nil
	}
	pool, err := postgres.NewPool(ctx, &postgres.Config{
		URL:            conf.Database.URL,
		MaxConnections: conf.Database.MaxConnections,
	})
	if err != nil {
		return nil, err
	}
	if err := postgres.RunMigrations(pool, appLog.L()); err != nil {
		pool.Close()
		return nil, err
	}
	return postgres.New(pool), nil
}

func openLocker(ctx context.Context, conf *config.Config) (lease.Locker, error) {
	client, err := lease.NewRedisClient(ctx, conf.Redis.Addr, conf.Redis.Password, conf.Redis.DB)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return lease.NewLocal(), nil
	}
	return lease.NewRedis(client, "staycal:"), nil
}

// gmailSources builds one Gmail source per connection from its token.
func gmailSources(conf *config.Config) mailbox.SourceFunc {
	return func(conn *model.MailboxConnection) (mailbox.Source, error) {
		token := conf.ConnectionToken(conn.ID)
		if token == "" {
			return nil, fmt.Errorf("no access token for connection %s", conn.ID)
		}
		return mailbox.NewGmailSource(token), nil
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath, "Path to config file")
	flag.StringVar(&cfg.envFile, "env-file", ".env", "Optional dotenv file; existing environment wins")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one ingest+sync cycle and exit")

	flag.Parse()

	return cfg
}
