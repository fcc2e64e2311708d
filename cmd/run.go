package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfwatch/shelfwatch/internal/api"
	"github.com/shelfwatch/shelfwatch/internal/archive"
	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/config"
	"github.com/shelfwatch/shelfwatch/internal/health"
	"github.com/shelfwatch/shelfwatch/internal/ingest"
	"github.com/shelfwatch/shelfwatch/internal/logging"
	"github.com/shelfwatch/shelfwatch/internal/notify"
	"github.com/shelfwatch/shelfwatch/internal/resource"
	"github.com/shelfwatch/shelfwatch/internal/scrape"
	"github.com/shelfwatch/shelfwatch/internal/session"
	"github.com/shelfwatch/shelfwatch/internal/status"
	"github.com/shelfwatch/shelfwatch/internal/store"
	"github.com/shelfwatch/shelfwatch/internal/store/memory"
	"github.com/shelfwatch/shelfwatch/internal/store/postgres"
	"github.com/shelfwatch/shelfwatch/internal/supervisor"
	"github.com/shelfwatch/shelfwatch/internal/worker"
)

func newRunCmd() *cobra.Command {
	var (
		targetsPath   string
		maxWorkers    int
		checkInterval int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a crawl run over a target catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if maxWorkers > 0 {
				cfg.Crawl.MaxWorkers = maxWorkers
			}
			if checkInterval > 0 {
				cfg.Crawl.CheckIntervalSeconds = checkInterval
			}
			return runCrawl(cmd.Context(), cfg, targetsPath)
		},
	}
	cmd.Flags().StringVar(&targetsPath, "targets", "", "target catalog file (required)")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "maximum concurrent workers")
	cmd.Flags().IntVar(&checkInterval, "check-interval", 0, "supervisor tick in seconds")
	_ = cmd.MarkFlagRequired("targets")
	return cmd
}

func runCrawl(parent context.Context, cfg config.Config, targetsPath string) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cat, err := catalog.Load(targetsPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persisted, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer persisted.Close()

	dispatcher, err := openDispatcher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = dispatcher.Close() }()

	archiver, err := openArchiver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))
	logger.Info("starting crawl run",
		zap.Int("stores", len(cat.Stores)),
		zap.Int("targets", len(cat.Targets)),
		zap.Int("max_workers", cfg.Crawl.MaxWorkers),
	)

	monitor := health.NewMonitor(healthConfig(cfg), logger)
	pipeline := ingest.New(ingestConfig(cfg), persisted, persisted, persisted, dispatcher, logger)

	browser, err := session.NewChromeBrowser(chromeConfig(cfg), session.NoStealth{}, logger)
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer func() { _ = browser.Close(context.Background()) }()

	sampler, err := resource.NewHostSampler()
	if err != nil {
		return fmt.Errorf("init resource sampler: %w", err)
	}

	statusWriter := status.NewWriter(cfg.Status.Path)
	factory := workerFactory(cfg, cat, browser, monitor, pipeline, persisted, archiver, sampler, runID, logger)

	queue := make([]worker.Assignment, 0, len(cat.Targets))
	for _, targets := range cat.TargetsByStore() {
		ref, _ := cat.Store(targets[0].StoreID)
		queue = append(queue, worker.Assignment{Store: ref, Targets: targets})
	}

	sup := supervisor.New(
		supervisorConfig(cfg, runID),
		queue,
		factory,
		monitor,
		sampler,
		pipeline,
		statusWriter,
		persisted,
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })

	if cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(statusWriter, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("crawl run finished")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.DB.DSN == "" {
		logger.Warn("no database configured; state will not survive this run")
		return memory.New(), nil
	}
	pg, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return pg, nil
}

func openDispatcher(ctx context.Context, cfg config.Config, logger *zap.Logger) (notify.Dispatcher, error) {
	if cfg.PubSub.TopicName == "" {
		return notify.NewLogDispatcher(logger), nil
	}
	d, err := notify.NewPubSubDispatcher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("open alert dispatcher: %w", err)
	}
	return d, nil
}

func openArchiver(ctx context.Context, cfg config.Config, logger *zap.Logger) (archive.Archiver, error) {
	switch {
	case cfg.Snapshots.GCSBucket != "":
		return archive.NewGCS(ctx, cfg.Snapshots.GCSBucket, logger)
	case cfg.Snapshots.LocalDir != "":
		return archive.NewLocal(cfg.Snapshots.LocalDir)
	default:
		return archive.NoOp{}, nil
	}
}

func workerFactory(
	cfg config.Config,
	cat catalog.Catalog,
	browser session.Browser,
	monitor *health.Monitor,
	pipeline *ingest.Pipeline,
	persisted store.Store,
	archiver archive.Archiver,
	sampler resource.Sampler,
	runID string,
	logger *zap.Logger,
) supervisor.WorkerFactory {
	return func(id int, a worker.Assignment, reports chan<- scrape.HealthReport) supervisor.Runner {
		cache := session.NewStoreCache()
		newSession := func() *session.Lifecycle {
			return session.New(browser, cache, monitor, sessionConfig(cfg, a.Store), logger)
		}
		return worker.New(
			worker.Config{
				ID:         id,
				RunID:      runID,
				HealthTick: time.Duration(cfg.Crawl.HealthTickSeconds) * time.Second,
				Restart: worker.RestartPolicy{
					MaxAttempts: cfg.Crawl.MaxSessionRestarts,
					BaseDelay:   2 * time.Second,
					MaxDelay:    30 * time.Second,
				},
			},
			a,
			newSession,
			pipeline,
			persisted,
			persisted,
			archiver,
			sampler,
			reports,
			logger,
		)
	}
}

func sessionConfig(cfg config.Config, ref scrape.StoreRef) session.Config {
	sc := session.DefaultConfig()
	sc.RootURL = cfg.Session.RootURL
	sc.StoreLocatorURL = cfg.Session.StoreLocatorURL
	sc.Profile = session.Profile{UserAgent: cfg.Session.UserAgent, GeoHint: ref.GeoHint}
	sc.ContentTimeout = time.Duration(cfg.Session.ContentWaitSec) * time.Second
	sc.PageSize = cfg.Session.PageSize
	sc.MaxPages = cfg.Session.MaxPages
	sc.Pacing = session.PacingPolicy{
		Min: time.Duration(cfg.Session.PacingMinMs) * time.Millisecond,
		Max: time.Duration(cfg.Session.PacingMaxMs) * time.Millisecond,
	}
	return sc
}

func chromeConfig(cfg config.Config) session.ChromeConfig {
	cc := session.DefaultChromeConfig()
	cc.Headless = cfg.Session.Headless
	cc.NavTimeout = time.Duration(cfg.Session.NavTimeoutSec) * time.Second
	cc.HostQPS = cfg.Session.HostQPS
	return cc
}

func healthConfig(cfg config.Config) health.Config {
	return health.Config{
		ZeroResult:      health.Thresholds{Suspect: cfg.Health.ZeroResultSuspect, Block: cfg.Health.ZeroResultBlock},
		TransportError:  health.Thresholds{Suspect: cfg.Health.TransportSuspect, Block: cfg.Health.TransportBlock},
		ExtractionError: health.Thresholds{Suspect: cfg.Health.ExtractionSuspect, Block: cfg.Health.ExtractionBlock},
		SuspectDelay:    time.Duration(cfg.Health.SuspectDelaySeconds) * time.Second,
		BlockedDelay:    time.Duration(cfg.Health.BlockedDelaySeconds) * time.Second,
	}
}

func ingestConfig(cfg config.Config) ingest.Config {
	ic := ingest.DefaultConfig()
	ic.Limits = scrape.ValidationLimits{MinPrice: cfg.Ingest.MinPrice, MaxPrice: cfg.Ingest.MaxPrice}
	ic.PriceDropPct = cfg.Ingest.PriceDropPct
	ic.AbsoluteDrops = cfg.Ingest.AbsoluteDrops
	ic.ClearanceDiscount = cfg.Ingest.ClearanceDiscount
	return ic
}

func supervisorConfig(cfg config.Config, runID string) supervisor.Config {
	sc := supervisor.DefaultConfig()
	sc.RunID = runID
	sc.MaxWorkers = cfg.Crawl.MaxWorkers
	sc.Tick = cfg.CheckInterval()
	sc.ScaleUpCooldown = time.Duration(cfg.Crawl.ScaleUpCooldownSeconds) * time.Second
	sc.StallAfter = time.Duration(cfg.Crawl.StallAfterSeconds) * time.Second
	sc.MinFreeMemoryBytes = uint64(cfg.Crawl.MinFreeMemoryMB) << 20
	sc.MaxCPUPercent = cfg.Crawl.MaxCPUPercent
	sc.QuarantineRetention = time.Duration(cfg.Crawl.QuarantineRetentionHrs) * time.Hour
	return sc
}
