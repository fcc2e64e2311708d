// Package worker runs one browser session against one store's targets,
// restarting the session on failure and resuming from checkpoints.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwatch/shelfwatch/internal/archive"
	"github.com/shelfwatch/shelfwatch/internal/ingest"
	"github.com/shelfwatch/shelfwatch/internal/metrics"
	"github.com/shelfwatch/shelfwatch/internal/resource"
	"github.com/shelfwatch/shelfwatch/internal/scrape"
	"github.com/shelfwatch/shelfwatch/internal/session"
	"github.com/shelfwatch/shelfwatch/internal/store"
)

// SessionFactory builds a fresh lifecycle for each session attempt. The
// store cache is owned by the caller so resolutions survive restarts.
type SessionFactory func() *session.Lifecycle

// Config tunes one worker.
type Config struct {
	ID         int
	RunID      string
	HealthTick time.Duration
	Restart    RestartPolicy
}

// Assignment is one store and its category targets.
type Assignment struct {
	Store   scrape.StoreRef
	Targets []scrape.Target
}

// Worker owns exactly one session at a time. Failures are reported
// through health reports and the quarantine store; a worker never
// crashes the supervisor.
type Worker struct {
	cfg        Config
	assignment Assignment
	newSession SessionFactory
	pipeline   *ingest.Pipeline
	cps        store.CheckpointStore
	quarantine store.QuarantineStore
	archiver   archive.Archiver
	sampler    resource.Sampler
	reports    chan<- scrape.HealthReport
	logger     *zap.Logger

	items     atomic.Int64
	errStreak atomic.Int64
	state     atomic.Value // scrape.WorkerState
	startedAt time.Time
	targetKey atomic.Value // string
}

// New wires a worker. reports must be buffered or drained promptly; a
// full channel drops the report rather than blocking the crawl.
func New(
	cfg Config,
	assignment Assignment,
	newSession SessionFactory,
	pipeline *ingest.Pipeline,
	cps store.CheckpointStore,
	quarantine store.QuarantineStore,
	archiver archive.Archiver,
	sampler resource.Sampler,
	reports chan<- scrape.HealthReport,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if archiver == nil {
		archiver = archive.NoOp{}
	}
	if sampler == nil {
		sampler = resource.Fixed{}
	}
	w := &Worker{
		cfg:        cfg,
		assignment: assignment,
		newSession: newSession,
		pipeline:   pipeline,
		cps:        cps,
		quarantine: quarantine,
		archiver:   archiver,
		sampler:    sampler,
		reports:    reports,
		logger:     logger.With(zap.Int("worker_id", cfg.ID), zap.String("store_id", assignment.Store.ID)),
	}
	w.state.Store(scrape.WorkerStarting)
	w.targetKey.Store(assignment.Store.ID)
	return w
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() scrape.WorkerState {
	return w.state.Load().(scrape.WorkerState)
}

// Items returns the total rows accepted so far.
func (w *Worker) Items() int64 { return w.items.Load() }

// Run crawls every assigned target, then returns. Target-level failures
// are skipped and logged; Run only errors on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.startedAt = time.Now()
	reportCtx, stopReports := context.WithCancel(context.Background())
	defer stopReports()
	go w.reportLoop(reportCtx)

	var lc *session.Lifecycle
	defer func() {
		if lc != nil {
			_ = lc.Close()
		}
	}()

	for i, target := range w.assignment.Targets {
		if err := ctx.Err(); err != nil {
			w.state.Store(scrape.WorkerFailed)
			return err
		}
		w.targetKey.Store(target.Key())

		var err error
		lc, err = w.crawlTarget(ctx, lc, target)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.state.Store(scrape.WorkerFailed)
				return err
			}
			w.logger.Warn("target skipped",
				zap.String("target", target.Key()),
				zap.Error(err),
			)
			continue
		}
		if lc != nil && i < len(w.assignment.Targets)-1 {
			lc.PaceBetweenCategories(ctx)
		}
	}

	w.state.Store(scrape.WorkerDone)
	w.sendReport(ctx)
	return nil
}

// crawlTarget crawls one category with bounded session restarts. It
// returns the lifecycle still in use so warmed-up sessions carry over
// to the next target.
func (w *Worker) crawlTarget(ctx context.Context, lc *session.Lifecycle, target scrape.Target) (*session.Lifecycle, error) {
	startPage := w.resumePage(ctx, target)

	var lastErr error
	for attempt := 0; ; attempt++ {
		var err error
		lc, err = w.ensureSession(ctx, lc)
		if err == nil {
			w.state.Store(scrape.WorkerRunning)
			err = w.crawlOnce(ctx, lc, target, startPage)
		}
		if err == nil {
			w.errStreak.Store(0)
			return lc, nil
		}
		lastErr = err

		if errors.Is(err, session.ErrExtractionDrift) {
			// Schema drift quarantines the category; a fresh session
			// will not fix selectors that no longer match.
			w.quarantineCategory(ctx, target, err)
			return lc, nil
		}

		w.errStreak.Add(1)
		if !w.cfg.Restart.ShouldRetry(err, attempt) {
			break
		}
		w.logger.Warn("session restart",
			zap.String("target", target.Key()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		metrics.SessionRestarts.Inc()
		if lc != nil {
			_ = lc.Close()
			lc = nil
		}
		w.pause(ctx, w.cfg.Restart.Backoff(attempt))
		// Resume from the checkpoint, not the top of the category.
		startPage = w.resumePage(ctx, target)
	}
	if lc != nil {
		_ = lc.Close()
		lc = nil
	}
	return nil, fmt.Errorf("target %s failed after restarts: %w", target.Key(), lastErr)
}

// ensureSession returns a started, store-resolved lifecycle, opening a
// new one if needed.
func (w *Worker) ensureSession(ctx context.Context, lc *session.Lifecycle) (*session.Lifecycle, error) {
	if lc != nil && lc.State() != session.StateCrashed {
		return lc, nil
	}
	lc = w.newSession()
	if err := lc.Start(ctx); err != nil {
		return nil, err
	}
	if _, err := lc.ResolveStore(ctx, w.assignment.Store); err != nil {
		_ = lc.Close()
		return nil, err
	}
	return lc, nil
}

func (w *Worker) crawlOnce(ctx context.Context, lc *session.Lifecycle, target scrape.Target, startPage int) error {
	return lc.CrawlCategory(ctx, target, startPage, func(page int, rows []scrape.RawRow) error {
		sum, err := w.pipeline.Ingest(ctx, target.Key(), rows)
		if err != nil {
			// The checkpoint must not advance past a page whose rows
			// did not durably land.
			return err
		}
		w.items.Add(int64(sum.Accepted))
		if err := w.cps.Write(ctx, scrape.Checkpoint{
			TargetKey: target.Key(),
			LastPage:  page,
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
		return nil
	})
}

func (w *Worker) resumePage(ctx context.Context, target scrape.Target) int {
	cp, err := w.cps.Read(ctx, target.Key())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("checkpoint read failed", zap.String("target", target.Key()), zap.Error(err))
		}
		return 0
	}
	return cp.LastPage + 1
}

func (w *Worker) quarantineCategory(ctx context.Context, target scrape.Target, cause error) {
	rec := scrape.QuarantineRecord{
		Reason:    scrape.QuarantineSchemaDrift,
		TargetKey: target.Key(),
		At:        time.Now().UTC(),
	}
	if err := w.quarantine.Insert(ctx, rec); err != nil {
		w.logger.Error("quarantine category", zap.String("target", target.Key()), zap.Error(err))
	}
	metrics.RowsQuarantined.Inc()

	snapshot, err := json.Marshal(map[string]any{
		"targetKey":  target.Key(),
		"storeId":    target.StoreID,
		"categoryId": target.CategoryID,
		"url":        target.URL,
		"reason":     scrape.QuarantineSchemaDrift,
		"error":      cause.Error(),
		"at":         rec.At,
	})
	if err != nil {
		return
	}
	name := archive.ObjectName(w.cfg.RunID, target.StoreID, target.CategoryID, rec.At)
	if err := w.archiver.Save(ctx, name, snapshot); err != nil {
		w.logger.Warn("archive snapshot", zap.String("object", name), zap.Error(err))
	}
}

func (w *Worker) reportLoop(ctx context.Context) {
	tick := w.cfg.HealthTick
	if tick <= 0 {
		tick = 10 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sendReport(ctx)
		}
	}
}

func (w *Worker) sendReport(ctx context.Context) {
	sample, err := w.sampler.Sample(ctx)
	if err != nil {
		w.logger.Debug("resource sample failed", zap.Error(err))
	}
	items := w.items.Load()
	minutes := time.Since(w.startedAt).Minutes()
	var perMinute float64
	if minutes > 0 {
		perMinute = float64(items) / minutes
	}
	report := scrape.HealthReport{
		WorkerID:          w.cfg.ID,
		TargetKey:         w.targetKey.Load().(string),
		State:             w.State(),
		ItemsProduced:     items,
		ItemsPerMinute:    perMinute,
		MemoryBytes:       sample.ProcessRSSBytes,
		CPUPercent:        sample.CPUPercent,
		ConsecutiveErrors: int(w.errStreak.Load()),
		At:                time.Now().UTC(),
	}
	select {
	case w.reports <- report:
	default:
		// A slow supervisor never blocks the crawl; the missed report
		// shows up as a liveness gap on its side.
	}
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
