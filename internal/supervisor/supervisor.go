// Package supervisor schedules crawl workers: it assigns targets,
// watches health reports, and scales the pool up or down on a fixed
// tick. Safety beats throughput in every decision.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwatch/shelfwatch/internal/health"
	"github.com/shelfwatch/shelfwatch/internal/ingest"
	"github.com/shelfwatch/shelfwatch/internal/metrics"
	"github.com/shelfwatch/shelfwatch/internal/resource"
	"github.com/shelfwatch/shelfwatch/internal/scrape"
	"github.com/shelfwatch/shelfwatch/internal/status"
	"github.com/shelfwatch/shelfwatch/internal/store"
	"github.com/shelfwatch/shelfwatch/internal/worker"
)

// Runner is the slice of worker the supervisor drives. *worker.Worker
// satisfies it; tests substitute scripted runners.
type Runner interface {
	Run(ctx context.Context) error
	State() scrape.WorkerState
	Items() int64
}

// WorkerFactory builds the runner for one assignment. The supervisor
// owns worker IDs and the shared report channel.
type WorkerFactory func(id int, a worker.Assignment, reports chan<- scrape.HealthReport) Runner

// Config tunes the control loop.
type Config struct {
	RunID      string
	MaxWorkers int
	Tick       time.Duration

	ScaleUpCooldown time.Duration
	// StallAfter is how long without new items before a worker counts
	// as stalled.
	StallAfter time.Duration

	MinFreeMemoryBytes uint64
	MaxCPUPercent      float64

	QuarantineRetention time.Duration
	QuarantineGCEvery   time.Duration
}

// DefaultConfig returns conservative production settings.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:          4,
		Tick:                15 * time.Second,
		ScaleUpCooldown:     2 * time.Minute,
		StallAfter:          5 * time.Minute,
		MinFreeMemoryBytes:  1 << 30, // one browser session costs real memory
		MaxCPUPercent:       80,
		QuarantineRetention: 7 * 24 * time.Hour,
		QuarantineGCEvery:   time.Hour,
	}
}

// handle tracks one launched worker. Workers are stacked in launch
// order; scale-down pops the most recent so warmed-up sessions survive.
type handle struct {
	id         int
	runner     Runner
	cancel     context.CancelFunc
	done       chan struct{}
	assignment worker.Assignment

	last         scrape.HealthReport
	lastProgress time.Time
	launchedAt   time.Time
}

// Supervisor runs the control loop. Workers communicate with it only
// through health reports; it never calls into a running worker.
type Supervisor struct {
	cfg        Config
	monitor    *health.Monitor
	sampler    resource.Sampler
	newWorker  WorkerFactory
	pipeline   *ingest.Pipeline
	statusFile *status.Writer
	runStatus  store.RunStatusStore
	logger     *zap.Logger

	reports chan scrape.HealthReport

	mu           sync.Mutex
	queue        []worker.Assignment
	workers      []*handle
	nextWorkerID int
	launched     int64
	retiredItems int64

	startedAt   time.Time
	lastScaleUp time.Time
	lastGC      time.Time
	wg          sync.WaitGroup
}

// New wires a supervisor over the assignment queue.
func New(
	cfg Config,
	queue []worker.Assignment,
	newWorker WorkerFactory,
	monitor *health.Monitor,
	sampler resource.Sampler,
	pipeline *ingest.Pipeline,
	statusFile *status.Writer,
	runStatus store.RunStatusStore,
	logger *zap.Logger,
) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sampler == nil {
		sampler = resource.Fixed{Reading: resource.Sample{AvailableMemoryBytes: 1 << 40}}
	}
	return &Supervisor{
		cfg:        cfg,
		queue:      queue,
		newWorker:  newWorker,
		monitor:    monitor,
		sampler:    sampler,
		pipeline:   pipeline,
		statusFile: statusFile,
		runStatus:  runStatus,
		logger:     logger,
		reports:    make(chan scrape.HealthReport, 256),
		nextWorkerID: 1,
	}
}

// Run drives the control loop until ctx is canceled, then drains:
// workers get canceled, in-flight reports are absorbed, and final
// status is persisted before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	s.lastGC = s.startedAt
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	// First evaluation immediately, so a run with capacity does not
	// idle for a full tick before launching anything.
	s.evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case report := <-s.reports:
			s.absorb(report)
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

func (s *Supervisor) absorb(report scrape.HealthReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.workers {
		if h.id != report.WorkerID {
			continue
		}
		if report.ItemsProduced > h.last.ItemsProduced {
			h.lastProgress = report.At
		}
		h.last = report
		return
	}
}

// evaluate is one tick: prune finished workers, decide, apply, persist.
func (s *Supervisor) evaluate(ctx context.Context) {
	s.mu.Lock()
	s.pruneLocked()

	view := s.viewLocked(ctx)
	decision, reason := decide(view, limits{
		minFreeMemoryBytes: s.cfg.MinFreeMemoryBytes,
		maxCPUPercent:      s.cfg.MaxCPUPercent,
		scaleUpCooldown:    s.cfg.ScaleUpCooldown,
	})

	switch decision {
	case ScaleDown:
		s.scaleDownLocked()
	case ScaleUp:
		s.scaleUpLocked(ctx)
	case Hold:
		if reason == "majority stalled" {
			s.logger.Warn("pool held for investigation",
				zap.Int("active", view.active),
				zap.Int("stalled", view.stalled),
			)
		}
	}
	if decision != Hold {
		s.logger.Info("scaling decision",
			zap.String("decision", string(decision)),
			zap.String("reason", reason),
			zap.Int("active", len(s.workers)),
		)
		metrics.ScaleEvents.WithLabelValues(string(decision)).Inc()
	}
	metrics.ActiveWorkers.Set(float64(len(s.workers)))
	metrics.HealthState.Set(healthGaugeValue(view.health))

	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(ctx, snap)
	s.maybeGC(ctx)
}

// pruneLocked retires workers whose goroutine has exited, folding their
// item counts into the run total.
func (s *Supervisor) pruneLocked() {
	kept := s.workers[:0]
	for _, h := range s.workers {
		select {
		case <-h.done:
			s.retiredItems += h.runner.Items()
		default:
			kept = append(kept, h)
		}
	}
	s.workers = kept
}

func (s *Supervisor) viewLocked(ctx context.Context) poolView {
	sample, err := s.sampler.Sample(ctx)
	if err != nil {
		s.logger.Warn("resource sample failed", zap.Error(err))
	}
	stalled := 0
	now := time.Now()
	for _, h := range s.workers {
		reference := h.lastProgress
		if reference.IsZero() {
			reference = h.launchedAt
		}
		// A missing health report counts against the worker too.
		if now.Sub(reference) > s.cfg.StallAfter {
			stalled++
		}
	}
	return poolView{
		active:           len(s.workers),
		max:              s.cfg.MaxWorkers,
		unclaimed:        len(s.queue),
		stalled:          stalled,
		health:           s.monitor.State(),
		freeMemoryBytes:  sample.AvailableMemoryBytes,
		cpuPercent:       sample.CPUPercent,
		sinceLastScaleUp: now.Sub(s.lastScaleUp),
	}
}

func (s *Supervisor) scaleUpLocked(ctx context.Context) {
	if len(s.queue) == 0 {
		return
	}
	assignment := s.queue[0]
	s.queue = s.queue[1:]

	id := s.nextWorkerID
	s.nextWorkerID++
	runner := s.newWorker(id, assignment, s.reports)

	wctx, cancel := context.WithCancel(ctx)
	h := &handle{
		id:         id,
		runner:     runner,
		cancel:     cancel,
		done:       make(chan struct{}),
		assignment: assignment,
		launchedAt: time.Now(),
	}
	s.workers = append(s.workers, h)
	s.launched++
	s.lastScaleUp = h.launchedAt

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		if err := runner.Run(wctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("worker exited with error",
				zap.Int("worker_id", h.id),
				zap.Error(err),
			)
		}
	}()

	s.logger.Info("worker launched",
		zap.Int("worker_id", id),
		zap.String("store_id", assignment.Store.ID),
		zap.Int("targets", len(assignment.Targets)),
	)
}

// scaleDownLocked stops the most recently launched worker and returns
// its assignment to the queue front so the work is not lost.
func (s *Supervisor) scaleDownLocked() {
	if len(s.workers) == 0 {
		return
	}
	h := s.workers[len(s.workers)-1]
	s.workers = s.workers[:len(s.workers)-1]
	h.cancel()
	s.retiredItems += h.runner.Items()
	s.queue = append([]worker.Assignment{h.assignment}, s.queue...)

	s.logger.Info("worker stopped",
		zap.Int("worker_id", h.id),
		zap.String("store_id", h.assignment.Store.ID),
	)
}

func (s *Supervisor) snapshotLocked() status.Snapshot {
	now := time.Now()
	total := s.retiredItems
	workers := make([]status.WorkerStatus, 0, len(s.workers))
	for _, h := range s.workers {
		items := h.runner.Items()
		total += items
		workers = append(workers, status.WorkerStatus{
			ID:             h.id,
			Target:         h.last.TargetKey,
			Alive:          h.runner.State() == scrape.WorkerRunning || h.runner.State() == scrape.WorkerStarting,
			Items:          items,
			ItemsPerMinute: h.last.ItemsPerMinute,
			MemoryMB:       float64(h.last.MemoryBytes) / (1 << 20),
			CPUPercent:     h.last.CPUPercent,
		})
	}
	return status.Snapshot{
		RunID:         s.cfg.RunID,
		Timestamp:     now.UTC(),
		UptimeSeconds: now.Sub(s.startedAt).Seconds(),
		Stats: status.Stats{
			TotalItems:        total,
			WorkersLaunched:   s.launched,
			BlockingIncidents: s.monitor.BlockIncidents(),
		},
		Workers: workers,
	}
}

// persist writes the status file and the run-status row. Either failing
// is logged, never fatal: observability must not take down the crawl.
func (s *Supervisor) persist(ctx context.Context, snap status.Snapshot) {
	if s.statusFile != nil {
		if err := s.statusFile.Write(snap); err != nil {
			s.logger.Warn("status file write failed", zap.Error(err))
		}
	}
	if s.runStatus != nil {
		err := s.runStatus.UpsertRunStatus(ctx, store.RunStatus{
			RunID:             snap.RunID,
			StartedAt:         s.startedAt.UTC(),
			UpdatedAt:         snap.Timestamp,
			ActiveWorkers:     len(snap.Workers),
			WorkersLaunched:   snap.Stats.WorkersLaunched,
			TotalItems:        snap.Stats.TotalItems,
			BlockingIncidents: snap.Stats.BlockingIncidents,
		})
		if err != nil {
			s.logger.Warn("run status upsert failed", zap.Error(err))
		}
	}
	metrics.BlockingIncidents.Set(float64(snap.Stats.BlockingIncidents))
}

func (s *Supervisor) maybeGC(ctx context.Context) {
	if s.pipeline == nil || s.cfg.QuarantineRetention <= 0 {
		return
	}
	if time.Since(s.lastGC) < s.cfg.QuarantineGCEvery {
		return
	}
	s.lastGC = time.Now()
	removed, err := s.pipeline.PurgeQuarantine(ctx, s.cfg.QuarantineRetention, time.Now().UTC())
	if err != nil {
		s.logger.Warn("quarantine gc failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("quarantine gc", zap.Int64("removed", removed))
	}
}

func healthGaugeValue(st health.State) float64 {
	switch st {
	case health.Blocked:
		return 2
	case health.Suspect:
		return 1
	default:
		return 0
	}
}

// drain cancels every worker, waits for their goroutines, and persists
// final status. It does not wait for target completion.
func (s *Supervisor) drain() error {
	s.mu.Lock()
	for _, h := range s.workers {
		h.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	s.pruneLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	// Best-effort with its own deadline; the run context is dead.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.persist(ctx, snap)
	s.logger.Info("supervisor drained",
		zap.Int64("total_items", snap.Stats.TotalItems),
		zap.Int64("workers_launched", snap.Stats.WorkersLaunched),
	)
	return nil
}
