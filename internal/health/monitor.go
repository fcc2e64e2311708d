// Package health classifies crawl health from rolling failure counters.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the coarse health classification of a crawl run.
type State string

// Health states, ordered from best to worst.
const (
	Healthy State = "HEALTHY"
	Suspect State = "SUSPECT"
	Blocked State = "BLOCKED"
)

// Thresholds holds the (suspect, block) pair for one counter.
type Thresholds struct {
	Suspect int
	Block   int
}

// Config sets per-counter thresholds and per-state pacing penalties.
type Config struct {
	ZeroResult      Thresholds
	TransportError  Thresholds
	ExtractionError Thresholds
	SuspectDelay    time.Duration
	BlockedDelay    time.Duration
}

// DefaultConfig returns thresholds tuned for a single site crawl.
func DefaultConfig() Config {
	return Config{
		ZeroResult:      Thresholds{Suspect: 3, Block: 8},
		TransportError:  Thresholds{Suspect: 3, Block: 6},
		ExtractionError: Thresholds{Suspect: 4, Block: 10},
		SuspectDelay:    5 * time.Second,
		BlockedDelay:    15 * time.Second,
	}
}

// Monitor is a pure state machine over rolling failure counters. One
// instance exists per crawl run, shared by the workers and the
// supervisor. Counters are reset only by explicit recovery signals,
// never by elapsed time.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger

	zeroStreak      int
	transportErrs   int
	extractionErrs  int
	lastState       State
	blockIncidents  int64
}

// NewMonitor builds a Monitor starting in the Healthy state.
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{cfg: cfg, logger: logger, lastState: Healthy}
}

// RecordSuccess registers n successfully extracted items. A success
// resets the zero-result streak and decrements the error counters, so a
// bad streak is worked off gradually rather than erased.
func (m *Monitor) RecordSuccess(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zeroStreak = 0
	if m.transportErrs > 0 {
		m.transportErrs--
	}
	if m.extractionErrs > 0 {
		m.extractionErrs--
	}
	m.observeTransition()
}

// RecordZeroResult registers a page that yielded no rows. Legitimately
// empty categories count too; the monitor cannot tell them apart from a
// soft block, and under-counting could mask genuine blocking.
func (m *Monitor) RecordZeroResult() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zeroStreak++
	m.observeTransition()
}

// RecordTransportError registers a navigation timeout, reset, or other
// transport-level failure.
func (m *Monitor) RecordTransportError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transportErrs++
	m.observeTransition()
}

// RecordExtractionError registers a page where content was expected but
// the selectors returned nothing.
func (m *Monitor) RecordExtractionError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractionErrs++
	m.observeTransition()
}

// State derives the current classification. Blocked if any counter hits
// its block threshold, Suspect if any hits its suspect threshold, else
// Healthy. The strict OR is deliberate: a single saturating failure mode
// must dominate regardless of how the other counters look.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// RecommendedExtraDelay returns the fixed pacing penalty for the current
// state. Workers add it to their randomized pacing delay, closing the
// feedback loop between detection and crawl speed.
func (m *Monitor) RecommendedExtraDelay() time.Duration {
	switch m.State() {
	case Blocked:
		return m.cfg.BlockedDelay
	case Suspect:
		return m.cfg.SuspectDelay
	default:
		return 0
	}
}

// BlockIncidents returns how many times the monitor has entered Blocked.
func (m *Monitor) BlockIncidents() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockIncidents
}

func (m *Monitor) stateLocked() State {
	switch {
	case m.zeroStreak >= m.cfg.ZeroResult.Block,
		m.transportErrs >= m.cfg.TransportError.Block,
		m.extractionErrs >= m.cfg.ExtractionError.Block:
		return Blocked
	case m.zeroStreak >= m.cfg.ZeroResult.Suspect,
		m.transportErrs >= m.cfg.TransportError.Suspect,
		m.extractionErrs >= m.cfg.ExtractionError.Suspect:
		return Suspect
	default:
		return Healthy
	}
}

func (m *Monitor) observeTransition() {
	next := m.stateLocked()
	if next == m.lastState {
		return
	}
	if next == Blocked {
		m.blockIncidents++
	}
	m.logger.Warn("health state transition",
		zap.String("from", string(m.lastState)),
		zap.String("to", string(next)),
		zap.Int("zero_result_streak", m.zeroStreak),
		zap.Int("transport_errors", m.transportErrs),
		zap.Int("extraction_errors", m.extractionErrs),
	)
	m.lastState = next
}
