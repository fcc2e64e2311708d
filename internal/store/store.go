// Package store defines the persistence interfaces for history,
// checkpoints, quarantine, alerts, and run status. All business logic
// depends on these interfaces, never on a concrete backend, so the
// pipeline and supervisor can be tested without a running database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shelfwatch/shelfwatch/internal/scrape"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the aggregate progress row the supervisor persists on
// every tick so external processes can observe the run.
type RunStatus struct {
	RunID             string
	StartedAt         time.Time
	UpdatedAt         time.Time
	ActiveWorkers     int
	WorkersLaunched   int64
	TotalItems        int64
	BlockingIncidents int64
}

// HistoryStore persists compressed per-(store, item) price state.
type HistoryStore interface {
	// LatestEntry returns the open entry for the key, or ErrNotFound.
	LatestEntry(ctx context.Context, storeID, itemID string) (scrape.HistoryEntry, error)
	// InsertEntry appends a new state entry and fills in its ID.
	InsertEntry(ctx context.Context, entry *scrape.HistoryEntry) error
	// TouchEntry advances UpdatedAt on an existing entry in place.
	TouchEntry(ctx context.Context, id int64, updatedAt time.Time) error
	// History lists entries for a key, most recent first.
	History(ctx context.Context, storeID, itemID string, limit int) ([]scrape.HistoryEntry, error)
}

// CheckpointStore records the last fully-ingested page per target. The
// write must be durable before the checkpoint is considered complete;
// replaying work after a crash is safe because ingestion is idempotent.
type CheckpointStore interface {
	Read(ctx context.Context, targetKey string) (scrape.Checkpoint, error)
	Write(ctx context.Context, cp scrape.Checkpoint) error
}

// AlertStore persists fired alerts with an idempotence guard.
type AlertStore interface {
	// InsertOnce persists the alert unless one with the same type and
	// history entry already exists. Returns true when newly inserted;
	// only then may the alert be dispatched.
	InsertOnce(ctx context.Context, alert scrape.AlertEvent) (bool, error)
}

// QuarantineStore keeps rejected rows for inspection.
type QuarantineStore interface {
	Insert(ctx context.Context, rec scrape.QuarantineRecord) error
	// PurgeOlderThan garbage-collects records past the retention age and
	// returns how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunStatusStore persists the supervisor's aggregate status.
type RunStatusStore interface {
	UpsertRunStatus(ctx context.Context, status RunStatus) error
}

// Store bundles every persistence concern behind one handle.
type Store interface {
	HistoryStore
	CheckpointStore
	AlertStore
	QuarantineStore
	RunStatusStore
	Close()
}
