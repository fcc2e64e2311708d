// Package postgres provides the Postgres-backed persistence
// implementation for history, checkpoints, quarantine, alerts, and run
// status.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shelfwatch/shelfwatch/internal/scrape"
	"github.com/shelfwatch/shelfwatch/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type poolConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.Store on top of pgxpool. Single-writer-per-key
// discipline is enforced by the ingestion pipeline; the statements here
// only need to be individually atomic.
type Store struct {
	pool poolConn
}

// New connects to Postgres, verifies the connection, and applies pending
// migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a Store from an existing pool, primarily for
// tests backed by pgxmock.
func NewWithPool(pool poolConn) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// migrate applies pending SQL migrations in filename order. There are no
// down migrations; fix forward only.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := entry.Name()
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if applied {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + version)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version,
		); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	return nil
}

const queryLatestEntry = `
SELECT id, store_id, item_id, title, category_id, started_at, updated_at,
       price, price_was, discount_fraction, availability, is_clearance
FROM price_history
WHERE store_id = $1 AND item_id = $2
ORDER BY updated_at DESC, id DESC
LIMIT 1`

// LatestEntry returns the open entry for (storeID, itemID).
func (s *Store) LatestEntry(ctx context.Context, storeID, itemID string) (scrape.HistoryEntry, error) {
	var e scrape.HistoryEntry
	err := s.pool.QueryRow(ctx, queryLatestEntry, storeID, itemID).Scan(
		&e.ID, &e.StoreID, &e.ItemID, &e.Title, &e.CategoryID,
		&e.StartedAt, &e.UpdatedAt,
		&e.Price, &e.PriceWas, &e.DiscountFraction, &e.Availability, &e.IsClearance,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.HistoryEntry{}, store.ErrNotFound
		}
		return scrape.HistoryEntry{}, fmt.Errorf("latest history entry: %w", err)
	}
	return e, nil
}

const queryInsertEntry = `
INSERT INTO price_history (
	store_id, item_id, title, category_id, started_at, updated_at,
	price, price_was, discount_fraction, availability, is_clearance
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id`

// InsertEntry appends a new state entry and fills in its ID.
func (s *Store) InsertEntry(ctx context.Context, entry *scrape.HistoryEntry) error {
	err := s.pool.QueryRow(ctx, queryInsertEntry,
		entry.StoreID, entry.ItemID, entry.Title, entry.CategoryID,
		entry.StartedAt, entry.UpdatedAt,
		entry.Price, entry.PriceWas, entry.DiscountFraction,
		entry.Availability, entry.IsClearance,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// TouchEntry advances UpdatedAt in place; the guard keeps it monotonic
// under at-least-once replay.
func (s *Store) TouchEntry(ctx context.Context, id int64, updatedAt time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE price_history SET updated_at = $1 WHERE id = $2 AND updated_at <= $1`,
		updatedAt, id,
	); err != nil {
		return fmt.Errorf("touch history entry: %w", err)
	}
	return nil
}

const queryHistory = `
SELECT id, store_id, item_id, title, category_id, started_at, updated_at,
       price, price_was, discount_fraction, availability, is_clearance
FROM price_history
WHERE store_id = $1 AND item_id = $2
ORDER BY updated_at DESC, id DESC
LIMIT $3`

// History lists entries for a key, most recent first.
func (s *Store) History(ctx context.Context, storeID, itemID string, limit int) ([]scrape.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, queryHistory, storeID, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []scrape.HistoryEntry
	for rows.Next() {
		var e scrape.HistoryEntry
		if err := rows.Scan(
			&e.ID, &e.StoreID, &e.ItemID, &e.Title, &e.CategoryID,
			&e.StartedAt, &e.UpdatedAt,
			&e.Price, &e.PriceWas, &e.DiscountFraction, &e.Availability, &e.IsClearance,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// Read returns the checkpoint for a target.
func (s *Store) Read(ctx context.Context, targetKey string) (scrape.Checkpoint, error) {
	var cp scrape.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT target_key, last_page, updated_at FROM checkpoints WHERE target_key = $1`,
		targetKey,
	).Scan(&cp.TargetKey, &cp.LastPage, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Checkpoint{}, store.ErrNotFound
		}
		return scrape.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return cp, nil
}

const queryWriteCheckpoint = `
INSERT INTO checkpoints (target_key, last_page, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (target_key) DO UPDATE
SET last_page = EXCLUDED.last_page, updated_at = EXCLUDED.updated_at
WHERE checkpoints.last_page <= EXCLUDED.last_page`

// Write upserts the checkpoint. The conflict guard keeps the marker
// monotonic even if a restarted worker replays an older page.
func (s *Store) Write(ctx context.Context, cp scrape.Checkpoint) error {
	if _, err := s.pool.Exec(ctx, queryWriteCheckpoint,
		cp.TargetKey, cp.LastPage, cp.UpdatedAt,
	); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

const queryInsertAlert = `
INSERT INTO alerts (
	id, alert_type, store_id, item_id, title, price, previous_price,
	history_entry_id, fired_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (alert_type, history_entry_id) DO NOTHING`

// InsertOnce persists the alert unless the same transition already
// fired. The unique index on (alert_type, history_entry_id) makes replay
// a no-op.
func (s *Store) InsertOnce(ctx context.Context, alert scrape.AlertEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, queryInsertAlert,
		alert.ID, string(alert.Type), alert.StoreID, alert.ItemID, alert.Title,
		alert.Price, alert.PreviousPrice, alert.HistoryEntryID, alert.At,
	)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Insert appends a quarantine record; the raw row is kept as JSONB for
// inspection.
func (s *Store) Insert(ctx context.Context, rec scrape.QuarantineRecord) error {
	rowJSON, err := json.Marshal(rec.Row)
	if err != nil {
		return fmt.Errorf("marshal quarantined row: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO quarantine (reason, target_key, raw_row, recorded_at) VALUES ($1,$2,$3,$4)`,
		string(rec.Reason), rec.TargetKey, rowJSON, rec.At,
	); err != nil {
		return fmt.Errorf("insert quarantine record: %w", err)
	}
	return nil
}

// PurgeOlderThan garbage-collects quarantine records past retention.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM quarantine WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge quarantine: %w", err)
	}
	return tag.RowsAffected(), nil
}

const queryUpsertRunStatus = `
INSERT INTO run_status (
	run_id, started_at, updated_at, active_workers, workers_launched,
	total_items, blocking_incidents
) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (run_id) DO UPDATE
SET updated_at = EXCLUDED.updated_at,
    active_workers = EXCLUDED.active_workers,
    workers_launched = EXCLUDED.workers_launched,
    total_items = EXCLUDED.total_items,
    blocking_incidents = EXCLUDED.blocking_incidents`

// UpsertRunStatus persists the supervisor's aggregate status row.
func (s *Store) UpsertRunStatus(ctx context.Context, status store.RunStatus) error {
	if _, err := s.pool.Exec(ctx, queryUpsertRunStatus,
		status.RunID, status.StartedAt, status.UpdatedAt,
		status.ActiveWorkers, status.WorkersLaunched,
		status.TotalItems, status.BlockingIncidents,
	); err != nil {
		return fmt.Errorf("upsert run status: %w", err)
	}
	return nil
}
