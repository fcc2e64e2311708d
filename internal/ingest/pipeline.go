// Package ingest turns raw scrape rows into compressed price history and
// idempotent alerts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelfwatch/shelfwatch/internal/metrics"
	"github.com/shelfwatch/shelfwatch/internal/notify"
	"github.com/shelfwatch/shelfwatch/internal/scrape"
	"github.com/shelfwatch/shelfwatch/internal/store"
)

// Config tunes validation and alert thresholds.
type Config struct {
	Limits scrape.ValidationLimits
	// PriceDropPct fires PRICE_DROP when the new price is at or below
	// previous * (1 - PriceDropPct).
	PriceDropPct float64
	// AbsoluteDrops maps category IDs to an absolute price-drop
	// threshold; either rule firing is sufficient.
	AbsoluteDrops map[string]float64
	// ClearanceDiscount marks an observation as clearance when the
	// discount fraction reaches this value, in addition to the site's
	// explicit clearance signal.
	ClearanceDiscount float64
}

// DefaultConfig mirrors the thresholds used in steady-state runs.
func DefaultConfig() Config {
	return Config{
		Limits:            scrape.DefaultValidationLimits(),
		PriceDropPct:      0.25,
		ClearanceDiscount: 0.5,
	}
}

// Summary reports what one batch produced.
type Summary struct {
	Accepted    int
	Deduped     int
	Quarantined int
	NewEntries  int
	Extended    int
	Alerts      int
}

// Pipeline consumes raw rows from any worker. Different keys ingest
// fully in parallel; writes for one (store, item) key are serialized by
// a keyed lock so concurrent workers observing the same item through
// overlapping categories cannot interleave steps 3..5.
type Pipeline struct {
	cfg        Config
	history    store.HistoryStore
	alerts     store.AlertStore
	quarantine store.QuarantineStore
	dispatcher notify.Dispatcher
	logger     *zap.Logger

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// New builds a Pipeline over the given stores and alert dispatcher.
func New(
	cfg Config,
	history store.HistoryStore,
	alerts store.AlertStore,
	quarantine store.QuarantineStore,
	dispatcher notify.Dispatcher,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = notify.NoOp{}
	}
	if cfg.Limits == (scrape.ValidationLimits{}) {
		cfg.Limits = scrape.DefaultValidationLimits()
	}
	return &Pipeline{
		cfg:        cfg,
		history:    history,
		alerts:     alerts,
		quarantine: quarantine,
		dispatcher: dispatcher,
		logger:     logger,
		keys:       make(map[string]*sync.Mutex),
	}
}

// Ingest processes one batch of rows from a single page. Row-level
// failures quarantine the row and continue; a persisted-store failure
// aborts so the caller does not advance its checkpoint.
func (p *Pipeline) Ingest(ctx context.Context, targetKey string, batch []scrape.RawRow) (Summary, error) {
	var sum Summary
	seen := make(map[string]struct{}, len(batch))

	for _, row := range batch {
		if reason, ok := scrape.ValidateRow(row, p.cfg.Limits); !ok {
			sum.Quarantined++
			metrics.RowsQuarantined.Inc()
			if err := p.quarantine.Insert(ctx, scrape.QuarantineRecord{
				Reason:    reason,
				Row:       row,
				TargetKey: targetKey,
				At:        row.ScrapedAt,
			}); err != nil {
				return sum, fmt.Errorf("quarantine row: %w", err)
			}
			continue
		}

		// Collapse duplicate (store, item) observations within the
		// batch, keeping first-seen; pages re-extract the same tile
		// more often than you would expect.
		key := row.StoreID + "\x00" + row.ItemID
		if _, dup := seen[key]; dup {
			sum.Deduped++
			continue
		}
		seen[key] = struct{}{}

		fired, inserted, err := p.ingestRow(ctx, row)
		if err != nil {
			return sum, err
		}
		sum.Accepted++
		if inserted {
			sum.NewEntries++
		} else {
			sum.Extended++
		}
		sum.Alerts += fired
		metrics.ItemsIngested.Inc()
	}
	return sum, nil
}

// ingestRow runs the diff-and-alert steps under the per-key lock.
// Returns the number of alerts fired and whether a new entry was
// inserted (false means the open entry was extended).
func (p *Pipeline) ingestRow(ctx context.Context, row scrape.RawRow) (int, bool, error) {
	unlock := p.lockKey(row.StoreID, row.ItemID)
	defer unlock()

	discount := row.DiscountFraction()
	clearance := row.IsClearance || (p.cfg.ClearanceDiscount > 0 && discount >= p.cfg.ClearanceDiscount)

	prev, err := p.history.LatestEntry(ctx, row.StoreID, row.ItemID)
	havePrev := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, false, fmt.Errorf("load latest entry: %w", err)
	}

	if havePrev && prev.SameState(row.Price, row.PriceWas, discount, row.Availability, clearance) {
		if err := p.history.TouchEntry(ctx, prev.ID, row.ScrapedAt); err != nil {
			return 0, false, fmt.Errorf("extend entry: %w", err)
		}
		fired, err := p.replayAlerts(ctx, prev)
		return fired, false, err
	}

	entry := scrape.HistoryEntry{
		StoreID:          row.StoreID,
		ItemID:           row.ItemID,
		Title:            row.Title,
		CategoryID:       row.CategoryID,
		StartedAt:        row.ScrapedAt,
		UpdatedAt:        row.ScrapedAt,
		Price:            row.Price,
		PriceWas:         row.PriceWas,
		DiscountFraction: discount,
		Availability:     row.Availability,
		IsClearance:      clearance,
	}
	if err := p.history.InsertEntry(ctx, &entry); err != nil {
		return 0, false, fmt.Errorf("insert entry: %w", err)
	}

	fired, err := p.evaluateAlerts(ctx, entry, prev, havePrev)
	if err != nil {
		return fired, true, err
	}
	return fired, true, nil
}

// replayAlerts re-runs the alert rules for the open entry against its
// predecessor. A crash between inserting an entry and persisting its
// alerts leaves the checkpoint behind, so the page replays down the
// extend path; re-evaluating here recovers the lost alert, and
// InsertOnce makes it a no-op whenever the alerts already landed.
func (p *Pipeline) replayAlerts(ctx context.Context, latest scrape.HistoryEntry) (int, error) {
	entries, err := p.history.History(ctx, latest.StoreID, latest.ItemID, 2)
	if err != nil {
		return 0, fmt.Errorf("load history for alert replay: %w", err)
	}
	var before scrape.HistoryEntry
	haveBefore := len(entries) > 1
	if haveBefore {
		before = entries[1]
	}
	return p.evaluateAlerts(ctx, latest, before, haveBefore)
}

// evaluateAlerts applies the alert rules against the previous entry
// only. Both rules may fire independently for the same observation.
func (p *Pipeline) evaluateAlerts(ctx context.Context, entry, prev scrape.HistoryEntry, havePrev bool) (int, error) {
	fired := 0

	if entry.IsClearance && (!havePrev || !prev.IsClearance) {
		n, err := p.fire(ctx, scrape.AlertNewClearance, entry, prev)
		if err != nil {
			return fired, err
		}
		fired += n
	}

	if havePrev && p.isPriceDrop(entry, prev) {
		n, err := p.fire(ctx, scrape.AlertPriceDrop, entry, prev)
		if err != nil {
			return fired, err
		}
		fired += n
	}
	return fired, nil
}

func (p *Pipeline) isPriceDrop(entry, prev scrape.HistoryEntry) bool {
	if entry.Price >= prev.Price {
		return false
	}
	if p.cfg.PriceDropPct > 0 && entry.Price <= prev.Price*(1-p.cfg.PriceDropPct) {
		return true
	}
	if abs, ok := p.cfg.AbsoluteDrops[entry.CategoryID]; ok && prev.Price-entry.Price >= abs {
		return true
	}
	return false
}

// fire persists the alert once and dispatches it only when newly
// inserted, so a replayed observation cannot notify twice.
func (p *Pipeline) fire(ctx context.Context, typ scrape.AlertType, entry, prev scrape.HistoryEntry) (int, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return 0, fmt.Errorf("alert id: %w", err)
	}
	alert := scrape.AlertEvent{
		ID:             id.String(),
		Type:           typ,
		StoreID:        entry.StoreID,
		ItemID:         entry.ItemID,
		Title:          entry.Title,
		Price:          entry.Price,
		PreviousPrice:  prev.Price,
		HistoryEntryID: entry.ID,
		At:             entry.UpdatedAt,
	}
	inserted, err := p.alerts.InsertOnce(ctx, alert)
	if err != nil {
		return 0, fmt.Errorf("persist alert: %w", err)
	}
	if !inserted {
		return 0, nil
	}
	metrics.AlertsFired.WithLabelValues(string(typ)).Inc()
	p.logger.Info("alert fired",
		zap.String("type", string(typ)),
		zap.String("store_id", entry.StoreID),
		zap.String("item_id", entry.ItemID),
		zap.Float64("price", entry.Price),
		zap.Float64("previous_price", prev.Price),
	)
	p.dispatch(ctx, alert)
	return 1, nil
}

// dispatch hands the alert to the external sink. Delivery failures are
// logged, not propagated: the alert is already durable and a sink outage
// must not stall ingestion.
func (p *Pipeline) dispatch(ctx context.Context, alert scrape.AlertEvent) {
	var err error
	switch alert.Type {
	case scrape.AlertNewClearance:
		err = p.dispatcher.NotifyNewClearance(ctx, alert)
	case scrape.AlertPriceDrop:
		err = p.dispatcher.NotifyPriceDrop(ctx, alert)
	}
	if err != nil {
		p.logger.Warn("alert dispatch failed",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
	}
}

// PurgeQuarantine garbage-collects quarantine records older than the
// retention window.
func (p *Pipeline) PurgeQuarantine(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	removed, err := p.quarantine.PurgeOlderThan(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge quarantine: %w", err)
	}
	return removed, nil
}

func (p *Pipeline) lockKey(storeID, itemID string) func() {
	key := storeID + "\x00" + itemID
	p.mu.Lock()
	lock, ok := p.keys[key]
	if !ok {
		lock = &sync.Mutex{}
		p.keys[key] = lock
	}
	p.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
