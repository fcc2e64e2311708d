// Package memory implements the store interfaces in process memory. It
// backs tests and database-free development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shelfwatch/shelfwatch/internal/scrape"
	"github.com/shelfwatch/shelfwatch/internal/store"
)

// Store is an in-memory implementation of store.Store. Safe for
// concurrent use.
type Store struct {
	mu          sync.Mutex
	nextID      int64
	entries     map[string][]scrape.HistoryEntry
	checkpoints map[string]scrape.Checkpoint
	alerts      map[string]scrape.AlertEvent
	quarantine  []scrape.QuarantineRecord
	status      store.RunStatus
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		nextID:      1,
		entries:     make(map[string][]scrape.HistoryEntry),
		checkpoints: make(map[string]scrape.Checkpoint),
		alerts:      make(map[string]scrape.AlertEvent),
	}
}

func historyKey(storeID, itemID string) string {
	return storeID + "\x00" + itemID
}

// LatestEntry returns the most recently updated entry for the key.
func (s *Store) LatestEntry(_ context.Context, storeID, itemID string) (scrape.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[historyKey(storeID, itemID)]
	if len(list) == 0 {
		return scrape.HistoryEntry{}, store.ErrNotFound
	}
	return list[len(list)-1], nil
}

// InsertEntry appends a new state entry.
func (s *Store) InsertEntry(_ context.Context, entry *scrape.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextID
	s.nextID++
	key := historyKey(entry.StoreID, entry.ItemID)
	s.entries[key] = append(s.entries[key], *entry)
	return nil
}

// TouchEntry advances UpdatedAt on the identified entry.
func (s *Store) TouchEntry(_ context.Context, id int64, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, list := range s.entries {
		for i := range list {
			if list[i].ID == id {
				if updatedAt.After(list[i].UpdatedAt) {
					list[i].UpdatedAt = updatedAt
				}
				s.entries[key] = list
				return nil
			}
		}
	}
	return store.ErrNotFound
}

// History lists entries for a key, most recent first.
func (s *Store) History(_ context.Context, storeID, itemID string, limit int) ([]scrape.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[historyKey(storeID, itemID)]
	out := append([]scrape.HistoryEntry(nil), list...)
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Read returns the checkpoint for a target, or store.ErrNotFound.
func (s *Store) Read(_ context.Context, targetKey string) (scrape.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[targetKey]
	if !ok {
		return scrape.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}

// Write upserts the checkpoint, keeping it monotonic.
func (s *Store) Write(_ context.Context, cp scrape.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.checkpoints[cp.TargetKey]; ok && prev.LastPage > cp.LastPage {
		return nil
	}
	s.checkpoints[cp.TargetKey] = cp
	return nil
}

// InsertOnce records the alert unless the same transition fired before.
func (s *Store) InsertOnce(_ context.Context, alert scrape.AlertEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s|%d", alert.Type, alert.HistoryEntryID)
	if _, dup := s.alerts[key]; dup {
		return false, nil
	}
	s.alerts[key] = alert
	return true, nil
}

// Alerts returns all persisted alerts, for test assertions.
func (s *Store) Alerts() []scrape.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.AlertEvent, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Insert appends a quarantine record.
func (s *Store) Insert(_ context.Context, rec scrape.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextID
	s.nextID++
	s.quarantine = append(s.quarantine, rec)
	return nil
}

// PurgeOlderThan drops quarantine records recorded before cutoff.
func (s *Store) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.quarantine[:0]
	var removed int64
	for _, rec := range s.quarantine {
		if rec.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.quarantine = kept
	return removed, nil
}

// Quarantined returns all quarantine records, for test assertions.
func (s *Store) Quarantined() []scrape.QuarantineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scrape.QuarantineRecord(nil), s.quarantine...)
}

// UpsertRunStatus stores the latest aggregate status.
func (s *Store) UpsertRunStatus(_ context.Context, status store.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	return nil
}

// RunStatus returns the last persisted status, for test assertions.
func (s *Store) RunStatus() store.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}
