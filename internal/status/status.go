// Package status maintains the JSON status file dashboards read. The
// file is replaced atomically so readers always see last-known-good
// state, even mid-write or during an outage.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WorkerStatus is one worker's line in the status contract.
type WorkerStatus struct {
	ID             int     `json:"id"`
	Target         string  `json:"target"`
	Alive          bool    `json:"alive"`
	Items          int64   `json:"items"`
	ItemsPerMinute float64 `json:"itemsPerMinute"`
	MemoryMB       float64 `json:"memoryMb"`
	CPUPercent     float64 `json:"cpuPercent"`
}

// Stats aggregates run-level counters.
type Stats struct {
	TotalItems        int64 `json:"totalItems"`
	WorkersLaunched   int64 `json:"workersLaunched"`
	BlockingIncidents int64 `json:"blockingIncidents"`
}

// Snapshot is the full status document.
type Snapshot struct {
	RunID         string         `json:"runId"`
	Timestamp     time.Time      `json:"timestamp"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Stats         Stats          `json:"stats"`
	Workers       []WorkerStatus `json:"workers"`
}

// Writer persists snapshots to one path and serves the latest to the
// ops endpoint. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	path string
	last Snapshot
}

// NewWriter targets a file path; the parent directory must exist.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Write serializes the snapshot and swaps it in with a rename, so a
// crash mid-write leaves the previous file intact.
func (w *Writer) Write(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return fmt.Errorf("create temp status: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp status: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("swap status file: %w", err)
	}
	w.last = snap
	return nil
}

// Latest returns the most recently written snapshot.
func (w *Writer) Latest() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
