// Package archive persists crawl failure snapshots to a blob store so
// quarantined categories can be inspected after the fact.
package archive

import (
	"context"
	"fmt"
	"time"
)

// Archiver saves one named snapshot blob.
type Archiver interface {
	Save(ctx context.Context, objectName string, data []byte) error
}

// NoOp discards snapshots; used when no blob store is configured.
type NoOp struct{}

func (NoOp) Save(context.Context, string, []byte) error { return nil }

// ObjectName builds the blob key for a quarantined category snapshot:
// runID/storeID/categoryID/<unix-nanos>.json.
func ObjectName(runID, storeID, categoryID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%d.json", runID, storeID, categoryID, at.UnixNano())
}
