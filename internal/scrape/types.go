// Package scrape defines the core types shared across the crawl and
// ingestion subsystems.
package scrape

import (
	"time"
)

// Target is one crawl unit of work: a (store, category) pair with the
// base listing URL. Targets are immutable once loaded from the catalog.
type Target struct {
	StoreID    string `yaml:"store_id" json:"store_id"`
	CategoryID string `yaml:"category_id" json:"category_id"`
	URL        string `yaml:"url" json:"url"`
}

// Key returns the stable identifier used for checkpoints and assignment.
func (t Target) Key() string {
	return t.StoreID + "/" + t.CategoryID
}

// StoreRef describes a physical store from the catalog. GeoHint is a
// free-form locality string (ZIP, city) used during store-context
// resolution when an exact ID match is unavailable.
type StoreRef struct {
	ID      string `yaml:"id" json:"id"`
	GeoHint string `yaml:"geo_hint" json:"geo_hint"`
}

// RawRow is one observed listing as extracted from a rendered page. It is
// ephemeral: produced by a session, consumed exactly once by the
// ingestion pipeline.
type RawRow struct {
	ItemID       string
	Title        string
	CategoryID   string
	StoreID      string
	Price        float64
	PriceWas     float64
	Availability string
	IsClearance  bool
	SourceURL    string
	ImageURL     string
	ScrapedAt    time.Time
}

// DiscountFraction derives the fractional discount from the was-price.
// Zero when no valid was-price is present.
func (r RawRow) DiscountFraction() float64 {
	if r.PriceWas <= 0 || r.Price <= 0 || r.Price >= r.PriceWas {
		return 0
	}
	return (r.PriceWas - r.Price) / r.PriceWas
}

// HistoryEntry is the compressed state for one (store, item) pair. A new
// entry is created only when the tracked tuple changes; otherwise the
// open entry's UpdatedAt advances in place.
type HistoryEntry struct {
	ID               int64
	StoreID          string
	ItemID           string
	Title            string
	CategoryID       string
	StartedAt        time.Time
	UpdatedAt        time.Time
	Price            float64
	PriceWas         float64
	DiscountFraction float64
	Availability     string
	IsClearance      bool
}

// SameState reports whether the entry's tracked tuple matches the
// observation. Timestamps and identity fields are excluded.
func (h HistoryEntry) SameState(price, priceWas, discount float64, availability string, clearance bool) bool {
	return h.Price == price &&
		h.PriceWas == priceWas &&
		h.DiscountFraction == discount &&
		h.Availability == availability &&
		h.IsClearance == clearance
}

// AlertType distinguishes the alert rules.
type AlertType string

// Alert types emitted by the ingestion pipeline.
const (
	AlertNewClearance AlertType = "NEW_CLEARANCE"
	AlertPriceDrop    AlertType = "PRICE_DROP"
)

// AlertEvent records one state transition worth notifying about. Emitted
// at most once per transition; the HistoryEntryID ties the event to the
// entry whose creation fired it.
type AlertEvent struct {
	ID             string
	Type           AlertType
	StoreID        string
	ItemID         string
	Title          string
	Price          float64
	PreviousPrice  float64
	HistoryEntryID int64
	At             time.Time
}

// Checkpoint is the durable resume marker for one target. Exactly one row
// per target, overwritten monotonically.
type Checkpoint struct {
	TargetKey string
	LastPage  int
	UpdatedAt time.Time
}

// QuarantineReason classifies why a row or category was set aside.
type QuarantineReason string

// Quarantine reason codes.
const (
	QuarantineMissingItemID  QuarantineReason = "missing_item_id"
	QuarantineMissingStoreID QuarantineReason = "missing_store_id"
	QuarantineMissingTitle   QuarantineReason = "missing_title"
	QuarantineBadPrice       QuarantineReason = "bad_price"
	QuarantinePriceRange     QuarantineReason = "price_out_of_range"
	QuarantineSchemaDrift    QuarantineReason = "schema_drift"
)

// QuarantineRecord preserves a failed row for later inspection. It never
// reaches the history or alert paths.
type QuarantineRecord struct {
	ID        int64
	Reason    QuarantineReason
	Row       RawRow
	TargetKey string
	At        time.Time
}

// WorkerState is the lifecycle status of one crawl worker.
type WorkerState string

// Worker lifecycle states tracked by the supervisor.
const (
	WorkerStarting WorkerState = "STARTING"
	WorkerRunning  WorkerState = "RUNNING"
	WorkerStalled  WorkerState = "STALLED"
	WorkerFailed   WorkerState = "FAILED"
	WorkerDone     WorkerState = "DONE"
)

// HealthReport is the periodic liveness/throughput sample a worker sends
// to the supervisor. Workers never call into each other; this report and
// the persisted status are the only coordination channels.
type HealthReport struct {
	WorkerID          int
	TargetKey         string
	State             WorkerState
	ItemsProduced     int64
	ItemsPerMinute    float64
	MemoryBytes       uint64
	CPUPercent        float64
	ConsecutiveErrors int
	At                time.Time
}
