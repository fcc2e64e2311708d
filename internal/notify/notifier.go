// Package notify defines the alert dispatcher boundary. Delivery
// transports live behind the Dispatcher interface; the pipeline only
// hands over already-persisted alert events.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/shelfwatch/shelfwatch/internal/scrape"
)

// Dispatcher receives alert events for external delivery.
type Dispatcher interface {
	NotifyNewClearance(ctx context.Context, alert scrape.AlertEvent) error
	NotifyPriceDrop(ctx context.Context, alert scrape.AlertEvent) error
	Close() error
}

// NoOp discards all alerts. Used in tests and database-only runs.
type NoOp struct{}

// NotifyNewClearance does nothing.
func (NoOp) NotifyNewClearance(context.Context, scrape.AlertEvent) error { return nil }

// NotifyPriceDrop does nothing.
func (NoOp) NotifyPriceDrop(context.Context, scrape.AlertEvent) error { return nil }

// Close does nothing.
func (NoOp) Close() error { return nil }

// LogDispatcher writes alerts to the structured log. Useful during
// development or audits where no delivery transport is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher wires a zap logger to the Dispatcher interface.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// NotifyNewClearance logs the clearance transition.
func (d *LogDispatcher) NotifyNewClearance(_ context.Context, alert scrape.AlertEvent) error {
	d.logger.Info("new clearance", alertFields(alert)...)
	return nil
}

// NotifyPriceDrop logs the price drop.
func (d *LogDispatcher) NotifyPriceDrop(_ context.Context, alert scrape.AlertEvent) error {
	d.logger.Info("price drop", alertFields(alert)...)
	return nil
}

// Close implements Dispatcher; it performs no action.
func (d *LogDispatcher) Close() error { return nil }

func alertFields(alert scrape.AlertEvent) []zap.Field {
	return []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("store_id", alert.StoreID),
		zap.String("item_id", alert.ItemID),
		zap.String("title", alert.Title),
		zap.Float64("price", alert.Price),
		zap.Float64("previous_price", alert.PreviousPrice),
		zap.Time("at", alert.At),
	}
}
