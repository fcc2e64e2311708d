// Package metrics defines the Prometheus instrumentation shared across
// the crawl and ingestion subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsIngested counts rows accepted into price history.
	ItemsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfwatch_items_ingested_total",
		Help: "The total number of scraped rows accepted into history.",
	})
	// RowsQuarantined counts rows that failed validation.
	RowsQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfwatch_rows_quarantined_total",
		Help: "The total number of rows quarantined by validation.",
	})
	// AlertsFired counts persisted alerts by type.
	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfwatch_alerts_fired_total",
		Help: "The total number of alerts fired, by alert type.",
	}, []string{"type"})
	// SessionRestarts counts browser session restarts across workers.
	SessionRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfwatch_session_restarts_total",
		Help: "The total number of browser session restarts.",
	})
	// PagesCrawled counts listing pages fetched and extracted.
	PagesCrawled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfwatch_pages_crawled_total",
		Help: "The total number of listing pages crawled.",
	})
	// ScaleEvents counts supervisor scaling actions by direction.
	ScaleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfwatch_scale_events_total",
		Help: "The total number of scaling actions, by direction.",
	}, []string{"direction"})
	// BlockingIncidents mirrors the health monitor's count of
	// transitions into the BLOCKED state.
	BlockingIncidents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfwatch_blocking_incidents",
		Help: "The number of times the crawl entered the BLOCKED state.",
	})
	// ActiveWorkers tracks the current worker pool size.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfwatch_active_workers",
		Help: "The number of currently active crawl workers.",
	})
	// HealthState reports the crawl health (0 healthy, 1 suspect, 2 blocked).
	HealthState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfwatch_health_state",
		Help: "The current crawl health state (0=healthy, 1=suspect, 2=blocked).",
	})
)
