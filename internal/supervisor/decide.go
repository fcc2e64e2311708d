package supervisor

import (
	"time"

	"github.com/shelfwatch/shelfwatch/internal/health"
)

// Decision is the outcome of one scaling evaluation.
type Decision string

// Scaling decisions.
const (
	ScaleUp   Decision = "scale_up"
	ScaleDown Decision = "scale_down"
	Hold      Decision = "hold"
)

// poolView is everything one scaling decision looks at, captured so the
// decision itself is a pure function.
type poolView struct {
	active    int
	max       int
	unclaimed int
	stalled   int

	health health.State

	freeMemoryBytes uint64
	cpuPercent      float64

	sinceLastScaleUp time.Duration
}

// limits are the configured safety margins.
type limits struct {
	minFreeMemoryBytes uint64
	maxCPUPercent      float64
	scaleUpCooldown    time.Duration
}

// decide orders safety before throughput: one blocked worker vetoes
// growth for the whole pool, because blocking is IP/session-correlated
// and adding load worsens it.
func decide(v poolView, lim limits) (Decision, string) {
	if v.health == health.Blocked && v.active > 0 {
		return ScaleDown, "pool blocked"
	}
	if v.active > 0 && v.stalled*2 > v.active {
		return Hold, "majority stalled"
	}
	if v.unclaimed == 0 {
		return Hold, "no unclaimed targets"
	}
	if v.active >= v.max {
		return Hold, "at max workers"
	}
	if v.health != health.Healthy {
		return Hold, "pool not healthy"
	}
	if v.freeMemoryBytes < lim.minFreeMemoryBytes {
		return Hold, "insufficient free memory"
	}
	if v.cpuPercent > lim.maxCPUPercent {
		return Hold, "cpu above ceiling"
	}
	if v.active > 0 && v.sinceLastScaleUp < lim.scaleUpCooldown {
		return Hold, "scale-up cooldown"
	}
	return ScaleUp, "capacity and headroom available"
}
