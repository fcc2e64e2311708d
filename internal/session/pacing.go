package session

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// PacingPolicy produces the randomized delay applied between categories
// and before retries. The bounds are tunable; behavioral detection keys
// on regularity, so the draw is uniform over [Min, Max].
type PacingPolicy struct {
	Min time.Duration
	Max time.Duration
}

// DefaultPacing is a conservative starting point for production runs.
func DefaultPacing() PacingPolicy {
	return PacingPolicy{Min: 2 * time.Second, Max: 7 * time.Second}
}

// Delay draws the next pause duration.
func (p PacingPolicy) Delay() time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	span := int64(p.Max - p.Min)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return p.Min + time.Duration(span/2)
	}
	return p.Min + time.Duration(n.Int64())
}

// pauser abstracts how the session sleeps, so tests run instantly.
type pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauser struct{}

func (timerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

type noPauser struct{}

func (noPauser) Pause(context.Context, time.Duration) {}
