// Package rategate implements the three independent moving-window request
// limiters the pipeline shares (C2): one for the archive host, one for the
// CDX endpoint, one for the save endpoint.
package rategate

import (
	"context"
	"fmt"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/config"
)

// Kind names one of the three rate-gated services.
type Kind string

const (
	Archive Kind = "archive"
	CDX     Kind = "cdx"
	Save    Kind = "save"
)

// Gate blocks callers in front of each service until a moving-window slot
// opens. Callers MUST call Wait immediately before any outbound request to
// the respective service, per §4.3.
type Gate struct {
	limiters map[Kind]*limiter
}

type limiter struct {
	window        *movingWindow
	limit         int64
	pollFrequency time.Duration
}

// New builds a Gate from the three configured limits.
func New(cfg config.RateGateConfig) *Gate {
	return &Gate{
		limiters: map[Kind]*limiter{
			Archive: newLimiter(cfg.Archive),
			CDX:     newLimiter(cfg.CDX),
			Save:    newLimiter(cfg.Save),
		},
	}
}

func newLimiter(rl config.RateLimitConfig) *limiter {
	window := time.Duration(rl.WindowSeconds * float64(time.Second))
	poll := time.Duration(rl.PollFrequency * float64(time.Second))
	if poll <= 0 {
		poll = time.Second
	}
	numBuckets := 60
	return &limiter{
		window:        newMovingWindow(window, numBuckets),
		limit:         int64(rl.Amount),
		pollFrequency: poll,
	}
}

// Wait blocks, cooperatively polling at the configured cadence, until a
// token is available for kind or ctx is canceled. It is safe to call from
// multiple goroutines concurrently for the same kind.
func (g *Gate) Wait(ctx context.Context, kind Kind) error {
	l, ok := g.limiters[kind]
	if !ok {
		return fmt.Errorf("rategate: unknown kind %q", kind)
	}

	if l.window.hit(l.limit) {
		return nil
	}

	ticker := time.NewTicker(l.pollFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.window.hit(l.limit) {
				return nil
			}
		}
	}
}

// Remaining reports the approximate number of free slots left in the
// current window for kind, for diagnostics (the statusserver's /stats
// surface). It is not authoritative: a concurrent Wait may consume a slot
// between this call returning and the caller acting on it.
func (g *Gate) Remaining(kind Kind) int64 {
	l, ok := g.limiters[kind]
	if !ok {
		return 0
	}
	remaining := l.limit - l.window.count()
	if remaining < 0 {
		return 0
	}
	return remaining
}
