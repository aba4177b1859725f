package replica

import (
	"sync"
	"time"
)

// DefaultDedupWindow is how close two targets must be to count as the same
// completion.
const DefaultDedupWindow = 2 * time.Second

// CompletionGuard lets exactly one caller claim the completion of a given
// target end time. The periodic tick and the alarm wake share one guard.
type CompletionGuard struct {
	mu       sync.Mutex
	windowMs int64
	last     int64
	fired    bool
}

func NewCompletionGuard(window time.Duration) *CompletionGuard {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &CompletionGuard{windowMs: window.Milliseconds()}
}

// TryFire reports whether the caller owns the completion of targetUnixMs.
func (g *CompletionGuard) TryFire(targetUnixMs int64) bool {
	if targetUnixMs <= 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fired {
		diff := targetUnixMs - g.last
		if diff < 0 {
			diff = -diff
		}
		if diff < g.windowMs {
			return false
		}
	}
	g.last = targetUnixMs
	g.fired = true
	return true
}

// LastFired returns the last claimed target, or 0.
func (g *CompletionGuard) LastFired() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
