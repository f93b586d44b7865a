package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/laserscan/internal/timeutil"
)

// pauseGate blocks the sweep goroutine while the scan is paused. Release
// opens it permanently so a stopping sweep can never stay parked on it.
type pauseGate struct {
	clock timeutil.Clock

	mu       sync.Mutex
	paused   bool
	released bool
	open     chan struct{} // closed while not paused
	total    time.Duration
}

func newPauseGate(clock timeutil.Clock) *pauseGate {
	g := &pauseGate{clock: clock, open: make(chan struct{})}
	close(g.open)
	return g
}

// Pause closes the gate. It reports whether the state changed.
func (g *pauseGate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused || g.released {
		return false
	}
	g.paused = true
	g.open = make(chan struct{})
	return true
}

// Resume opens the gate. It reports whether the state changed.
func (g *pauseGate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.open)
	return true
}

// Release opens the gate and keeps it open until rearm.
func (g *pauseGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
	if g.paused {
		g.paused = false
		close(g.open)
	}
}

// rearm clears a previous Release and the paused total for a new scan.
func (g *pauseGate) rearm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = false
	g.total = 0
	if g.paused {
		g.paused = false
		close(g.open)
	}
}

// Paused reports whether the gate is closed.
func (g *pauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// TotalPaused is the time Wait spent blocked since the last rearm.
func (g *pauseGate) TotalPaused() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Wait blocks while paused and returns how long it blocked. Cancellation
// wins over an open gate.
func (g *pauseGate) Wait(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return 0, nil
	}
	open := g.open
	g.mu.Unlock()

	start := g.clock.Now()
	select {
	case <-open:
	case <-ctx.Done():
	}
	blocked := g.clock.Since(start)
	g.mu.Lock()
	g.total += blocked
	g.mu.Unlock()
	return blocked, ctx.Err()
}
