package timeutil

import (
	"context"
	"time"
)

// Wait blocks for d on clock, returning early with ctx.Err() when the
// context is cancelled. A non-positive d returns immediately.
func Wait(ctx context.Context, clock Clock, d time.Duration) error {
	return WaitOrWake(ctx, clock, d, nil)
}

// WaitOrWake is Wait with an additional wake channel. A receive on wake ends
// the wait early without error; a nil wake channel never fires.
func WaitOrWake(ctx context.Context, clock Clock, d time.Duration, wake <-chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	case <-wake:
		return nil
	}
}

// Stopwatch measures effective elapsed time: time since Start minus the
// paused time credited with AddPaused.
type Stopwatch struct {
	clock   Clock
	started time.Time
	paused  time.Duration
	running bool
}

// NewStopwatch returns a stopped stopwatch reading zero.
func NewStopwatch(clock Clock) *Stopwatch {
	return &Stopwatch{clock: clock}
}

// Start resets the stopwatch and starts it.
func (s *Stopwatch) Start() {
	s.started = s.clock.Now()
	s.paused = 0
	s.running = true
}

// AddPaused credits d of paused time measured elsewhere.
func (s *Stopwatch) AddPaused(d time.Duration) {
	if d > 0 {
		s.paused += d
	}
}

// Elapsed returns effective elapsed time.
func (s *Stopwatch) Elapsed() time.Duration {
	if !s.running {
		return 0
	}
	e := s.clock.Since(s.started) - s.paused
	if e < 0 {
		return 0
	}
	return e
}
