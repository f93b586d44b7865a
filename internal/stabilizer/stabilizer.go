// Package stabilizer holds the laser on a target wavenumber by nudging the
// tuning stage while watching the wavemeter.
package stabilizer

import (
	"context"
	"fmt"
	"log"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/banshee-data/laserscan/internal/config"
	"github.com/banshee-data/laserscan/internal/devices"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

// State is the control loop phase.
type State string

const (
	StateIdle    State = "idle"
	StateSeeking State = "seeking"
	StateStable  State = "stable"
)

// positionEpsilon is the resolution at which two stage positions are equal.
const positionEpsilon = 1e-9

// ControlLoopState is a snapshot of the loop for status displays.
type ControlLoopState struct {
	State        State   `json:"state"`
	Target       float64 `json:"target_wn"`
	Measured     float64 `json:"measured_wn"`
	Position     float64 `json:"position"`
	PrevPosition float64 `json:"prev_position"`
	StableCount  int     `json:"consecutive_stable_count"`
	IsMoving     bool    `json:"is_moving"`
	Iterations   int64   `json:"iterations"`
	LastError    string  `json:"last_error,omitempty"`
}

// Stabilizer runs at most one control goroutine. SetWavenumber starts it or
// retargets the running one; it exits by itself once Stable.
type Stabilizer struct {
	actuator devices.Actuator
	meter    devices.Wavemeter
	clock    timeutil.Clock

	cfgMu  sync.Mutex
	params config.LaserParams

	mu      sync.Mutex
	state   ControlLoopState
	gen     uint64 // bumped on every SetWavenumber
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// New returns an idle stabilizer. A nil clock uses the wall clock.
func New(actuator devices.Actuator, meter devices.Wavemeter, params config.LaserParams, clock timeutil.Clock) (*Stabilizer, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid laser params: %w", err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Stabilizer{
		actuator: actuator,
		meter:    meter,
		clock:    clock,
		params:   params,
		state:    ControlLoopState{State: StateIdle},
		wake:     make(chan struct{}, 1),
	}, nil
}

// Config returns the active parameters.
func (s *Stabilizer) Config() config.LaserParams {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.params
}

// UpdateConfig replaces the parameters. The running loop picks them up at
// its next iteration.
func (s *Stabilizer) UpdateConfig(p config.LaserParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.params = p
	s.cfgMu.Unlock()
	log.Printf("[laser] config updated: tol=%g fine=%g coarse=%g poll=%s samples=%d",
		p.Tolerance, p.StepFine, p.StepCoarse, p.PollInterval, p.RequiredStableSamples)
	s.poke()
	return nil
}

func (s *Stabilizer) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetWavenumber sets a new target and makes sure a control loop is chasing it.
func (s *Stabilizer) SetWavenumber(target float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.state.Target = target
	s.state.StableCount = 0
	s.state.State = StateSeeking
	s.state.IsMoving = true

	if s.running {
		s.poke()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop terminates the control loop, interrupting any wait, and waits for it
// to exit. The stabilizer returns to Idle and can be retargeted later.
func (s *Stabilizer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.mu.Lock()
	s.state.State = StateIdle
	s.state.IsMoving = false
	s.state.StableCount = 0
	s.mu.Unlock()
}

// State returns the loop phase.
func (s *Stabilizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.State
}

// Snapshot returns a copy of the loop state.
func (s *Stabilizer) Snapshot() ControlLoopState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetWavenumber reads the wavemeter channel the loop regulates on.
func (s *Stabilizer) GetWavenumber() (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.meter.Wavenumber(ctx, s.Config().WavemeterChannel)
}

// IsStable reports whether the loop declared the target reached and a fresh
// reading is still inside the tolerance. A failed read counts as unstable.
func (s *Stabilizer) IsStable() bool {
	s.mu.Lock()
	st, target := s.state.State, s.state.Target
	s.mu.Unlock()
	if st != StateStable {
		return false
	}
	wn, err := s.GetWavenumber()
	if err != nil {
		return false
	}
	return math.Abs(wn-target) < s.Config().Tolerance
}

// NextMove is the hill-climbing step. It moves by fine toward the target;
// when that would land exactly on the previous position the stage is
// treated as stalled and a coarse step in the opposite direction is issued.
func NextMove(measured, target, position, prevPosition, fine, coarse float64) float64 {
	if measured < target {
		if math.Abs(position+fine-prevPosition) > positionEpsilon {
			return position + fine
		}
		return position - coarse
	}
	if math.Abs(position-fine-prevPosition) > positionEpsilon {
		return position - fine
	}
	return position + coarse
}

func (s *Stabilizer) recordError(err error) {
	s.mu.Lock()
	s.state.LastError = err.Error()
	s.mu.Unlock()
	log.Printf("[laser] hardware read failed: %v", err)
}

// finish marks the loop exited. It reports false when a retarget arrived
// since gen was read, in which case the loop must keep going.
func (s *Stabilizer) finish(gen uint64, stable bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stable && gen != s.gen {
		return false
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state.IsMoving = false
	if stable {
		s.state.State = StateStable
	} else {
		s.state.State = StateIdle
	}
	return true
}

func (s *Stabilizer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[laser] control loop panic: %v\n%s", r, debug.Stack())
			s.mu.Lock()
			s.state.LastError = fmt.Sprint(r)
			s.mu.Unlock()
			s.finish(0, false)
		}
	}()

	var (
		prev     float64
		havePrev bool
		seenGen  uint64
	)

	s.mu.Lock()
	log.Printf("[laser] control loop started for target %.4f", s.state.Target)
	s.mu.Unlock()

	for {
		p := s.Config()
		s.mu.Lock()
		target, gen := s.state.Target, s.gen
		if gen != seenGen {
			s.state.StableCount = 0
			seenGen = gen
		}
		s.mu.Unlock()

		wait := p.PollInterval
		wn, err := s.meter.Wavenumber(ctx, p.WavemeterChannel)
		if err == nil {
			var pos float64
			pos, err = s.actuator.Position(ctx, p.Axis)
			if err == nil {
				if !havePrev {
					prev = pos
					havePrev = true
				}
				if math.Abs(wn-target) < p.Tolerance {
					s.mu.Lock()
					if gen == s.gen {
						s.state.StableCount++
					}
					count := s.state.StableCount
					s.state.Measured, s.state.Position, s.state.PrevPosition = wn, pos, prev
					s.state.Iterations++
					s.mu.Unlock()
					if count >= p.RequiredStableSamples && s.finish(gen, true) {
						log.Printf("[laser] stable at %.4f (target %.4f) after %d samples", wn, target, count)
						return
					}
					wait = p.StableDwell
				} else {
					move := NextMove(wn, target, pos, prev, p.StepFine, p.StepCoarse)
					s.mu.Lock()
					s.state.StableCount = 0
					s.state.Measured, s.state.Position, s.state.PrevPosition = wn, pos, prev
					s.state.Iterations++
					s.mu.Unlock()
					if merr := s.actuator.SetPosition(ctx, p.Axis, move); merr != nil && ctx.Err() == nil {
						s.recordError(merr)
					}
				}
				prev = pos
			}
		}
		if err != nil && ctx.Err() == nil {
			s.recordError(err)
		}

		if werr := timeutil.WaitOrWake(ctx, s.clock, wait, s.wake); werr != nil {
			s.finish(gen, false)
			log.Printf("[laser] control loop stopped")
			return
		}
	}
}
