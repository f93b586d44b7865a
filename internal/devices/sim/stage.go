// Package sim provides a simulated optics bench: a piezo stage, a wavemeter
// coupled to the stage position, a 50 Hz time tagger, an HP multimeter that
// speaks SCPI over a fake serial port, and a drifting spectrometer.
package sim

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/laserscan/internal/timeutil"
)

// Stage is a single-axis positioner that moves toward its commanded target
// at a fixed speed. Physics advance lazily whenever the stage is read.
type Stage struct {
	mu         sync.Mutex
	clock      timeutil.Clock
	speed      float64 // mm/s; <= 0 means moves complete instantly
	servo      map[int]bool
	position   map[int]float64
	target     map[int]float64
	lastUpdate time.Time
	jitter     float64
	rng        *rand.Rand
}

// StageOption configures a Stage.
type StageOption func(*Stage)

// WithInitialPosition places axis 1 at pos (mm) with the servo already on.
func WithInitialPosition(pos float64) StageOption {
	return func(s *Stage) {
		s.position[1] = pos
		s.target[1] = pos
		s.servo[1] = true
	}
}

// WithJitter adds uniform read jitter of +-j mm to Position.
func WithJitter(j float64) StageOption {
	return func(s *Stage) { s.jitter = j }
}

// NewStage returns a stage moving at speed mm/s.
func NewStage(clock timeutil.Clock, speed float64, opts ...StageOption) *Stage {
	s := &Stage{
		clock:      clock,
		speed:      speed,
		servo:      map[int]bool{1: false},
		position:   map[int]float64{1: 0},
		target:     map[int]float64{1: 0},
		lastUpdate: clock.Now(),
		jitter:     1e-8,
		rng:        rand.New(rand.NewPCG(uint64(clock.Now().UnixNano()), 1)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Stage) checkAxis(axis int) error {
	if _, ok := s.position[axis]; !ok {
		return fmt.Errorf("stage: unknown axis %d", axis)
	}
	return nil
}

// SetServo switches closed-loop servo control for axis.
func (s *Stage) SetServo(ctx context.Context, axis int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAxis(axis); err != nil {
		return err
	}
	s.servo[axis] = on
	return nil
}

// SetPosition commands a move. Like the real controller, a move with the
// servo off is ignored with a warning rather than failing.
func (s *Stage) SetPosition(ctx context.Context, axis int, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("stage: invalid target %v", value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAxis(axis); err != nil {
		return err
	}
	s.advance()
	if !s.servo[axis] {
		log.Printf("[sim] stage MOV on axis %d ignored: servo is off", axis)
		return nil
	}
	s.target[axis] = value
	return nil
}

// Position returns the current position of axis with a tiny read jitter.
func (s *Stage) Position(ctx context.Context, axis int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAxis(axis); err != nil {
		return 0, err
	}
	s.advance()
	j := 0.0
	if s.jitter > 0 {
		j = (s.rng.Float64()*2 - 1) * s.jitter
	}
	return s.position[axis] + j, nil
}

// TruePosition returns the noiseless position of axis.
func (s *Stage) TruePosition(axis int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.position[axis]
}

func (s *Stage) advance() {
	now := s.clock.Now()
	dt := now.Sub(s.lastUpdate).Seconds()
	s.lastUpdate = now
	for axis, pos := range s.position {
		diff := s.target[axis] - pos
		if math.Abs(diff) < 1e-6 || s.speed <= 0 {
			s.position[axis] = s.target[axis]
			continue
		}
		step := s.speed * dt
		if step >= math.Abs(diff) {
			s.position[axis] = s.target[axis]
		} else {
			s.position[axis] = pos + math.Copysign(step, diff)
		}
	}
}
