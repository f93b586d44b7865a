// Package sweep steps the laser through a wavenumber range, accumulating
// detector counts at each step until a stop condition is met, and merges the
// results into a tolerance-keyed histogram.
package sweep

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/laserscan/internal/config"
)

// StopMode selects what ends accumulation at a bin.
type StopMode string

const (
	StopEvents  StopMode = "events"
	StopBunches StopMode = "bunches"
	StopTime    StopMode = "time"
)

// maxTargets bounds the number of bins per loop.
const maxTargets = 10000

// Config describes one scan.
type Config struct {
	StartWN            float64  `json:"start_wn"`
	EndWN              float64  `json:"end_wn"`
	StepSize           float64  `json:"step_size"`
	StopMode           StopMode `json:"stop_mode"`
	StopValue          float64  `json:"stop_value"` // events, bunches, or seconds
	LoopCount          int      `json:"loop_count"`
	AlternateDirection bool     `json:"alternate_direction,omitempty"`
	MergeTolerance     float64  `json:"merge_tolerance,omitempty"`
	RetryOnDrift       bool     `json:"retry_on_drift"`

	StablePoll     time.Duration `json:"-"`
	AccumulatePoll time.Duration `json:"-"`
}

// ConfigFromSettings builds a scan config from the settings defaults.
func ConfigFromSettings(s *config.ScanSettings) Config {
	return Config{
		StartWN:            s.GetStartWN(),
		EndWN:              s.GetEndWN(),
		StepSize:           s.GetStepSize(),
		StopMode:           StopMode(s.GetStopMode()),
		StopValue:          s.GetStopValue(),
		LoopCount:          s.GetLoopCount(),
		AlternateDirection: s.GetAlternateDirection(),
		MergeTolerance:     s.GetMergeTolerance(),
		RetryOnDrift:       s.GetRetryOnDrift(),
		StablePoll:         s.GetStablePoll(),
		AccumulatePoll:     s.GetAccumulatePoll(),
	}
}

// withDefaults fills zero polling and tolerance fields.
func (c Config) withDefaults() Config {
	if c.MergeTolerance <= 0 {
		c.MergeTolerance = 0.01
	}
	if c.StablePoll <= 0 {
		c.StablePoll = 50 * time.Millisecond
	}
	if c.AccumulatePoll <= 0 {
		c.AccumulatePoll = 5 * time.Millisecond
	}
	return c
}

// Validate checks the scan parameters.
func (c Config) Validate() error {
	if !(c.StepSize > 0) {
		return fmt.Errorf("step_size must be positive, got %g", c.StepSize)
	}
	if math.IsNaN(c.StartWN) || math.IsNaN(c.EndWN) || math.IsInf(c.StartWN, 0) || math.IsInf(c.EndWN, 0) {
		return fmt.Errorf("start_wn and end_wn must be finite")
	}
	switch c.StopMode {
	case StopEvents, StopBunches, StopTime:
	default:
		return fmt.Errorf("unknown stop_mode %q", c.StopMode)
	}
	if !(c.StopValue > 0) || math.IsInf(c.StopValue, 0) {
		return fmt.Errorf("stop_value must be positive, got %g", c.StopValue)
	}
	if c.LoopCount < 1 {
		return fmt.Errorf("loop_count must be at least 1, got %d", c.LoopCount)
	}
	// the span can overflow to +Inf, so bound it before converting to int
	if n := c.binSpan() + 1; math.IsNaN(n) || n > maxTargets {
		return fmt.Errorf("range produces %g bins per loop (max %d)", n, maxTargets)
	}
	if c.LoopCount > math.MaxInt32/c.binsPerLoop() {
		return fmt.Errorf("loop_count %d is too large", c.LoopCount)
	}
	return nil
}

func (c Config) binSpan() float64 {
	return math.Round(math.Abs(c.EndWN-c.StartWN) / c.StepSize)
}

func (c Config) binsPerLoop() int {
	return int(c.binSpan()) + 1
}

// TotalBins is the number of bins across all loops.
func (c Config) TotalBins() int {
	return c.binsPerLoop() * c.LoopCount
}

// Targets returns the evenly spaced targets for loop, start and end
// inclusive. With AlternateDirection, odd loops run end to start.
func (c Config) Targets(loop int) []float64 {
	n := c.binsPerLoop()
	out := make([]float64, n)
	if n == 1 {
		out[0] = c.StartWN
	} else {
		span := c.EndWN - c.StartWN
		for i := range out {
			out[i] = c.StartWN + span*float64(i)/float64(n-1)
		}
		out[n-1] = c.EndWN
	}
	if c.AlternateDirection && loop%2 == 1 {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// ParseRange parses "start:end:step" into a partial Config.
func ParseRange(s string) (start, end, step float64, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid range format %q: expected start:end:step", s)
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		vals[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range value %q: %w", p, err)
		}
	}
	if vals[2] <= 0 {
		return 0, 0, 0, fmt.Errorf("step must be positive, got %f", vals[2])
	}
	return vals[0], vals[1], vals[2], nil
}
