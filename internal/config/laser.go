package config

import (
	"fmt"
	"time"
)

// LaserControl is the JSON form of the stabilizer tuning. It is what the
// settings file and the /api/laser/config endpoint carry.
type LaserControl struct {
	Tolerance             *float64 `json:"tolerance,omitempty"`   // cm^-1
	StepFine              *float64 `json:"step_fine,omitempty"`   // mm
	StepCoarse            *float64 `json:"step_coarse,omitempty"` // mm
	PollInterval          *string  `json:"poll_interval,omitempty"`
	StableDwell           *string  `json:"stable_dwell,omitempty"`
	RequiredStableSamples *int     `json:"required_stable_samples,omitempty"`
	Axis                  *int     `json:"axis,omitempty"`
	WavemeterChannel      *int     `json:"wavemeter_channel,omitempty"`
}

// LaserParams is the resolved, immutable stabilizer configuration. The
// stabilizer swaps whole values; it never mutates one in place.
type LaserParams struct {
	Tolerance             float64
	StepFine              float64
	StepCoarse            float64
	PollInterval          time.Duration
	StableDwell           time.Duration
	RequiredStableSamples int
	Axis                  int
	WavemeterChannel      int
}

// Validate checks any fields that are set.
func (c *LaserControl) Validate() error {
	if c.Tolerance != nil && *c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %f", *c.Tolerance)
	}
	if c.StepFine != nil && *c.StepFine <= 0 {
		return fmt.Errorf("step_fine must be positive, got %f", *c.StepFine)
	}
	if c.StepCoarse != nil && *c.StepCoarse <= 0 {
		return fmt.Errorf("step_coarse must be positive, got %f", *c.StepCoarse)
	}
	if c.RequiredStableSamples != nil && *c.RequiredStableSamples < 1 {
		return fmt.Errorf("required_stable_samples must be at least 1, got %d", *c.RequiredStableSamples)
	}
	if c.WavemeterChannel != nil && (*c.WavemeterChannel < 1 || *c.WavemeterChannel > 4) {
		return fmt.Errorf("wavemeter_channel must be 1-4, got %d", *c.WavemeterChannel)
	}
	if err := validDuration("poll_interval", c.PollInterval); err != nil {
		return err
	}
	return validDuration("stable_dwell", c.StableDwell)
}

func (c *LaserControl) GetTolerance() float64 {
	if c.Tolerance == nil {
		return 0.01
	}
	return *c.Tolerance
}

func (c *LaserControl) GetStepFine() float64 {
	if c.StepFine == nil {
		return 0.0001
	}
	return *c.StepFine
}

func (c *LaserControl) GetStepCoarse() float64 {
	if c.StepCoarse == nil {
		return 0.05
	}
	return *c.StepCoarse
}

func (c *LaserControl) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, time.Second)
}

func (c *LaserControl) GetStableDwell() time.Duration {
	return durationOr(c.StableDwell, 100*time.Millisecond)
}

func (c *LaserControl) GetRequiredStableSamples() int {
	if c.RequiredStableSamples == nil {
		return 3
	}
	return *c.RequiredStableSamples
}

func (c *LaserControl) GetAxis() int {
	if c.Axis == nil {
		return 1
	}
	return *c.Axis
}

func (c *LaserControl) GetWavemeterChannel() int {
	if c.WavemeterChannel == nil {
		return 1
	}
	return *c.WavemeterChannel
}

// Params resolves the control settings against the defaults.
func (c *LaserControl) Params() LaserParams {
	return LaserParams{
		Tolerance:             c.GetTolerance(),
		StepFine:              c.GetStepFine(),
		StepCoarse:            c.GetStepCoarse(),
		PollInterval:          c.GetPollInterval(),
		StableDwell:           c.GetStableDwell(),
		RequiredStableSamples: c.GetRequiredStableSamples(),
		Axis:                  c.GetAxis(),
		WavemeterChannel:      c.GetWavemeterChannel(),
	}
}

// Control returns the fully populated JSON form of p.
func (p LaserParams) Control() LaserControl {
	return LaserControl{
		Tolerance:             ptrFloat64(p.Tolerance),
		StepFine:              ptrFloat64(p.StepFine),
		StepCoarse:            ptrFloat64(p.StepCoarse),
		PollInterval:          ptrString(p.PollInterval.String()),
		StableDwell:           ptrString(p.StableDwell.String()),
		RequiredStableSamples: ptrInt(p.RequiredStableSamples),
		Axis:                  ptrInt(p.Axis),
		WavemeterChannel:      ptrInt(p.WavemeterChannel),
	}
}

// Validate checks resolved parameters.
func (p LaserParams) Validate() error {
	c := p.Control()
	if err := c.Validate(); err != nil {
		return err
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

// DefaultLaserParams returns the stock tuning.
func DefaultLaserParams() LaserParams {
	var c LaserControl
	return c.Params()
}
