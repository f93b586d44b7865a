// Package devices defines the contracts the acquisition engine expects from
// its instruments. Drivers for real hardware live in subpackages; the
// simulated bench lives in devices/sim.
//
// A failed read returns an error rather than a value. Callers treat any
// error as "no reading this time" and keep using the last good value; no
// implementation should panic or block indefinitely.
package devices

import (
	"context"
	"errors"
)

// ErrNoReading is returned when an instrument produced no usable value.
var ErrNoReading = errors.New("no reading")

// TriggerChannel is the detector channel that marks a laser bunch.
const TriggerChannel = -1

// Actuator positions the laser tuning element.
type Actuator interface {
	SetPosition(ctx context.Context, axis int, value float64) error
	Position(ctx context.Context, axis int) (float64, error)
	SetServo(ctx context.Context, axis int, on bool) error
}

// Wavemeter reports the measured wavenumber (cm^-1) on a channel 1-4.
type Wavemeter interface {
	Wavenumber(ctx context.Context, channel int) (float64, error)
}

// SensorReader is a single-valued slow sensor: the multimeter voltage or the
// spectrometer peak.
type SensorReader interface {
	Reading(ctx context.Context) (float64, error)
}

// SensorFunc adapts a function to SensorReader.
type SensorFunc func(ctx context.Context) (float64, error)

func (f SensorFunc) Reading(ctx context.Context) (float64, error) { return f(ctx) }

// TagRecord is one detector record. Channel TriggerChannel marks a bunch;
// other channels carry an event with a time-of-flight offset in seconds.
type TagRecord struct {
	BunchID      int64
	EventCount   int
	Channel      int
	TimeOffset   float64
	AbsoluteTime float64
}

// IsTrigger reports whether r marks a bunch.
func (r TagRecord) IsTrigger() bool { return r.Channel == TriggerChannel }

// Detector returns the records accumulated since the previous call. It must
// return promptly, with an empty batch when nothing arrived.
type Detector interface {
	Data(ctx context.Context) ([]TagRecord, error)
}
