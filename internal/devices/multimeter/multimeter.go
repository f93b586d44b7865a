// Package multimeter drives an HP/Agilent 34401A digital multimeter over a
// serial line using SCPI.
package multimeter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mux is the slice of serialmux.SerialMux the driver needs.
type Mux interface {
	Initialize(commands ...string) error
	Query(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// Meter reads DC voltage. It implements devices.SensorReader.
type Meter struct {
	mux     Mux
	timeout time.Duration
}

// New wraps mux; timeout bounds every query.
func New(mux Mux, timeout time.Duration) *Meter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Meter{mux: mux, timeout: timeout}
}

// Setup resets the meter and puts it in remote mode.
func (m *Meter) Setup() error {
	if err := m.mux.Initialize("*RST", "*CLS", "SYST:REM"); err != nil {
		return fmt.Errorf("multimeter setup: %w", err)
	}
	return nil
}

// Identity returns the *IDN? string.
func (m *Meter) Identity(ctx context.Context) (string, error) {
	return m.mux.Query(ctx, "*IDN?", m.timeout)
}

// Reading takes one DC voltage measurement.
func (m *Meter) Reading(ctx context.Context) (float64, error) {
	reply, err := m.mux.Query(ctx, "MEAS:VOLT:DC?", m.timeout)
	if err != nil {
		return 0, fmt.Errorf("multimeter read: %w", err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("multimeter reply %q: %w", reply, err)
	}
	return v, nil
}
