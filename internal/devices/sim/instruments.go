package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/laserscan/internal/serialmux"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

// MultimeterIdentity is the *IDN? reply of the simulated meter.
const MultimeterIdentity = "HEWLETT-PACKARD,34401A,SIMULATED,VER-2.0"

// NewMultimeterPort returns an in-memory serial port answering the SCPI
// subset the multimeter driver uses. The DC voltage is a 2.5 +- 2 V sine
// with period 4*pi seconds plus uniform noise.
func NewMultimeterPort(clock timeutil.Clock, noise float64) *serialmux.LinePort {
	start := clock.Now()
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(uint64(start.UnixNano()), 4))
	return serialmux.NewLinePort(func(cmd string) string {
		switch strings.ToUpper(cmd) {
		case "*IDN?":
			return MultimeterIdentity
		case "MEAS:VOLT:DC?", "READ?":
			elapsed := clock.Since(start).Seconds()
			mu.Lock()
			n := (rng.Float64()*2 - 1) * noise
			mu.Unlock()
			return fmt.Sprintf("%+.8E", 2.5+2.0*math.Sin(elapsed*0.5)+n)
		}
		return ""
	})
}

// Spectrometer reports a peak wavelength drifting slowly around 600 nm.
type Spectrometer struct {
	clock timeutil.Clock
	mu    sync.Mutex
	rng   *rand.Rand
}

// NewSpectrometer returns a simulated spectrometer peak reader.
func NewSpectrometer(clock timeutil.Clock) *Spectrometer {
	return &Spectrometer{clock: clock, rng: rand.New(rand.NewPCG(uint64(clock.Now().UnixNano()), 5))}
}

// Reading implements devices.SensorReader.
func (s *Spectrometer) Reading(ctx context.Context) (float64, error) {
	t := float64(s.clock.Now().UnixNano()) / float64(time.Second)
	s.mu.Lock()
	jitter := (s.rng.Float64()*2 - 1) * 0.1
	s.mu.Unlock()
	return math.Round((600.0+math.Sin(t/10.0)*2.0+jitter)*1e4) / 1e4, nil
}
