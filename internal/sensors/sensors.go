// Package sensors keeps the most recent reading of each slow instrument. One
// goroutine polls each sensor; readers get the last good value without
// blocking on the instrument.
package sensors

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/laserscan/internal/devices"
	"github.com/banshee-data/laserscan/internal/monitoring"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

var logf = monitoring.Component("sensors")

// HardwareReadError reports a failed read of a named device. The poller
// keeps the previous value when one occurs.
type HardwareReadError struct {
	Device string
	Err    error
}

func (e *HardwareReadError) Error() string {
	return fmt.Sprintf("hardware read %s: %v", e.Device, e.Err)
}

func (e *HardwareReadError) Unwrap() error { return e.Err }

// Poller polls one reader at a fixed interval.
type Poller struct {
	name     string
	read     func(ctx context.Context) (float64, error)
	interval time.Duration
	clock    timeutil.Clock

	latest   atomic.Uint64 // math.Float64bits
	reads    atomic.Int64
	failures atomic.Int64
	failing  atomic.Bool
}

// NewPoller polls r every interval. The initial value is 0.
func NewPoller(name string, r devices.SensorReader, interval time.Duration, clock timeutil.Clock) *Poller {
	return &Poller{name: name, read: r.Reading, interval: interval, clock: clock}
}

// Latest returns the most recent good reading.
func (p *Poller) Latest() float64 {
	return math.Float64frombits(p.latest.Load())
}

// Stats returns successful and failed read counts.
func (p *Poller) Stats() (reads, failures int64) {
	return p.reads.Load(), p.failures.Load()
}

// PollOnce performs a single read, updating the latest value on success.
func (p *Poller) PollOnce(ctx context.Context) error {
	v, err := p.read(ctx)
	if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
		err = devices.ErrNoReading
	}
	if err != nil {
		p.failures.Add(1)
		herr := &HardwareReadError{Device: p.name, Err: err}
		if !p.failing.Swap(true) {
			logf("%v (keeping last value %.6g)", herr, p.Latest())
		}
		return herr
	}
	if p.failing.Swap(false) {
		logf("%s recovered", p.name)
	}
	p.latest.Store(math.Float64bits(v))
	p.reads.Add(1)
	return nil
}

// Run polls until ctx is cancelled. Read errors never stop the loop.
func (p *Poller) Run(ctx context.Context) {
	for {
		p.PollOnce(ctx)
		if err := timeutil.Wait(ctx, p.clock, p.interval); err != nil {
			return
		}
	}
}

// Snapshot is the latched sensor context attached to detector records.
type Snapshot struct {
	Voltage      float64
	SpectrumPeak float64
	Wavenumbers  [4]float64 // wavemeter channels 1-4
}

// Bank owns the pollers for voltage, spectrum peak and the four wavemeter
// channels. Nil readers are skipped and read as zero.
type Bank struct {
	voltage  *Poller
	spectrum *Poller
	wn       [4]*Poller

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// BankConfig names the instruments feeding a Bank.
type BankConfig struct {
	Voltage   devices.SensorReader
	Spectrum  devices.SensorReader
	Wavemeter devices.Wavemeter
	Interval  time.Duration
	Clock     timeutil.Clock
}

// NewBank builds the pollers; call Start to begin polling.
func NewBank(cfg BankConfig) *Bank {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	b := &Bank{}
	if cfg.Voltage != nil {
		b.voltage = NewPoller("multimeter", cfg.Voltage, cfg.Interval, cfg.Clock)
	}
	if cfg.Spectrum != nil {
		b.spectrum = NewPoller("spectrometer", cfg.Spectrum, cfg.Interval, cfg.Clock)
	}
	if cfg.Wavemeter != nil {
		for i := range b.wn {
			ch := i + 1
			wm := cfg.Wavemeter
			b.wn[i] = NewPoller(fmt.Sprintf("wavemeter ch%d", ch), devices.SensorFunc(func(ctx context.Context) (float64, error) {
				return wm.Wavenumber(ctx, ch)
			}), cfg.Interval, cfg.Clock)
		}
	}
	return b
}

func (b *Bank) pollers() []*Poller {
	out := []*Poller{b.voltage, b.spectrum, b.wn[0], b.wn[1], b.wn[2], b.wn[3]}
	ps := out[:0]
	for _, p := range out {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return ps
}

// Start launches one goroutine per sensor. A second Start is a no-op.
func (b *Bank) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	for _, p := range b.pollers() {
		p.PollOnce(ctx)
		b.wg.Add(1)
		go func(p *Poller) {
			defer b.wg.Done()
			p.Run(ctx)
		}(p)
	}
}

// Stop cancels every poller and waits for them to exit.
func (b *Bank) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

func latest(p *Poller) float64 {
	if p == nil {
		return 0
	}
	return p.Latest()
}

// Snapshot returns the latest value of every sensor. Values are independent
// reads, not a synchronized sample.
func (b *Bank) Snapshot() Snapshot {
	s := Snapshot{
		Voltage:      latest(b.voltage),
		SpectrumPeak: latest(b.spectrum),
	}
	for i, p := range b.wn {
		s.Wavenumbers[i] = latest(p)
	}
	return s
}
