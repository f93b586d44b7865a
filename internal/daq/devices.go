package daq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/laserscan/internal/config"
	"github.com/banshee-data/laserscan/internal/devices"
	"github.com/banshee-data/laserscan/internal/devices/multimeter"
	"github.com/banshee-data/laserscan/internal/devices/remote"
	"github.com/banshee-data/laserscan/internal/devices/sim"
	"github.com/banshee-data/laserscan/internal/serialmux"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

// ErrNoDriver is returned in hardware mode for an instrument that has no
// driver here and was not supplied by the caller.
var ErrNoDriver = errors.New("no driver for instrument")

// AdminRouter mounts debug pages for a device.
type AdminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// Devices are the instruments a System drives. Voltage and Spectrum may be
// nil; the sensor bank then reports zero for them.
type Devices struct {
	Actuator  devices.Actuator
	Wavemeter devices.Wavemeter
	Detector  devices.Detector
	Voltage   devices.SensorReader
	Spectrum  devices.SensorReader

	// Serial is the multimeter line, when there is one.
	Serial AdminRouter

	closeOnce sync.Once
	closers   []func() error
}

// Close releases every device in reverse order of acquisition. It is safe
// to call more than once.
func (d *Devices) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		for i := len(d.closers) - 1; i >= 0; i-- {
			if err := d.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// OnClose registers fn to run from Close.
func (d *Devices) OnClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

func (d *Devices) validate() error {
	switch {
	case d.Actuator == nil:
		return fmt.Errorf("actuator: %w", ErrNoDriver)
	case d.Wavemeter == nil:
		return fmt.Errorf("wavemeter: %w", ErrNoDriver)
	case d.Detector == nil:
		return fmt.Errorf("detector: %w", ErrNoDriver)
	}
	return nil
}

// BuildDevices opens the instruments named by settings. In simulation mode
// every instrument is simulated; otherwise the stage is reached over gRPC
// and the multimeter over its serial port, and the remaining instruments
// must be filled in by the caller before NewSystem. The serial monitor runs
// until ctx is cancelled or the devices are closed.
func BuildDevices(ctx context.Context, s *config.Settings, clock timeutil.Clock) (*Devices, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if s.GetSimulationMode() {
		return buildSimulated(ctx, s, clock)
	}
	return buildHardware(ctx, s)
}

func buildSimulated(ctx context.Context, s *config.Settings, clock timeutil.Clock) (*Devices, error) {
	simCfg := &s.Simulation
	offset, slope := simCfg.GetWavemeterOffset(), simCfg.GetWavemeterSlope()

	// park the stage on the first target so the first lock is short
	start := (s.Scan.GetStartWN() - offset) / slope
	stage := sim.NewStage(clock, simCfg.GetStageMoveSpeed(), sim.WithInitialPosition(start))
	meter := sim.NewWavemeter(stage, offset, slope, simCfg.GetWavemeterNoise())

	tagger := sim.NewTagger(clock, simCfg.GetRepetitionRate(), simCfg.GetMeanEventsPerBunch(),
		s.Acquisition.GetMeasurementChannel(), simCfg.GetTaggerSeed())
	tagger.Start()

	d := &Devices{
		Actuator:  stage,
		Wavemeter: meter,
		Detector:  tagger,
		Spectrum:  sim.NewSpectrometer(clock),
	}
	d.OnClose(func() error { tagger.Stop(); return nil })

	mux := serialmux.NewSerialMux(sim.NewMultimeterPort(clock, simCfg.GetMultimeterNoise()))
	if err := attachMultimeter(ctx, d, mux); err != nil {
		d.Close()
		return nil, err
	}
	log.Printf("[daq] simulated instruments ready (stage at %.4f mm)", start)
	return d, nil
}

func buildHardware(ctx context.Context, s *config.Settings) (*Devices, error) {
	d := &Devices{}

	addr := s.Hardware.GetStageAddress()
	client, err := remote.Dial(addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	d.Actuator = client
	d.OnClose(client.Close)

	idCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	id, err := client.Identify(idCtx)
	cancel()
	if err != nil {
		log.Printf("[daq] stage server %s not answering yet: %v", addr, err)
	} else {
		log.Printf("[daq] connected to stage %q at %s", id, addr)
	}

	port := s.Hardware.GetMultimeterPort()
	mux, err := serialmux.NewRealSerialMux(port, serialmux.PortOptions{BaudRate: s.Hardware.GetMultimeterBaud()})
	if err != nil {
		// the run can proceed without voltages; the column stays zero
		log.Printf("[daq] multimeter unavailable: %v", err)
		return d, nil
	}
	if err := attachMultimeter(ctx, d, mux); err != nil {
		log.Printf("[daq] multimeter setup failed: %v", err)
	}
	return d, nil
}

type serialLine interface {
	multimeter.Mux
	AdminRouter
	Monitor(ctx context.Context) error
	Close() error
}

func attachMultimeter(ctx context.Context, d *Devices, mux serialLine) error {
	monCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := mux.Monitor(monCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[daq] multimeter monitor error: %v", err)
		}
	}()
	d.OnClose(func() error {
		cancel()
		err := mux.Close()
		<-done
		return err
	})

	meter := multimeter.New(mux, 0)
	if err := meter.Setup(); err != nil {
		return err
	}
	d.Voltage = meter
	d.Serial = mux
	return nil
}
