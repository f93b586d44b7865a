// Package daq assembles the acquisition system: instruments, sensor
// pollers, the laser stabilizer, the sweep controller, the acquisition loop
// and per-scan persistence.
package daq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/laserscan/internal/config"
	"github.com/banshee-data/laserscan/internal/db"
	"github.com/banshee-data/laserscan/internal/persist"
	"github.com/banshee-data/laserscan/internal/report"
	"github.com/banshee-data/laserscan/internal/router"
	"github.com/banshee-data/laserscan/internal/sensors"
	"github.com/banshee-data/laserscan/internal/stabilizer"
	"github.com/banshee-data/laserscan/internal/sweep"
	"github.com/banshee-data/laserscan/internal/timeutil"
	"github.com/banshee-data/laserscan/internal/version"
)

// TimestampLayout names scan files, e.g. scan_20260101_120000.csv.
const TimestampLayout = "20060102_150405"

// ErrClosed is returned by StartScan after Stop.
var ErrClosed = errors.New("system stopped")

// Options wires a System. Settings and Devices are required.
type Options struct {
	Settings *config.Settings
	Devices  *Devices
	DB       *db.DB // optional scan history
	Clock    timeutil.Clock
}

// ScanInfo describes the current or last scan.
type ScanInfo struct {
	ScanID     string      `json:"scan_id"`
	Timestamp  string      `json:"timestamp"`
	Continuous bool        `json:"continuous"`
	CSVPath    string      `json:"csv_path,omitempty"`
	MetaPath   string      `json:"meta_path"`
	Outputs    []string    `json:"outputs,omitempty"`
	State      sweep.State `json:"state"`
	Error      string      `json:"error,omitempty"`
}

type activeScan struct {
	info  ScanInfo
	paths persist.Paths
	sink  persist.Sink
	queue *persist.Queue
	done  chan struct{}
}

// System owns every long-lived goroutine of the acquisition program.
type System struct {
	settings *config.Settings
	devices  *Devices
	db       *db.DB
	clock    timeutil.Clock

	stab   *stabilizer.Stabilizer
	sweep  *sweep.Controller
	bank   *sensors.Bank
	router *router.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active *activeScan
	last   *ScanInfo
	closed bool
}

// NewSystem builds the control stack and starts the sensor pollers and the
// acquisition loop. Scans are started with StartScan.
func NewSystem(opts Options) (*System, error) {
	if opts.Settings == nil {
		return nil, errors.New("settings are required")
	}
	if opts.Devices == nil {
		return nil, errors.New("devices are required")
	}
	if err := opts.Devices.validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	s := opts.Settings

	stab, err := stabilizer.New(opts.Devices.Actuator, opts.Devices.Wavemeter, s.Control.Laser.Params(), opts.Clock)
	if err != nil {
		return nil, err
	}

	sys := &System{
		settings: s,
		devices:  opts.Devices,
		db:       opts.DB,
		clock:    opts.Clock,
		stab:     stab,
		sweep:    sweep.New(stab, sweep.Options{Clock: opts.Clock}),
		bank: sensors.NewBank(sensors.BankConfig{
			Voltage:   opts.Devices.Voltage,
			Spectrum:  opts.Devices.Spectrum,
			Wavemeter: opts.Devices.Wavemeter,
			Interval:  s.Acquisition.GetSensorPollInterval(),
			Clock:     opts.Clock,
		}),
	}
	sys.router = router.New(router.Options{
		Detector:           opts.Devices.Detector,
		Sensors:            sys.bank.Snapshot,
		Sweep:              sys.sweep,
		MeasurementChannel: s.Acquisition.GetMeasurementChannel(),
		RefreshInterval:    s.Acquisition.GetRefreshInterval(),
		Clock:              opts.Clock,
	})

	sys.ctx, sys.cancel = context.WithCancel(context.Background())
	sys.bank.Start(sys.ctx)
	sys.wg.Add(1)
	go func() {
		defer sys.wg.Done()
		sys.router.Run(sys.ctx)
	}()
	return sys, nil
}

// Sweep exposes the controller for pause/resume and status.
func (s *System) Sweep() *sweep.Controller { return s.sweep }

// Stabilizer exposes the laser loop.
func (s *System) Stabilizer() *stabilizer.Stabilizer { return s.stab }

// Router exposes the acquisition loop counters.
func (s *System) Router() *router.Router { return s.router }

// Sensors returns the latest latched sensor values.
func (s *System) Sensors() sensors.Snapshot { return s.bank.Snapshot() }

// DB returns the scan history store, or nil.
func (s *System) DB() *db.DB { return s.db }

// Devices returns the instruments.
func (s *System) Devices() *Devices { return s.devices }

// ScanDefaults is the scan configuration from the settings file.
func (s *System) ScanDefaults() sweep.Config {
	return sweep.ConfigFromSettings(&s.settings.Scan)
}

// InstantRate is events per bunch since the previous call.
func (s *System) InstantRate() float64 { return s.router.InstantRate() }

// LaserSettings returns the live stabilizer tuning in its JSON form.
func (s *System) LaserSettings() config.LaserControl {
	return s.stab.Config().Control()
}

// UpdateLaserSettings merges c over the live tuning and applies it. Fields
// left nil keep their current value.
func (s *System) UpdateLaserSettings(c config.LaserControl) (config.LaserControl, error) {
	if err := c.Validate(); err != nil {
		return config.LaserControl{}, err
	}
	merged := s.stab.Config().Control()
	overlay(&merged, c)
	if err := s.stab.UpdateConfig(merged.Params()); err != nil {
		return config.LaserControl{}, err
	}
	return s.LaserSettings(), nil
}

func overlay(dst *config.LaserControl, src config.LaserControl) {
	if src.Tolerance != nil {
		dst.Tolerance = src.Tolerance
	}
	if src.StepFine != nil {
		dst.StepFine = src.StepFine
	}
	if src.StepCoarse != nil {
		dst.StepCoarse = src.StepCoarse
	}
	if src.PollInterval != nil {
		dst.PollInterval = src.PollInterval
	}
	if src.StableDwell != nil {
		dst.StableDwell = src.StableDwell
	}
	if src.RequiredStableSamples != nil {
		dst.RequiredStableSamples = src.RequiredStableSamples
	}
	if src.Axis != nil {
		dst.Axis = src.Axis
	}
	if src.WavemeterChannel != nil {
		dst.WavemeterChannel = src.WavemeterChannel
	}
}

// CurrentScan returns the running scan, or the last finished one. ok is
// false before the first scan.
func (s *System) CurrentScan() (info ScanInfo, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		info = s.active.info
		info.State = s.sweep.Status().State
		return info, true
	}
	if s.last != nil {
		return *s.last, true
	}
	return ScanInfo{}, false
}

// StartScan opens persistence for a new scan and starts the sweep.
func (s *System) StartScan(cfg sweep.Config) (ScanInfo, error) {
	if err := cfg.Validate(); err != nil {
		return ScanInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ScanInfo{}, ErrClosed
	}
	if s.active != nil {
		return ScanInfo{}, sweep.ErrRunning
	}

	data := &s.settings.Data
	dir := data.GetDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ScanInfo{}, fmt.Errorf("failed to create data directory: %w", err)
	}

	ts := s.clock.Now().Format(TimestampLayout)
	paths := persist.ScanPaths(dir, ts)
	info := ScanInfo{
		ScanID:     uuid.NewString(),
		Timestamp:  ts,
		Continuous: data.GetSaveContinuously(),
		MetaPath:   paths.Meta,
		State:      sweep.StateRunning,
	}

	var sink persist.Sink
	if info.Continuous {
		csvSink, err := persist.NewCSVSink(paths.CSV)
		if err != nil {
			return ScanInfo{}, err
		}
		sink = csvSink
		info.CSVPath = paths.CSV
	} else {
		sink = persist.NewMemorySink()
	}

	meta, err := s.metadata(info, cfg)
	if err != nil {
		sink.Close()
		return ScanInfo{}, err
	}
	if err := persist.WriteMetadata(paths.Meta, meta); err != nil {
		sink.Close()
		return ScanInfo{}, fmt.Errorf("failed to write metadata: %w", err)
	}

	var recorder sweep.BinRecorder
	if s.db != nil {
		metaJSON, _ := json.Marshal(meta)
		err := s.db.CreateScan(s.ctx, db.Scan{
			ScanID:    info.ScanID,
			Timestamp: ts,
			StartWN:   cfg.StartWN,
			EndWN:     cfg.EndWN,
			StepSize:  cfg.StepSize,
			StopMode:  string(cfg.StopMode),
			StopValue: cfg.StopValue,
			LoopCount: cfg.LoopCount,
			CSVPath:   info.CSVPath,
			Metadata:  string(metaJSON),
			StartedAt: s.clock.Now(),
		})
		if err != nil {
			sink.Close()
			return ScanInfo{}, err
		}
		sink = persist.MultiSink{sink, s.db.EventSink(info.ScanID)}
		recorder = s.db.BinRecorder(info.ScanID)
	}

	queue := persist.NewQueue(sink, persist.Options{
		FlushInterval: data.GetFlushInterval(),
		BatchSize:     data.GetBatchSize(),
		Clock:         s.clock,
	})

	s.sweep.SetRecorder(recorder)
	err = s.sweep.Configure(cfg)
	if err == nil {
		err = s.sweep.Reset()
	}
	if err == nil {
		queue.Start()
		s.router.SetSink(queue)
		err = s.sweep.Start(s.ctx)
	}
	if err != nil {
		s.router.SetSink(nil)
		queue.Stop()
		s.finishRecord(info.ScanID, sweep.StateError, err.Error(), "")
		return ScanInfo{}, err
	}

	scan := &activeScan{info: info, paths: paths, sink: sink, queue: queue, done: make(chan struct{})}
	s.active = scan
	log.Printf("[daq] scan %s started (%s)", info.ScanID, ts)

	s.wg.Add(1)
	go s.supervise(scan, s.sweep.Done())
	return info, nil
}

func (s *System) metadata(info ScanInfo, cfg sweep.Config) (persist.Metadata, error) {
	laser, err := json.Marshal(s.stab.Config().Control())
	if err != nil {
		return persist.Metadata{}, err
	}
	meta := persist.Metadata{
		ScanID:    info.ScanID,
		Timestamp: info.Timestamp,
		Version:   version.Version,
		ScanParameters: persist.ScanParameters{
			MinWN:     cfg.StartWN,
			MaxWN:     cfg.EndWN,
			StepSize:  cfg.StepSize,
			StopMode:  string(cfg.StopMode),
			StopValue: cfg.StopValue,
			LoopCount: cfg.LoopCount,
		},
		LaserSettings: laser,
	}
	if s.settings.GetSimulationMode() {
		simJSON, err := json.Marshal(s.settings.Simulation)
		if err != nil {
			return persist.Metadata{}, err
		}
		meta.SimulationSettings = simJSON
	}
	return meta, nil
}

// supervise waits for the sweep goroutine, drains persistence and writes
// the scan outputs.
func (s *System) supervise(scan *activeScan, sweepDone <-chan struct{}) {
	defer s.wg.Done()
	defer close(scan.done)

	<-sweepDone
	s.router.SetSink(nil)
	if err := scan.queue.Stop(); err != nil {
		log.Printf("[daq] closing scan sink: %v", err)
	}

	st := s.sweep.Status()
	info := scan.info
	info.State = st.State
	info.Error = st.Error

	data := &s.settings.Data
	finalPath := ""
	if !info.Continuous || data.GetBackup() {
		outputs, err := persist.Finalize(scan.sink, scan.paths.Final, data.GetCompressBackup())
		if err != nil {
			log.Printf("[daq] finalize scan %s: %v", info.ScanID, err)
		}
		info.Outputs = append(info.Outputs, outputs...)
		if len(outputs) > 0 {
			finalPath = outputs[0]
		}
	}

	png := strings.TrimSuffix(scan.paths.Final, ".csv") + ".png"
	title := fmt.Sprintf("Scan %s (%s)", info.Timestamp, info.State)
	switch err := report.WriteProgressPNG(s.sweep.Progress(), title, png); {
	case err == nil:
		info.Outputs = append(info.Outputs, png)
	case !errors.Is(err, report.ErrNoPoints):
		log.Printf("[daq] progress plot: %v", err)
	}

	s.finishRecord(info.ScanID, info.State, info.Error, finalPath)
	log.Printf("[daq] scan %s finished: %s", info.ScanID, info.State)

	s.mu.Lock()
	s.last = &info
	if s.active == scan {
		s.active = nil
	}
	s.mu.Unlock()
}

func (s *System) finishRecord(scanID string, state sweep.State, errText, finalPath string) {
	if s.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.FinishScan(ctx, scanID, string(state), errText, finalPath); err != nil {
		log.Printf("[daq] failed to record end of scan %s: %v", scanID, err)
	}
}

// StopScan stops the running scan and waits until its outputs are written.
// It is a no-op when no scan is running.
func (s *System) StopScan() {
	s.mu.Lock()
	scan := s.active
	s.mu.Unlock()
	if scan == nil {
		return
	}
	s.sweep.Stop(true)
	<-scan.done
}

// Wait blocks until the running scan, if any, has finished and been
// written out, or ctx is done.
func (s *System) Wait(ctx context.Context) error {
	s.mu.Lock()
	scan := s.active
	s.mu.Unlock()
	if scan == nil {
		return nil
	}
	select {
	case <-scan.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the scan, the stabilizer and every background loop, then
// releases the devices. Safe to call more than once.
func (s *System) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.StopScan()
	s.stab.Stop()
	s.cancel()
	s.bank.Stop()
	s.wg.Wait()
	log.Printf("[daq] stopped")
	return s.devices.Close()
}
