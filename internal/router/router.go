// Package router is the acquisition loop: it pulls detector batches, counts
// them into the live rate and the open sweep window, and hands attributed
// records to persistence.
package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/laserscan/internal/devices"
	"github.com/banshee-data/laserscan/internal/monitoring"
	"github.com/banshee-data/laserscan/internal/persist"
	"github.com/banshee-data/laserscan/internal/sensors"
	"github.com/banshee-data/laserscan/internal/sweep"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

var logf = monitoring.Component("daq")

// Sweep accepts counts for the open window.
type Sweep interface {
	ReportEvent(isBunch bool) (sweep.BinContext, bool)
}

// Sink is where attributed records go.
type Sink interface {
	AddEvent(r persist.Record) error
	Active() bool
}

// Options wires a Router.
type Options struct {
	Detector devices.Detector
	Sensors  func() sensors.Snapshot // nil attaches zero sensor values
	Sweep    Sweep

	MeasurementChannel int           // default 2
	RefreshInterval    time.Duration // default 10ms
	Clock              timeutil.Clock
}

// Stats counts records by fate.
type Stats struct {
	Batches     int64 `json:"batches"`
	Records     int64 `json:"records"`
	Bunches     int64 `json:"bunches"`
	Events      int64 `json:"events"`
	Persisted   int64 `json:"persisted"`
	Dropped     int64 `json:"dropped"`
	ReadErrors  int64 `json:"read_errors"`
	QueueErrors int64 `json:"queue_errors"`
}

// Router runs on a single goroutine; the counters and sink may be touched
// from others.
type Router struct {
	opts Options

	sinkMu sync.RWMutex
	sink   Sink

	rateMu         sync.Mutex
	pendingEvents  int64
	pendingBunches int64

	batches, records, bunches, events atomic.Int64
	persisted, dropped, readErrors    atomic.Int64
	queueErrors                       atomic.Int64
	failing                           bool
}

// New returns a router. Run starts it.
func New(opts Options) *Router {
	if opts.MeasurementChannel == 0 {
		opts.MeasurementChannel = 2
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 10 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Sensors == nil {
		opts.Sensors = func() sensors.Snapshot { return sensors.Snapshot{} }
	}
	return &Router{opts: opts}
}

// SetSink replaces the persistence target. nil disables persistence.
func (r *Router) SetSink(s Sink) {
	r.sinkMu.Lock()
	r.sink = s
	r.sinkMu.Unlock()
}

func (r *Router) activeSink() Sink {
	r.sinkMu.RLock()
	defer r.sinkMu.RUnlock()
	if r.sink == nil || !r.sink.Active() {
		return nil
	}
	return r.sink
}

// Run loops until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	logf("acquisition loop started (measurement channel %d)", r.opts.MeasurementChannel)
	for {
		r.Step(ctx)
		if err := timeutil.Wait(ctx, r.opts.Clock, r.opts.RefreshInterval); err != nil {
			logf("acquisition loop stopped")
			return nil
		}
	}
}

// Step processes one detector batch.
func (r *Router) Step(ctx context.Context) {
	batch, err := r.opts.Detector.Data(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.readErrors.Add(1)
		if !r.failing {
			r.failing = true
			logf("%v", &sensors.HardwareReadError{Device: "detector", Err: err})
		}
		return
	}
	if r.failing {
		r.failing = false
		logf("detector recovered")
	}
	if len(batch) == 0 {
		return
	}
	r.batches.Add(1)
	r.records.Add(int64(len(batch)))

	snap := r.opts.Sensors()
	sink := r.activeSink()
	for _, rec := range batch {
		switch {
		case rec.IsTrigger():
			r.bunches.Add(1)
			r.countRate(0, 1)
			bin, ok := r.opts.Sweep.ReportEvent(true)
			if !ok {
				r.dropped.Add(1)
				continue
			}
			if sink != nil {
				rec.TimeOffset = 0
				r.enqueue(sink, rec, snap, bin)
			}
		case rec.Channel == r.opts.MeasurementChannel:
			r.events.Add(1)
			r.countRate(1, 0)
			if sink == nil {
				r.dropped.Add(1)
				continue
			}
			bin, ok := r.opts.Sweep.ReportEvent(false)
			if !ok {
				r.dropped.Add(1)
				continue
			}
			r.enqueue(sink, rec, snap, bin)
		default:
			r.dropped.Add(1)
		}
	}
}

func (r *Router) enqueue(sink Sink, rec devices.TagRecord, snap sensors.Snapshot, bin sweep.BinContext) {
	err := sink.AddEvent(persist.Record{
		Timestamp:     rec.AbsoluteTime,
		Channel:       rec.Channel,
		TOF:           rec.TimeOffset,
		Voltage:       snap.Voltage,
		SpectrumPeak:  snap.SpectrumPeak,
		WavemeterWN:   snap.Wavenumbers[0],
		LaserTargetWN: bin.TargetWN,
		ScanBinIndex:  bin.BinIndex,
		BunchID:       rec.BunchID,
	})
	if err != nil {
		r.queueErrors.Add(1)
		return
	}
	r.persisted.Add(1)
}

func (r *Router) countRate(events, bunches int64) {
	r.rateMu.Lock()
	r.pendingEvents += events
	r.pendingBunches += bunches
	r.rateMu.Unlock()
}

// InstantRate returns events per bunch seen since the previous call and
// resets the counters. It is 0 when no bunch arrived.
func (r *Router) InstantRate() float64 {
	r.rateMu.Lock()
	events, bunches := r.pendingEvents, r.pendingBunches
	r.pendingEvents, r.pendingBunches = 0, 0
	r.rateMu.Unlock()
	if bunches == 0 {
		return 0
	}
	return float64(events) / float64(bunches)
}

// Stats returns the counters.
func (r *Router) Stats() Stats {
	return Stats{
		Batches:     r.batches.Load(),
		Records:     r.records.Load(),
		Bunches:     r.bunches.Load(),
		Events:      r.events.Load(),
		Persisted:   r.persisted.Load(),
		Dropped:     r.dropped.Load(),
		ReadErrors:  r.readErrors.Load(),
		QueueErrors: r.queueErrors.Load(),
	}
}
