package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/laserscan/internal/monitoring"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

// ErrRunning is returned by operations that need an idle controller.
var ErrRunning = errors.New("scan already running")

// ErrNotConfigured is returned by Start before a successful Configure.
var ErrNotConfigured = errors.New("scan not configured")

// Stabilizer is the part of the laser control loop the sweep drives.
type Stabilizer interface {
	SetWavenumber(target float64)
	IsStable() bool
	GetWavenumber() (float64, error)
	Stop()
}

// BinRecorder receives every completed bin. Errors are logged and do not
// stop the scan.
type BinRecorder interface {
	RecordBin(ctx context.Context, res BinResult) error
}

// Options configures a Controller.
type Options struct {
	Clock    timeutil.Clock // defaults to the wall clock
	Recorder BinRecorder    // optional
}

// binState holds the live window counters. Accumulating shares the lock so
// an event can never be counted against a window that already closed.
type binState struct {
	BinContext
	Events  int64
	Bunches int64
}

// Controller runs one scan at a time on its own goroutine.
type Controller struct {
	stab     Stabilizer
	clock    timeutil.Clock
	hist     *Histogram
	gate     *pauseGate
	stopping atomic.Bool

	recMu    sync.Mutex
	recorder BinRecorder

	mu         sync.RWMutex
	cfg        Config
	configured bool
	status     Status
	effective  time.Duration // summed effective time of completed bins
	cancel     context.CancelFunc
	done       chan struct{}

	binMu sync.Mutex
	bin   binState
}

// New returns an idle controller driving stab.
func New(stab Stabilizer, opts Options) *Controller {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	done := make(chan struct{})
	close(done)
	return &Controller{
		stab:     stab,
		clock:    clock,
		hist:     NewHistogram(0.01),
		gate:     newPauseGate(clock),
		recorder: opts.Recorder,
		status:   Status{State: StateIdle},
		done:     done,
	}
}

// SetRecorder replaces the bin recorder used by subsequent bins.
func (c *Controller) SetRecorder(r BinRecorder) {
	c.recMu.Lock()
	c.recorder = r
	c.recMu.Unlock()
}

// Configure validates and stores cfg for the next Start.
func (c *Controller) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Running {
		return ErrRunning
	}
	c.cfg = cfg
	c.configured = true
	c.status.StopMode = cfg.StopMode
	c.status.StopValue = cfg.StopValue
	c.status.TotalBins = cfg.TotalBins()
	return nil
}

// Config returns the active scan configuration.
func (c *Controller) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Reset clears the histogram and counters.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Running {
		return ErrRunning
	}
	c.hist = NewHistogram(c.cfg.withDefaults().MergeTolerance)
	c.effective = 0
	c.status = Status{
		State:     StateIdle,
		StopMode:  c.cfg.StopMode,
		StopValue: c.cfg.StopValue,
		TotalBins: c.status.TotalBins,
	}
	c.binMu.Lock()
	c.bin = binState{}
	c.binMu.Unlock()
	return nil
}

// Start launches the scan goroutine. The scan runs until it completes, ctx
// is cancelled, or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Running {
		return ErrRunning
	}
	if !c.configured {
		return ErrNotConfigured
	}
	cfg := c.cfg
	if c.hist.Len() == 0 {
		c.hist = NewHistogram(cfg.MergeTolerance)
	}

	runCtx, cancel := context.WithCancel(ctx)
	now := c.clock.Now()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.stopping.Store(false)
	c.gate.rearm()
	c.status.State = StateRunning
	c.status.Running = true
	c.status.Error = ""
	c.status.StartedAt = &now
	c.status.CompletedAt = nil
	c.status.TotalBins = cfg.TotalBins()

	log.Printf("[sweep] starting scan %.4f -> %.4f step %g, %d bins, stop on %s >= %g",
		cfg.StartWN, cfg.EndWN, cfg.StepSize, cfg.TotalBins(), cfg.StopMode, cfg.StopValue)
	go c.run(runCtx, cfg, c.hist, c.done)
	return nil
}

// Stop ends the scan. The order matters: the stopping flag and context are
// set before the pause gate is released, and the stabilizer is stopped last
// so a sweep parked on the gate or on a stability wait always wakes up into
// a cancelled context. With wait, Stop returns after the goroutine exited.
func (c *Controller) Stop(wait bool) {
	c.mu.RLock()
	cancel, done, running := c.cancel, c.done, c.status.Running
	c.mu.RUnlock()
	if !running {
		return
	}
	c.stopping.Store(true)
	if cancel != nil {
		cancel()
	}
	c.gate.Release()
	c.stab.Stop()
	if wait {
		<-done
	}
}

// Pause holds the sweep at its next blocking point and stops events from
// being counted.
func (c *Controller) Pause() {
	if c.gate.Pause() {
		log.Printf("[sweep] paused")
	}
}

// Resume releases a paused sweep.
func (c *Controller) Resume() {
	if c.gate.Resume() {
		log.Printf("[sweep] resumed")
	}
}

// Done is closed when the current scan goroutine exits.
func (c *Controller) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// ReportEvent counts one detector record against the open window. It
// reports false, without counting, when no window is open or the scan is
// paused.
func (c *Controller) ReportEvent(isBunch bool) (BinContext, bool) {
	if c.gate.Paused() || c.stopping.Load() {
		return BinContext{}, false
	}
	c.binMu.Lock()
	defer c.binMu.Unlock()
	if !c.bin.Accumulating {
		return BinContext{}, false
	}
	if isBunch {
		c.bin.Bunches++
	} else {
		c.bin.Events++
	}
	return c.bin.BinContext, true
}

// Window returns the current bin context.
func (c *Controller) Window() BinContext {
	c.binMu.Lock()
	defer c.binMu.Unlock()
	return c.bin.BinContext
}

// Status returns a snapshot of the scan.
func (c *Controller) Status() Status {
	c.mu.RLock()
	st := c.status
	effective := c.effective
	c.mu.RUnlock()

	c.binMu.Lock()
	st.Events, st.Bunches = c.bin.Events, c.bin.Bunches
	st.Accumulating = c.bin.Accumulating
	c.binMu.Unlock()

	st.Paused = c.gate.Paused()
	st.PausedSeconds = c.gate.TotalPaused().Seconds()
	st.Stopping = st.Running && c.stopping.Load()
	st.ETASeconds = eta(effective, st.BinsCompleted, st.TotalBins)
	return st
}

// Progress returns the merged histogram as a rate curve.
func (c *Controller) Progress() []ProgressPoint {
	c.mu.RLock()
	h := c.hist
	c.mu.RUnlock()
	return h.Progress()
}

// Histogram returns a copy of the merged histogram entries.
func (c *Controller) Histogram() []HistogramEntry {
	c.mu.RLock()
	h := c.hist
	c.mu.RUnlock()
	return h.Entries()
}

func (c *Controller) run(ctx context.Context, cfg Config, hist *Histogram, done chan struct{}) {
	defer close(done)
	final := StateComplete
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			crash := &CrashError{Value: r, Stack: debug.Stack()}
			log.Printf("[sweep] %v\n%s", crash, crash.Stack)
			monitoring.Alerts.Raise("sweep", crash)
			final, runErr = StateError, crash
		}
		c.closeWindow()
		c.finish(final, runErr)
	}()

	for loop := 0; loop < cfg.LoopCount; loop++ {
		for i, target := range cfg.Targets(loop) {
			res, err := c.acquireBin(ctx, cfg, loop, i, target)
			if err != nil {
				final = StateStopped
				c.stab.Stop()
				log.Printf("[sweep] stopped at loop %d bin %d (%.4f)", loop, i, target)
				return
			}
			res.MergedWN = hist.Add(target, res.Events, res.Bunches, res.Duration, res.MeasuredMean)
			c.binCompleted(res)
		}
	}
	log.Printf("[sweep] scan complete")
}

func (c *Controller) binCompleted(res BinResult) {
	c.mu.Lock()
	c.status.BinsCompleted++
	c.effective += res.Duration + res.settle
	c.status.Retries += res.Retries
	c.mu.Unlock()

	c.recMu.Lock()
	rec := c.recorder
	c.recMu.Unlock()
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.RecordBin(ctx, res); err != nil {
		log.Printf("[sweep] failed to record bin %d: %v", res.BinIndex, err)
	}
}

func (c *Controller) finish(state State, err error) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.status.State = state
	c.status.Running = false
	c.status.CompletedAt = &now
	if err != nil {
		c.status.Error = err.Error()
	}
}

// acquireBin runs the retry loop for one target: settle, accumulate, and
// start over when the laser drifts out of lock mid-window.
func (c *Controller) acquireBin(ctx context.Context, cfg Config, loop, idx int, target float64) (BinResult, error) {
	settle := timeutil.NewStopwatch(c.clock)
	settle.Start()
	retries := 0
	for {
		blocked, err := c.gate.Wait(ctx)
		if err != nil {
			return BinResult{}, err
		}
		settle.AddPaused(blocked)

		c.setTarget(target, loop, idx)
		c.stab.SetWavenumber(target)
		for !c.stab.IsStable() {
			blocked, err := c.gate.Wait(ctx)
			if err != nil {
				return BinResult{}, err
			}
			settle.AddPaused(blocked)
			if err := timeutil.Wait(ctx, c.clock, cfg.StablePoll); err != nil {
				return BinResult{}, err
			}
		}

		res, drifted, err := c.accumulate(ctx, cfg, loop, idx, target)
		if err != nil {
			return BinResult{}, err
		}
		if !drifted {
			res.Retries = retries
			res.settle = settle.Elapsed() - res.Duration
			if res.settle < 0 {
				res.settle = 0
			}
			return res, nil
		}
		retries++
		c.mu.Lock()
		c.status.Retries++
		c.mu.Unlock()
		log.Printf("[sweep] laser left lock at %.4f, retrying bin %d (attempt %d)", target, idx, retries+1)
	}
}

func (c *Controller) setTarget(target float64, loop, idx int) {
	c.mu.Lock()
	c.status.TargetWN = target
	c.status.LoopIndex = loop
	c.status.BinIndex = idx
	c.mu.Unlock()
}

// accumulate opens the window and blocks until the stop condition is met
// on effective time, or the stabilizer loses lock.
func (c *Controller) accumulate(ctx context.Context, cfg Config, loop, idx int, target float64) (BinResult, bool, error) {
	sw := timeutil.NewStopwatch(c.clock)
	sw.Start()
	c.openWindow(target, loop, idx)

	var samples []float64
	for {
		blocked, err := c.gate.Wait(ctx)
		if err != nil {
			c.closeWindow()
			return BinResult{}, false, err
		}
		sw.AddPaused(blocked)

		events, bunches := c.counts()
		if stopReached(cfg, events, bunches, sw.Elapsed()) {
			break
		}
		if cfg.RetryOnDrift && !c.stab.IsStable() {
			c.closeWindow()
			return BinResult{}, true, nil
		}
		if wn, err := c.stab.GetWavenumber(); err == nil && wn > 0 {
			samples = append(samples, wn)
			c.mu.Lock()
			c.status.MeasuredWN = wn
			c.mu.Unlock()
		}
		if err := timeutil.Wait(ctx, c.clock, cfg.AccumulatePoll); err != nil {
			c.closeWindow()
			return BinResult{}, false, err
		}
	}

	events, bunches := c.closeWindow()
	res := BinResult{
		LoopIndex:    loop,
		BinIndex:     idx,
		TargetWN:     target,
		MeasuredMean: target,
		Events:       events,
		Bunches:      bunches,
		Duration:     sw.Elapsed(),
		CompletedAt:  c.clock.Now(),
	}
	if len(samples) > 0 {
		res.MeasuredMean, res.MeasuredStd = stat.MeanStdDev(samples, nil)
		if len(samples) == 1 {
			res.MeasuredStd = 0
		}
	}
	return res, false, nil
}

func stopReached(cfg Config, events, bunches int64, elapsed time.Duration) bool {
	switch cfg.StopMode {
	case StopEvents:
		return float64(events) >= cfg.StopValue
	case StopBunches:
		return float64(bunches) >= cfg.StopValue
	case StopTime:
		return elapsed.Seconds() >= cfg.StopValue
	}
	panic(fmt.Sprintf("unknown stop mode %q", cfg.StopMode))
}

func (c *Controller) openWindow(target float64, loop, idx int) {
	c.binMu.Lock()
	defer c.binMu.Unlock()
	c.bin = binState{BinContext: BinContext{
		TargetWN:     target,
		BinIndex:     idx,
		LoopIndex:    loop,
		Accumulating: true,
	}}
}

// closeWindow stops counting and returns what the window collected.
func (c *Controller) closeWindow() (events, bunches int64) {
	c.binMu.Lock()
	defer c.binMu.Unlock()
	c.bin.Accumulating = false
	return c.bin.Events, c.bin.Bunches
}

func (c *Controller) counts() (events, bunches int64) {
	c.binMu.Lock()
	defer c.binMu.Unlock()
	return c.bin.Events, c.bin.Bunches
}
