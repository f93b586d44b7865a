package sweep

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/laserscan/internal/config"
	"github.com/banshee-data/laserscan/internal/devices/sim"
	"github.com/banshee-data/laserscan/internal/monitoring"
	"github.com/banshee-data/laserscan/internal/stabilizer"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

// fakeStab locks instantly unless hold is set. Setting drift makes the next
// IsStable report lost lock; the following SetWavenumber relocks.
type fakeStab struct {
	mu     sync.Mutex
	target float64
	locked bool
	hold   atomic.Bool
	drift  atomic.Bool
	stops  atomic.Int64
	sets   []float64
}

func (f *fakeStab) SetWavenumber(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = t
	f.locked = !f.hold.Load()
	f.sets = append(f.sets, t)
}

func (f *fakeStab) IsStable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drift.CompareAndSwap(true, false) {
		f.locked = false
	}
	return f.locked
}

func (f *fakeStab) GetWavenumber() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target, nil
}

func (f *fakeStab) Stop() { f.stops.Add(1) }

func (f *fakeStab) targets() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.sets...)
}

func testConfig(mode StopMode, value float64) Config {
	return Config{
		StartWN:        16666,
		EndWN:          16667,
		StepSize:       0.5,
		StopMode:       mode,
		StopValue:      value,
		LoopCount:      1,
		MergeTolerance: 0.01,
		RetryOnDrift:   true,
		StablePoll:     time.Millisecond,
		AccumulatePoll: time.Millisecond,
	}
}

// feed plays the router: one bunch and two events per tick.
func feed(t *testing.T, c *Controller) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			c.ReportEvent(true)
			c.ReportEvent(false)
			c.ReportEvent(false)
			time.Sleep(100 * time.Microsecond)
		}
	}()
	return func() { cancel(); <-done }
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("scan did not finish")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero step", func(c *Config) { c.StepSize = 0 }, true},
		{"negative step", func(c *Config) { c.StepSize = -0.5 }, true},
		{"zero loops", func(c *Config) { c.LoopCount = 0 }, true},
		{"zero stop value", func(c *Config) { c.StopValue = 0 }, true},
		{"unknown mode", func(c *Config) { c.StopMode = "photons" }, true},
		{"too many bins", func(c *Config) { c.EndWN = 20000; c.StepSize = 0.01 }, true},
		{"descending range", func(c *Config) { c.StartWN, c.EndWN = 16667, 16666 }, false},
		{"NaN stop value", func(c *Config) { c.StopValue = math.NaN() }, true},
		{"infinite stop value", func(c *Config) { c.StopValue = math.Inf(1) }, true},
		{"NaN step", func(c *Config) { c.StepSize = math.NaN() }, true},
		{"NaN start", func(c *Config) { c.StartWN = math.NaN() }, true},
		{"span overflows", func(c *Config) { c.StartWN, c.EndWN, c.StepSize = 0, 1e308, 1e-300 }, true},
		{"span overflows descending", func(c *Config) { c.StartWN, c.EndWN, c.StepSize = 1e308, -1e308, 1 }, true},
		{"too many loops", func(c *Config) { c.LoopCount = math.MaxInt32 }, true},
		{"infinite step", func(c *Config) { c.StepSize = math.Inf(1) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(StopEvents, 10)
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigTargets(t *testing.T) {
	cfg := testConfig(StopEvents, 10)
	if diff := cmp.Diff([]float64{16666, 16666.5, 16667}, cfg.Targets(0)); diff != "" {
		t.Errorf("Targets(0) mismatch (-want +got):\n%s", diff)
	}

	cfg.AlternateDirection = true
	if diff := cmp.Diff([]float64{16667, 16666.5, 16666}, cfg.Targets(1)); diff != "" {
		t.Errorf("Targets(1) alternating mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.Targets(2)[0]; got != 16666 {
		t.Errorf("Targets(2)[0] = %f, want 16666", got)
	}

	cfg.StartWN, cfg.EndWN = 100, 100
	if diff := cmp.Diff([]float64{100}, cfg.Targets(0)); diff != "" {
		t.Errorf("single target mismatch (-want +got):\n%s", diff)
	}

	cfg = testConfig(StopEvents, 10)
	cfg.LoopCount = 3
	if got := cfg.TotalBins(); got != 9 {
		t.Errorf("TotalBins() = %d, want 9", got)
	}
}

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(&config.ScanSettings{})
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.StopMode != StopBunches || cfg.StopValue != 100 {
		t.Errorf("stop = %s/%g, want bunches/100", cfg.StopMode, cfg.StopValue)
	}
	if !cfg.RetryOnDrift {
		t.Error("RetryOnDrift should default to true")
	}
}

func TestParseRange(t *testing.T) {
	start, end, step, err := ParseRange("16666:16680:0.5")
	if err != nil {
		t.Fatal(err)
	}
	if start != 16666 || end != 16680 || step != 0.5 {
		t.Errorf("ParseRange() = %g, %g, %g", start, end, step)
	}
	for _, bad := range []string{"1:2", "a:2:3", "1:2:0", "1:2:-1"} {
		if _, _, _, err := ParseRange(bad); err == nil {
			t.Errorf("ParseRange(%q) expected error", bad)
		}
	}
}

func TestHistogramMerge(t *testing.T) {
	h := NewHistogram(0.01)
	h.Add(1000.000, 5, 1, 0, math.NaN())
	if got := h.Add(1000.005, 3, 1, 0, math.NaN()); got != 1000.000 {
		t.Errorf("1000.005 merged into %f, want 1000.000", got)
	}
	if got := h.Add(1000.02, 7, 2, 0, math.NaN()); got != 1000.02 {
		t.Errorf("1000.02 merged into %f, want new key", got)
	}
	if got := h.Add(1000.04, 1, 1, 0, math.NaN()); got != 1000.04 {
		t.Errorf("1000.04 merged into %f, want new key", got)
	}

	want := []ProgressPoint{
		{Wavenumber: 1000.000, Rate: 4, Events: 8, Bunches: 2, MeasuredWN: 1000.000},
		{Wavenumber: 1000.02, Rate: 3.5, Events: 7, Bunches: 2, MeasuredWN: 1000.02},
		{Wavenumber: 1000.04, Rate: 1, Events: 1, Bunches: 1, MeasuredWN: 1000.04},
	}
	if diff := cmp.Diff(want, h.Progress()); diff != "" {
		t.Errorf("Progress() mismatch (-want +got):\n%s", diff)
	}
}

func TestHistogramStrictTolerance(t *testing.T) {
	h := NewHistogram(0.25)
	h.Add(0.5, 1, 1, 0, math.NaN())
	if got := h.Add(0.75, 1, 1, 0, math.NaN()); got != 0.75 {
		t.Errorf("key exactly one tolerance away merged into %f", got)
	}
	if got := h.Add(0.625, 1, 1, 0, math.NaN()); got != 0.5 {
		t.Errorf("0.625 merged into %f, want first-inserted 0.5", got)
	}
}

func TestHistogramFirstInsertedWins(t *testing.T) {
	h := NewHistogram(0.01)
	h.Add(1000.015, 1, 1, 0, math.NaN())
	h.Add(1000.000, 1, 1, 0, math.NaN())
	// in range of both keys; 1000.015 was inserted first
	if got := h.Add(1000.008, 1, 1, 0, math.NaN()); got != 1000.015 {
		t.Errorf("merged into %f, want 1000.015", got)
	}
	entries := h.Entries()
	if len(entries) != 2 || entries[0].Wavenumber != 1000.000 {
		t.Fatalf("entries not sorted: %+v", entries)
	}
	if entries[1].Visits != 2 {
		t.Errorf("Visits = %d, want 2", entries[1].Visits)
	}
}

func TestHistogramZeroBunches(t *testing.T) {
	h := NewHistogram(0.01)
	h.Add(1, 10, 0, 0, 1.5)
	p := h.Progress()[0]
	if p.Rate != 0 {
		t.Errorf("Rate = %f with zero bunches, want 0", p.Rate)
	}
	if p.MeasuredWN != 1.5 {
		t.Errorf("MeasuredWN = %f, want 1.5", p.MeasuredWN)
	}
}

func TestETA(t *testing.T) {
	if got := eta(10*time.Second, 2, 6); got != 20 {
		t.Errorf("eta() = %f, want 20", got)
	}
	if got := eta(0, 0, 6); got != 0 {
		t.Errorf("eta() with no bins = %f, want 0", got)
	}
	if got := eta(time.Second, 6, 6); got != 0 {
		t.Errorf("eta() when done = %f, want 0", got)
	}
}

func TestController_EventsMode(t *testing.T) {
	stab := &fakeStab{}
	c := New(stab, Options{})
	if err := c.Configure(testConfig(StopEvents, 20)); err != nil {
		t.Fatal(err)
	}
	stop := feed(t, c)
	defer stop()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, c)

	st := c.Status()
	if st.State != StateComplete || st.Running {
		t.Errorf("state = %s running = %v, want complete/false", st.State, st.Running)
	}
	if st.BinsCompleted != 3 || st.TotalBins != 3 {
		t.Errorf("bins = %d/%d, want 3/3", st.BinsCompleted, st.TotalBins)
	}
	entries := c.Histogram()
	if len(entries) != 3 {
		t.Fatalf("histogram has %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.Events < 20 {
			t.Errorf("bin %.1f has %d events, want >= 20", e.Wavenumber, e.Events)
		}
	}
	if diff := cmp.Diff([]float64{16666, 16666.5, 16667}, stab.targets()); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c.ReportEvent(false); ok {
		t.Error("ReportEvent accepted after scan finished")
	}
}

func TestController_TimeMode(t *testing.T) {
	c := New(&fakeStab{}, Options{})
	cfg := testConfig(StopTime, 0.02)
	cfg.EndWN = 16666.5
	if err := c.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, c)

	for _, e := range c.Histogram() {
		if e.Duration < 20*time.Millisecond {
			t.Errorf("bin %.1f accumulated %v, want >= 20ms", e.Wavenumber, e.Duration)
		}
	}
}

// drive steps c on clock until the scan finishes. Whenever the sweep
// goroutine is parked on a poll timer, batch runs and the clock moves by poll,
// so every stop check sees exactly the events fed before it.
func drive(t *testing.T, c *Controller, clock *timeutil.MockClock, poll time.Duration, batch func()) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		select {
		case <-c.Done():
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("scan did not finish")
		}
		if clock.Pending() == 0 {
			time.Sleep(50 * time.Microsecond)
			continue
		}
		if batch != nil {
			batch()
		}
		clock.Advance(poll)
	}
}

func TestController_EventsModeStopsWithinOneBatch(t *testing.T) {
	const (
		stopAt = 20
		batch  = 3
		poll   = 10 * time.Millisecond
	)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	c := New(&fakeStab{}, Options{Clock: clock})
	cfg := testConfig(StopEvents, stopAt)
	cfg.AccumulatePoll = poll
	if err := c.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	drive(t, c, clock, poll, func() {
		c.ReportEvent(true)
		for i := 0; i < batch; i++ {
			c.ReportEvent(false)
		}
	})

	entries := c.Histogram()
	if len(entries) != 3 {
		t.Fatalf("histogram has %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.Events < stopAt || e.Events >= stopAt+batch {
			t.Errorf("bin %.1f has %d events, want [%d, %d)", e.Wavenumber, e.Events, stopAt, stopAt+batch)
		}
	}
}

func TestController_TimeModeStopsWithinOnePoll(t *testing.T) {
	const poll = 10 * time.Millisecond
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	c := New(&fakeStab{}, Options{Clock: clock})
	cfg := testConfig(StopTime, 0.1)
	cfg.AccumulatePoll = poll
	if err := c.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	drive(t, c, clock, poll, nil)

	want := 100 * time.Millisecond
	for _, e := range c.Histogram() {
		if e.Duration < want || e.Duration >= want+poll {
			t.Errorf("bin %.1f accumulated %v, want [%v, %v)", e.Wavenumber, e.Duration, want, want+poll)
		}
	}
	if c.Status().State != StateComplete {
		t.Errorf("state = %s, want complete", c.Status().State)
	}
}

func TestController_PauseExcludedFromBinDuration(t *testing.T) {
	c := New(&fakeStab{}, Options{})
	cfg := testConfig(StopTime, 0.1)
	cfg.EndWN = cfg.StartWN
	if err := c.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(true)

	waitFor(t, "accumulating", func() bool { return c.Status().Accumulating })
	time.Sleep(20 * time.Millisecond)
	c.Pause()
	time.Sleep(300 * time.Millisecond)
	if st := c.Status(); st.BinsCompleted != 0 {
		t.Fatalf("bin completed during pause: %+v", st)
	}
	c.Resume()
	waitDone(t, c)

	entries := c.Histogram()
	if len(entries) != 1 {
		t.Fatalf("histogram has %d entries, want 1", len(entries))
	}
	if d := entries[0].Duration; d < 100*time.Millisecond || d >= 250*time.Millisecond {
		t.Errorf("bin accumulated %v, want ~100ms with the 300ms pause excluded", d)
	}
	if got := c.Status().PausedSeconds; got < 0.2 {
		t.Errorf("PausedSeconds = %.3f, want >= 0.2", got)
	}
}

func TestController_PauseResumeUnderLoad(t *testing.T) {
	c := New(&fakeStab{}, Options{})
	if err := c.Configure(testConfig(StopBunches, 200)); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	done := c.Done()

	var accepted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, ok := c.ReportEvent(true); ok {
				accepted.Add(1)
			}
			time.Sleep(20 * time.Microsecond)
		}
	}()
	go func() {
		defer wg.Done()
		defer c.Resume()
		for {
			select {
			case <-done:
				return
			default:
			}
			c.Pause()
			time.Sleep(200 * time.Microsecond)
			c.Resume()
			time.Sleep(200 * time.Microsecond)
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_ = c.Status()
			_ = c.Window()
		}
	}()

	waitDone(t, c)
	wg.Wait()

	if st := c.Status(); st.State != StateComplete || st.BinsCompleted != 3 {
		t.Fatalf("state %s bins %d, want complete 3", st.State, st.BinsCompleted)
	}
	var total int64
	for _, e := range c.Histogram() {
		if e.Bunches < 200 {
			t.Errorf("bin %.1f has %d bunches, want >= 200", e.Wavenumber, e.Bunches)
		}
		total += e.Bunches
	}
	if got := accepted.Load(); got != total {
		t.Errorf("accepted %d bunches, histogram holds %d", got, total)
	}
}

type recorder struct {
	mu   sync.Mutex
	bins []BinResult
}

func (r *recorder) RecordBin(_ context.Context, res BinResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bins = append(r.bins, res)
	return errors.New("disk full")
}

func TestController_RecordsBins(t *testing.T) {
	rec := &recorder{}
	c := New(&fakeStab{}, Options{Recorder: rec})
	cfg := testConfig(StopBunches, 5)
	cfg.LoopCount = 2
	cfg.AlternateDirection = true
	c.Configure(cfg)
	stop := feed(t, c)
	defer stop()
	c.Start(context.Background())
	waitDone(t, c)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.bins) != 6 {
		t.Fatalf("recorded %d bins, want 6", len(rec.bins))
	}
	last := rec.bins[5]
	if last.LoopIndex != 1 || last.TargetWN != 16666 {
		t.Errorf("last bin = loop %d target %f, want loop 1 target 16666", last.LoopIndex, last.TargetWN)
	}
	if last.MeasuredMean != 16666 || last.MeasuredStd != 0 {
		t.Errorf("measured = %f±%f, want 16666±0", last.MeasuredMean, last.MeasuredStd)
	}
	if got := len(c.Histogram()); got != 3 {
		t.Errorf("two loops produced %d histogram keys, want 3", got)
	}
	if c.Status().State != StateComplete {
		t.Error("recorder errors must not fail the scan")
	}
}

func TestController_PauseDoesNotAdvance(t *testing.T) {
	c := New(&fakeStab{}, Options{})
	c.Configure(testConfig(StopBunches, 200))
	stop := feed(t, c)
	defer stop()
	c.Start(context.Background())
	defer c.Stop(true)

	waitFor(t, "accumulating", func() bool { return c.Status().Accumulating })
	c.Pause()
	time.Sleep(5 * time.Millisecond)
	before := c.Status()
	if !before.Paused {
		t.Fatal("Paused = false after Pause")
	}
	time.Sleep(50 * time.Millisecond)
	after := c.Status()
	if after.Bunches != before.Bunches || after.Events != before.Events {
		t.Errorf("counts moved while paused: %d/%d -> %d/%d",
			before.Events, before.Bunches, after.Events, after.Bunches)
	}
	if after.BinsCompleted != before.BinsCompleted {
		t.Errorf("bins advanced while paused: %d -> %d", before.BinsCompleted, after.BinsCompleted)
	}
	if _, ok := c.ReportEvent(true); ok {
		t.Error("ReportEvent accepted while paused")
	}

	c.Resume()
	waitDone(t, c)
	if got := c.Status(); got.State != StateComplete || got.BinsCompleted != 3 {
		t.Errorf("after resume: state %s bins %d", got.State, got.BinsCompleted)
	}
}

func TestController_StopWhilePaused(t *testing.T) {
	stab := &fakeStab{}
	stab.hold.Store(true)
	c := New(stab, Options{})
	c.Configure(testConfig(StopEvents, 10))
	c.Start(context.Background())

	waitFor(t, "target set", func() bool { return len(stab.targets()) > 0 })
	c.Pause()

	start := time.Now()
	c.Stop(true)
	if d := time.Since(start); d > time.Second {
		t.Errorf("Stop(true) took %v", d)
	}
	st := c.Status()
	if st.State != StateStopped || st.Running {
		t.Errorf("state = %s running = %v, want stopped/false", st.State, st.Running)
	}
	if stab.stops.Load() == 0 {
		t.Error("Stop must stop the stabilizer")
	}
	if st.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// a stopped controller can be reset and restarted
	if err := c.Reset(); err != nil {
		t.Fatal(err)
	}
	stab.hold.Store(false)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	stopFeed := feed(t, c)
	defer stopFeed()
	waitDone(t, c)
	if c.Status().State != StateComplete {
		t.Errorf("restart ended in %s", c.Status().State)
	}
}

func TestController_DriftRetryDiscardsCounts(t *testing.T) {
	stab := &fakeStab{}
	c := New(stab, Options{})
	cfg := testConfig(StopEvents, 100)
	cfg.EndWN = cfg.StartWN
	c.Configure(cfg)
	c.Start(context.Background())
	defer c.Stop(true)

	waitFor(t, "accumulating", func() bool { return c.Status().Accumulating })
	for range 50 {
		if _, ok := c.ReportEvent(false); !ok {
			t.Fatal("ReportEvent rejected inside open window")
		}
	}
	stab.drift.Store(true)
	waitFor(t, "retry", func() bool {
		st := c.Status()
		return st.Retries == 1 && st.Accumulating
	})
	if got := c.Status().Events; got != 0 {
		t.Errorf("Events = %d after retry, want 0", got)
	}
	for range 100 {
		c.ReportEvent(false)
	}
	waitDone(t, c)

	entries := c.Histogram()
	if len(entries) != 1 || entries[0].Events != 100 {
		t.Errorf("histogram = %+v, want one bin with 100 events", entries)
	}
	if got := len(stab.targets()); got != 2 {
		t.Errorf("SetWavenumber called %d times, want 2", got)
	}
}

func TestController_NoRetryWhenDisabled(t *testing.T) {
	stab := &fakeStab{}
	c := New(stab, Options{})
	cfg := testConfig(StopEvents, 10)
	cfg.EndWN = cfg.StartWN
	cfg.RetryOnDrift = false
	c.Configure(cfg)
	c.Start(context.Background())
	defer c.Stop(true)

	waitFor(t, "accumulating", func() bool { return c.Status().Accumulating })
	stab.drift.Store(true)
	time.Sleep(10 * time.Millisecond)
	for range 10 {
		c.ReportEvent(false)
	}
	waitDone(t, c)
	if got := c.Status().Retries; got != 0 {
		t.Errorf("Retries = %d, want 0", got)
	}
}

func TestController_StartGuards(t *testing.T) {
	stab := &fakeStab{}
	stab.hold.Store(true)
	c := New(stab, Options{})
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Start() before Configure = %v, want ErrNotConfigured", err)
	}
	c.Configure(testConfig(StopEvents, 10))
	c.Start(context.Background())
	defer c.Stop(true)

	if err := c.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start() = %v, want ErrRunning", err)
	}
	if err := c.Reset(); !errors.Is(err, ErrRunning) {
		t.Errorf("Reset() while running = %v, want ErrRunning", err)
	}
	if err := c.Configure(testConfig(StopEvents, 5)); !errors.Is(err, ErrRunning) {
		t.Errorf("Configure() while running = %v, want ErrRunning", err)
	}
}

type panicStab struct{ fakeStab }

func (*panicStab) SetWavenumber(float64) { panic("stage driver exploded") }

func TestController_CrashIsContained(t *testing.T) {
	c := New(&panicStab{}, Options{})
	c.Configure(testConfig(StopEvents, 10))
	c.Start(context.Background())
	waitDone(t, c)

	st := c.Status()
	if st.State != StateError || st.Running {
		t.Errorf("state = %s running = %v, want error/false", st.State, st.Running)
	}
	if st.Error == "" {
		t.Error("Error text missing")
	}
	found := false
	for _, a := range monitoring.Alerts.Recent(0) {
		if a.Source == "sweep" {
			found = true
		}
	}
	if !found {
		t.Error("crash was not raised as an alert")
	}
}

func TestController_ContextCancelStops(t *testing.T) {
	stab := &fakeStab{}
	stab.hold.Store(true)
	c := New(stab, Options{})
	c.Configure(testConfig(StopEvents, 10))
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	waitFor(t, "target set", func() bool { return len(stab.targets()) > 0 })
	cancel()
	waitDone(t, c)
	if c.Status().State != StateStopped {
		t.Errorf("state = %s, want stopped", c.Status().State)
	}
	if stab.stops.Load() == 0 {
		t.Error("stabilizer not stopped on cancellation")
	}
}

func TestController_EndToEndWithStabilizer(t *testing.T) {
	clock := timeutil.RealClock{}
	stage := sim.NewStage(clock, 0, sim.WithInitialPosition(0.66), sim.WithJitter(0))
	meter := sim.NewWavemeter(stage, 16600, 100, 0)
	stab, err := stabilizer.New(stage, meter, config.LaserParams{
		Tolerance:             0.006,
		StepFine:              0.0001,
		StepCoarse:            0.05,
		PollInterval:          time.Millisecond,
		StableDwell:           time.Millisecond,
		RequiredStableSamples: 3,
		Axis:                  1,
		WavemeterChannel:      1,
	}, clock)
	if err != nil {
		t.Fatal(err)
	}

	c := New(stab, Options{Clock: clock})
	if err := c.Configure(testConfig(StopBunches, 10)); err != nil {
		t.Fatal(err)
	}
	stop := feed(t, c)
	defer stop()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, c)

	progress := c.Progress()
	if len(progress) != 3 {
		t.Fatalf("progress has %d points, want 3", len(progress))
	}
	for i, want := range []float64{16666, 16666.5, 16667} {
		p := progress[i]
		if p.Wavenumber != want {
			t.Errorf("point %d at %f, want %f", i, p.Wavenumber, want)
		}
		if p.Bunches < 10 {
			t.Errorf("point %d has %d bunches, want >= 10", i, p.Bunches)
		}
		if math.Abs(p.MeasuredWN-want) >= 0.006 {
			t.Errorf("point %d measured %f, want within 0.006 of %f", i, p.MeasuredWN, want)
		}
	}
}
