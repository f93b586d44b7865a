package stabilizer

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/banshee-data/laserscan/internal/config"
	"github.com/banshee-data/laserscan/internal/devices"
	"github.com/banshee-data/laserscan/internal/devices/sim"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

func fastParams() config.LaserParams {
	return config.LaserParams{
		Tolerance:             0.006,
		StepFine:              0.0001,
		StepCoarse:            0.05,
		PollInterval:          time.Millisecond,
		StableDwell:           time.Millisecond,
		RequiredStableSamples: 3,
		Axis:                  1,
		WavemeterChannel:      1,
	}
}

func bench(t *testing.T) (*sim.Stage, *sim.Wavemeter) {
	t.Helper()
	clock := timeutil.RealClock{}
	stage := sim.NewStage(clock, 0, sim.WithInitialPosition(0), sim.WithJitter(0))
	return stage, sim.NewWavemeter(stage, 16600, 100, 0)
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

func TestNextMove(t *testing.T) {
	tests := []struct {
		name             string
		measured, target float64
		position, prev   float64
		want             float64
	}{
		{"increase fine", 16599.0, 16600.0, 1.0, 0.9999, 1.0001},
		{"decrease fine", 16601.0, 16600.0, 1.0, 1.0001, 0.9999},
		{"increase stalled", 16599.0, 16600.0, 1.0, 1.0001, 0.95},
		{"decrease stalled", 16601.0, 16600.0, 1.0, 0.9999, 1.05},
		{"first iteration", 16599.0, 16600.0, 1.0, 1.0, 1.0001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextMove(tt.measured, tt.target, tt.position, tt.prev, 0.0001, 0.05)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("NextMove() = %.6f, want %.6f", got, tt.want)
			}
		})
	}
}

func TestStabilizer_ConvergesAndExits(t *testing.T) {
	stage, wm := bench(t)
	s, err := New(stage, wm, fastParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if s.IsStable() {
		t.Fatal("idle stabilizer must not report stable")
	}
	s.SetWavenumber(16600.05)
	waitFor(t, "stable", func() bool { return s.State() == StateStable })

	if !s.IsStable() {
		t.Error("IsStable() = false after reaching target")
	}
	snap := s.Snapshot()
	if snap.IsMoving {
		t.Error("IsMoving should be false once stable")
	}
	if snap.StableCount < 3 {
		t.Errorf("StableCount = %d, want >= 3", snap.StableCount)
	}
	if got := stage.TruePosition(1); math.Abs(got-0.0005) > 1e-9 {
		t.Errorf("stage at %f, want 0.0005", got)
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		t.Error("control loop should exit after Stable")
	}
}

func TestStabilizer_DriftAfterStable(t *testing.T) {
	stage, wm := bench(t)
	s, _ := New(stage, wm, fastParams(), nil)
	defer s.Stop()

	s.SetWavenumber(16600.02)
	waitFor(t, "stable", func() bool { return s.State() == StateStable })

	// knock the stage 1 cm^-1 off target
	if err := stage.SetPosition(context.Background(), 1, 0.0102); err != nil {
		t.Fatal(err)
	}
	if s.IsStable() {
		t.Error("IsStable() should be false after drift")
	}

	s.SetWavenumber(16600.02)
	if s.State() != StateSeeking {
		t.Errorf("State() = %s after retarget, want seeking", s.State())
	}
}

func TestStabilizer_RetargetWhileSeeking(t *testing.T) {
	stage, wm := bench(t)
	p := fastParams()
	s, _ := New(stage, wm, p, nil)
	defer s.Stop()

	s.SetWavenumber(16610)
	waitFor(t, "progress", func() bool { return s.Snapshot().Iterations > 2 })
	s.SetWavenumber(16600.03)
	waitFor(t, "stable at new target", func() bool { return s.State() == StateStable })

	wn, err := s.GetWavenumber()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(wn-16600.03) >= p.Tolerance {
		t.Errorf("settled at %.4f, want within %g of 16600.03", wn, p.Tolerance)
	}
}

func TestStabilizer_StopInterruptsWait(t *testing.T) {
	stage, wm := bench(t)
	p := fastParams()
	p.PollInterval = time.Hour
	s, _ := New(stage, wm, p, nil)

	s.SetWavenumber(16650)
	waitFor(t, "first iteration", func() bool { return s.Snapshot().Iterations >= 1 })

	start := time.Now()
	s.Stop()
	if d := time.Since(start); d > time.Second {
		t.Errorf("Stop took %v", d)
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %s after Stop, want idle", s.State())
	}
	s.Stop()
}

type flakyMeter struct {
	devices.Wavemeter
	failures atomic.Int64
}

func (f *flakyMeter) Wavenumber(ctx context.Context, ch int) (float64, error) {
	if f.failures.Add(-1) >= 0 {
		return 0, errors.New("epics timeout")
	}
	return f.Wavemeter.Wavenumber(ctx, ch)
}

func TestStabilizer_HardwareErrorsAreSkipped(t *testing.T) {
	stage, wm := bench(t)
	meter := &flakyMeter{Wavemeter: wm}
	meter.failures.Store(3)
	s, _ := New(stage, meter, fastParams(), nil)
	defer s.Stop()

	s.SetWavenumber(16600.01)
	waitFor(t, "stable despite read errors", func() bool { return s.State() == StateStable })
	if s.Snapshot().LastError == "" {
		t.Error("LastError should record the failed reads")
	}
}

type panickyStage struct{ devices.Actuator }

func (panickyStage) SetPosition(context.Context, int, float64) error { panic("driver bug") }

func TestStabilizer_PanicIsContained(t *testing.T) {
	stage, wm := bench(t)
	s, _ := New(panickyStage{stage}, wm, fastParams(), nil)

	s.SetWavenumber(16601)
	waitFor(t, "loop exit", func() bool {
		snap := s.Snapshot()
		return snap.State == StateIdle && snap.LastError != ""
	})
	s.Stop()
}

func TestStabilizer_UpdateConfig(t *testing.T) {
	stage, wm := bench(t)
	s, _ := New(stage, wm, fastParams(), nil)

	bad := fastParams()
	bad.Tolerance = 0
	if err := s.UpdateConfig(bad); err == nil {
		t.Error("UpdateConfig accepted zero tolerance")
	}

	good := fastParams()
	good.StepCoarse = 0.1
	if err := s.UpdateConfig(good); err != nil {
		t.Fatalf("UpdateConfig() error: %v", err)
	}
	if got := s.Config().StepCoarse; got != 0.1 {
		t.Errorf("StepCoarse = %f, want 0.1", got)
	}

	if _, err := New(stage, wm, bad, nil); err == nil {
		t.Error("New accepted invalid params")
	}
}
