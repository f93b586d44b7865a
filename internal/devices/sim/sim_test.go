package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/banshee-data/laserscan/internal/devices"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

var (
	_ devices.Actuator     = (*Stage)(nil)
	_ devices.Wavemeter    = (*Wavemeter)(nil)
	_ devices.Detector     = (*Tagger)(nil)
	_ devices.SensorReader = (*Spectrometer)(nil)
)

func TestStage_MovesAtSpeed(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	stage := NewStage(clock, 0.5, WithJitter(0))

	// servo off: move ignored
	if err := stage.SetPosition(ctx, 1, 1.0); err != nil {
		t.Fatalf("SetPosition() error: %v", err)
	}
	clock.Advance(time.Second)
	if got := stage.TruePosition(1); got != 0 {
		t.Fatalf("position with servo off = %f, want 0", got)
	}

	if err := stage.SetServo(ctx, 1, true); err != nil {
		t.Fatal(err)
	}
	if err := stage.SetPosition(ctx, 1, 1.0); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	if got, _ := stage.Position(ctx, 1); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("position after 1s = %f, want 0.5", got)
	}
	clock.Advance(5 * time.Second)
	if got, _ := stage.Position(ctx, 1); got != 1.0 {
		t.Errorf("position after arrival = %f, want 1.0", got)
	}

	if _, err := stage.Position(ctx, 2); err == nil {
		t.Error("expected error for unknown axis")
	}
	if err := stage.SetPosition(ctx, 1, math.NaN()); err == nil {
		t.Error("expected error for NaN target")
	}
}

func TestWavemeter_CoupledToStage(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	stage := NewStage(clock, 0, WithInitialPosition(0.66))
	wm := NewWavemeter(stage, 16600, 100, 0)

	wn, err := wm.Wavenumber(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(wn-16666) > 1e-9 {
		t.Errorf("channel 1 = %f, want 16666", wn)
	}
	if got := wm.PositionFor(16667); math.Abs(got-0.67) > 1e-12 {
		t.Errorf("PositionFor(16667) = %f, want 0.67", got)
	}

	ref, _ := wm.Wavenumber(ctx, 3)
	if math.Abs(ref-18666.6) > 0.05 {
		t.Errorf("channel 3 = %f, want ~18666.6", ref)
	}
	if _, err := wm.Wavenumber(ctx, 5); err == nil {
		t.Error("expected error for channel 5")
	}
}

func TestTagger_BunchesPerPeriod(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	tagger := NewTagger(clock, 50, 20, 2, 42)

	if recs, _ := tagger.Data(ctx); len(recs) != 0 {
		t.Fatalf("unstarted tagger returned %d records", len(recs))
	}

	tagger.Start()
	clock.Advance(10 * time.Millisecond)
	if recs, _ := tagger.Data(ctx); len(recs) != 0 {
		t.Fatalf("tagger returned data before one period elapsed")
	}

	clock.Advance(90 * time.Millisecond) // 100ms total -> 5 bunches
	recs, err := tagger.Data(ctx)
	if err != nil {
		t.Fatal(err)
	}
	triggers, events := 0, 0
	var lastBunch int64
	for _, r := range recs {
		if r.IsTrigger() {
			triggers++
			if r.BunchID != lastBunch+1 {
				t.Errorf("bunch IDs not consecutive: %d after %d", r.BunchID, lastBunch)
			}
			lastBunch = r.BunchID
			continue
		}
		events++
		if r.Channel != 2 {
			t.Errorf("event on channel %d, want 2", r.Channel)
		}
		if r.TimeOffset <= 0 || r.TimeOffset >= 0.02 {
			t.Errorf("time offset %f outside the bunch window", r.TimeOffset)
		}
		if r.BunchID != lastBunch {
			t.Errorf("event for bunch %d follows trigger %d", r.BunchID, lastBunch)
		}
	}
	if triggers != 5 {
		t.Errorf("triggers = %d, want 5", triggers)
	}
	if events == 0 {
		t.Error("expected some events with mean 20 per bunch")
	}

	if recs, _ := tagger.Data(ctx); len(recs) != 0 {
		t.Errorf("second read returned %d records without time passing", len(recs))
	}
}

func TestSpectrometer(t *testing.T) {
	s := NewSpectrometer(timeutil.RealClock{})
	v, err := s.Reading(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v < 597.8 || v > 602.2 {
		t.Errorf("spectrum peak %f outside 600 +- 2.2", v)
	}
}
