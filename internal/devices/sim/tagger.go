package sim

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/laserscan/internal/devices"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

// tofPeak is one Gaussian time-of-flight component.
type tofPeak struct {
	mean, std, weight float64
}

var defaultPeaks = []tofPeak{
	{mean: 0.003, std: 0.0002, weight: 0.3},
	{mean: 0.008, std: 0.0005, weight: 0.5},
	{mean: 0.015, std: 0.0010, weight: 0.2},
}

// Tagger emits a trigger every 1/rate seconds followed by a Poisson number of
// events spread over three TOF peaks. Bunches are generated on read for every
// whole period elapsed since the previous trigger, so slow readers never lose
// bunches.
type Tagger struct {
	mu          sync.Mutex
	clock       timeutil.Clock
	period      time.Duration
	channel     int
	started     bool
	lastTrigger time.Time
	bunchID     int64

	count distuv.Poisson
	peak  distuv.Categorical
	tofs  []distuv.Normal
}

// NewTagger builds a tagger at rate Hz with mean events per bunch emitted on
// channel. seed 0 seeds from the clock.
func NewTagger(clock timeutil.Clock, rate, meanEvents float64, channel int, seed int64) *Tagger {
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}
	src := &lockedSource{src: rand.NewPCG(uint64(seed), 3)}
	weights := make([]float64, len(defaultPeaks))
	tofs := make([]distuv.Normal, len(defaultPeaks))
	for i, p := range defaultPeaks {
		weights[i] = p.weight
		tofs[i] = distuv.Normal{Mu: p.mean, Sigma: p.std, Src: src}
	}
	return &Tagger{
		clock:   clock,
		period:  time.Duration(float64(time.Second) / rate),
		channel: channel,
		count:   distuv.Poisson{Lambda: meanEvents, Src: src},
		peak:    distuv.NewCategorical(weights, src),
		tofs:    tofs,
	}
}

// Start arms the tagger; the first trigger fires one period later.
func (t *Tagger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	t.lastTrigger = t.clock.Now()
}

// Stop disarms the tagger.
func (t *Tagger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
}

// Data implements devices.Detector.
func (t *Tagger) Data(ctx context.Context) ([]devices.TagRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil, nil
	}

	n := int(t.clock.Since(t.lastTrigger) / t.period)
	if n <= 0 {
		return nil, nil
	}

	window := t.period.Seconds()
	var out []devices.TagRecord
	for i := 0; i < n; i++ {
		t.lastTrigger = t.lastTrigger.Add(t.period)
		t.bunchID++
		ts := float64(t.lastTrigger.UnixNano()) / 1e9
		out = append(out, devices.TagRecord{
			BunchID:      t.bunchID,
			Channel:      devices.TriggerChannel,
			AbsoluteTime: ts,
		})

		events := int(t.count.Rand())
		delays := make([]float64, 0, events)
		for j := 0; j < events; j++ {
			d := t.tofs[int(t.peak.Rand())].Rand()
			if d > 0 && d < window {
				delays = append(delays, d)
			}
		}
		sort.Float64s(delays)
		for _, d := range delays {
			out = append(out, devices.TagRecord{
				BunchID:      t.bunchID,
				EventCount:   1,
				Channel:      t.channel,
				TimeOffset:   d,
				AbsoluteTime: ts + d,
			})
		}
	}
	return out, nil
}

// lockedSource serialises a rand.Source shared by several distributions.
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}
