package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Wavemeter reads channel 1 from the stage: wn = offset + slope*pos, plus
// uniform noise. Channels 2-4 report fixed reference lines.
type Wavemeter struct {
	stage  *Stage
	axis   int
	offset float64
	slope  float64
	noise  float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewWavemeter couples a wavemeter to axis 1 of stage.
func NewWavemeter(stage *Stage, offset, slope, noise float64) *Wavemeter {
	return &Wavemeter{
		stage:  stage,
		axis:   1,
		offset: offset,
		slope:  slope,
		noise:  noise,
		rng:    rand.New(rand.NewPCG(uint64(stage.clock.Now().UnixNano()), 2)),
	}
}

// PositionFor returns the stage position that reads wn with zero noise.
func (w *Wavemeter) PositionFor(wn float64) float64 {
	return (wn - w.offset) / w.slope
}

func (w *Wavemeter) uniform(amp float64) float64 {
	if amp <= 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return (w.rng.Float64()*2 - 1) * amp
}

// Wavenumber implements devices.Wavemeter.
func (w *Wavemeter) Wavenumber(ctx context.Context, channel int) (float64, error) {
	switch {
	case channel == 1:
		pos := w.stage.TruePosition(w.axis)
		return w.offset + pos*w.slope + w.uniform(w.noise), nil
	case channel >= 2 && channel <= 4:
		return 16666.6 + float64(channel-1)*1000.0 + w.uniform(0.05), nil
	default:
		return 0, fmt.Errorf("wavemeter: no channel %d", channel)
	}
}
