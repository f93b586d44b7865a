package sweep

import (
	"math"
	"sort"
	"sync"
	"time"
)

// HistogramEntry aggregates every bin result whose target fell within the
// merge tolerance of Wavenumber, the key of the first result that created it.
type HistogramEntry struct {
	Wavenumber  float64       `json:"wavenumber"`
	Events      int64         `json:"events"`
	Bunches     int64         `json:"bunches"`
	Duration    time.Duration `json:"duration_ns"`
	Visits      int           `json:"visits"`
	MeasuredSum float64       `json:"-"`
	MeasuredN   int           `json:"-"`

	seq uint64
}

// MeasuredMean is the mean measured wavenumber over visits that had one,
// or the key when none did.
func (e HistogramEntry) MeasuredMean() float64 {
	if e.MeasuredN == 0 {
		return e.Wavenumber
	}
	return e.MeasuredSum / float64(e.MeasuredN)
}

// Rate is events per bunch, zero when no bunches were seen.
func (e HistogramEntry) Rate() float64 {
	if e.Bunches == 0 {
		return 0
	}
	return float64(e.Events) / float64(e.Bunches)
}

// ProgressPoint is one entry of the scan progress curve.
type ProgressPoint struct {
	Wavenumber float64 `json:"wavenumber"`
	Rate       float64 `json:"rate"`
	Events     int64   `json:"events"`
	Bunches    int64   `json:"bunches"`
	MeasuredWN float64 `json:"measured_wn"`
}

// Histogram is safe for concurrent use. Entries are kept sorted by key, so
// merging probes only the neighbours within tolerance; among several keys
// in range the one inserted first wins.
type Histogram struct {
	mu        sync.RWMutex
	tolerance float64
	entries   []HistogramEntry
	seq       uint64
}

// NewHistogram merges keys closer than tolerance.
func NewHistogram(tolerance float64) *Histogram {
	return &Histogram{tolerance: tolerance}
}

// Add merges a bin result and returns the key it was attributed to.
// measured is ignored when NaN.
func (h *Histogram) Add(target float64, events, bunches int64, d time.Duration, measured float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	lo := sort.Search(len(h.entries), func(i int) bool {
		return h.entries[i].Wavenumber > target-h.tolerance
	})
	match := -1
	for i := lo; i < len(h.entries) && h.entries[i].Wavenumber < target+h.tolerance; i++ {
		if math.Abs(target-h.entries[i].Wavenumber) >= h.tolerance {
			continue
		}
		if match < 0 || h.entries[i].seq < h.entries[match].seq {
			match = i
		}
	}

	if match < 0 {
		h.seq++
		e := HistogramEntry{Wavenumber: target, seq: h.seq}
		match = sort.Search(len(h.entries), func(i int) bool {
			return h.entries[i].Wavenumber > target
		})
		h.entries = append(h.entries, HistogramEntry{})
		copy(h.entries[match+1:], h.entries[match:])
		h.entries[match] = e
	}

	e := &h.entries[match]
	e.Events += events
	e.Bunches += bunches
	e.Duration += d
	e.Visits++
	if !math.IsNaN(measured) {
		e.MeasuredSum += measured
		e.MeasuredN++
	}
	return e.Wavenumber
}

// Len returns the number of distinct keys.
func (h *Histogram) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Entries returns a copy of the entries in ascending key order.
func (h *Histogram) Entries() []HistogramEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HistogramEntry(nil), h.entries...)
}

// Progress derives the scan progress curve, ascending by wavenumber.
func (h *Histogram) Progress() []ProgressPoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ProgressPoint, len(h.entries))
	for i, e := range h.entries {
		out[i] = ProgressPoint{
			Wavenumber: e.Wavenumber,
			Rate:       e.Rate(),
			Events:     e.Events,
			Bunches:    e.Bunches,
			MeasuredWN: e.MeasuredMean(),
		}
	}
	return out
}
