package sweep

import (
	"fmt"
	"time"
)

// State is the lifecycle of a scan.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Status is a point-in-time copy of the controller for displays.
type Status struct {
	State         State      `json:"state"`
	TargetWN      float64    `json:"target_wn"`
	MeasuredWN    float64    `json:"measured_wn"`
	StopMode      StopMode   `json:"stop_mode"`
	StopValue     float64    `json:"stop_value"`
	Events        int64      `json:"events"`
	Bunches       int64      `json:"bunches"`
	BinIndex      int        `json:"bin_index"`
	LoopIndex     int        `json:"loop_index"`
	TotalBins     int        `json:"total_bins"`
	BinsCompleted int        `json:"bins_completed"`
	ETASeconds    float64    `json:"eta_seconds"`
	PausedSeconds float64    `json:"paused_seconds"`
	Retries       int        `json:"retries"`
	Running       bool       `json:"running"`
	Paused        bool       `json:"paused"`
	Stopping      bool       `json:"stopping"`
	Accumulating  bool       `json:"accumulating"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// BinContext identifies the window an event was attributed to.
type BinContext struct {
	TargetWN     float64 `json:"target_wn"`
	BinIndex     int     `json:"bin_index"`
	LoopIndex    int     `json:"loop_index"`
	Accumulating bool    `json:"accumulating"`
}

// BinResult is one completed bin.
type BinResult struct {
	LoopIndex    int           `json:"loop_index"`
	BinIndex     int           `json:"bin_index"`
	TargetWN     float64       `json:"target_wn"`
	MergedWN     float64       `json:"merged_wn"`
	MeasuredMean float64       `json:"measured_mean"`
	MeasuredStd  float64       `json:"measured_std"`
	Events       int64         `json:"events"`
	Bunches      int64         `json:"bunches"`
	Duration     time.Duration `json:"duration_ns"`
	Retries      int           `json:"retries"`
	CompletedAt  time.Time     `json:"completed_at"`

	settle time.Duration // moving and locking time, for the ETA
}

// CrashError wraps a panic recovered from the sweep goroutine.
type CrashError struct {
	Value any
	Stack []byte
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("sweep crashed: %v", e.Value)
}

// eta extrapolates the average effective time of completed bins over the
// bins still to run.
func eta(effective time.Duration, completed, total int) float64 {
	if completed <= 0 || total <= completed {
		return 0
	}
	per := effective.Seconds() / float64(completed)
	return per * float64(total-completed)
}
