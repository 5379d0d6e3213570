package statistics

import (
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// DefaultCapacity is the number of recent samples kept in a Window.
const DefaultCapacity = 10

// Window holds the most recent RTT samples, oldest first. Pushing past
// capacity evicts the oldest sample.
type Window struct {
	capacity int
	samples  []float64
}

// Snapshot is the state of a window right after a sample was pushed.
type Snapshot struct {
	RTT      float64 `json:"rtt"`
	Count    int     `json:"count"`
	Capacity int     `json:"capacity"`
	Average  float64 `json:"avg_rtt"`
	Jitter   float64 `json:"jitter"`
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		capacity: capacity,
		samples:  make([]float64, 0, capacity),
	}
}

// Push appends sample, evicting the oldest one when full, and returns the
// resulting statistics.
func (w *Window) Push(sample float64) Snapshot {
	if len(w.samples) == w.capacity {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:len(w.samples)-1]
	}
	w.samples = append(w.samples, sample)

	return Snapshot{
		RTT:      sample,
		Count:    len(w.samples),
		Capacity: w.capacity,
		Average:  w.Average(),
		Jitter:   w.Jitter(),
	}
}

// Average is the arithmetic mean of the window, 0 when empty.
func (w *Window) Average() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return stat.Mean(w.samples, nil)
}

// Jitter is the mean absolute difference between consecutive samples, 0 with
// fewer than two samples.
func (w *Window) Jitter() float64 {
	if len(w.samples) < 2 {
		return 0
	}
	diffs := make([]float64, len(w.samples)-1)
	for i := 1; i < len(w.samples); i++ {
		diffs[i-1] = math.Abs(w.samples[i] - w.samples[i-1])
	}
	return stat.Mean(diffs, nil)
}

func (w *Window) Len() int { return len(w.samples) }

func (w *Window) Cap() int { return w.capacity }

// Samples returns a copy of the window, oldest first.
func (w *Window) Samples() []float64 {
	return append([]float64(nil), w.samples...)
}

// String renders the report line printed for every new sample.
func (s Snapshot) String() string {
	return fmt.Sprintf("New RTT=%s ms, Window(%d/%d) Avg RTT=%s ms, Jitter=%s ms",
		formatMs(s.RTT), s.Count, s.Capacity, formatMs(s.Average), formatMs(s.Jitter))
}

// formatMs prints six significant digits, trailing zeros trimmed.
func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
