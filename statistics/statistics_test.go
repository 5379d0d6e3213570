package statistics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverage(t *testing.T) {
	w := NewWindow(DefaultCapacity)
	assert.Equal(t, 0.0, w.Average())

	for _, s := range []float64{10, 20, 30} {
		w.Push(s)
	}
	assert.Equal(t, 20.0, w.Average())
}

func TestJitter(t *testing.T) {
	w := NewWindow(DefaultCapacity)
	assert.Equal(t, 0.0, w.Jitter())

	w.Push(42)
	assert.Equal(t, 0.0, w.Jitter())

	w.Push(52)
	assert.Equal(t, 10.0, w.Jitter())

	w.Push(47)
	assert.Equal(t, 7.5, w.Jitter())
}

func TestEviction(t *testing.T) {
	w := NewWindow(DefaultCapacity)
	for i := 0; i <= 10; i++ {
		w.Push(float64(i))
	}

	require.Equal(t, 10, w.Len())
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, w.Samples())
	assert.Equal(t, 5.5, w.Average())
	assert.Equal(t, 1.0, w.Jitter())
}

func TestNewWindowDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewWindow(0).Cap())
	assert.Equal(t, 3, NewWindow(3).Cap())
}

func TestPushSnapshots(t *testing.T) {
	w := NewWindow(DefaultCapacity)

	tests := []struct {
		sample float64
		want   Snapshot
		line   string
	}{
		{10, Snapshot{RTT: 10, Count: 1, Capacity: 10, Average: 10, Jitter: 0},
			"New RTT=10 ms, Window(1/10) Avg RTT=10 ms, Jitter=0 ms"},
		{20, Snapshot{RTT: 20, Count: 2, Capacity: 10, Average: 15, Jitter: 10},
			"New RTT=20 ms, Window(2/10) Avg RTT=15 ms, Jitter=10 ms"},
		{15, Snapshot{RTT: 15, Count: 3, Capacity: 10, Average: 15, Jitter: 7.5},
			"New RTT=15 ms, Window(3/10) Avg RTT=15 ms, Jitter=7.5 ms"},
		{12.3, Snapshot{RTT: 12.3, Count: 4, Capacity: 10, Average: 14.325, Jitter: 5.9},
			"New RTT=12.3 ms, Window(4/10) Avg RTT=14.325 ms, Jitter=5.9 ms"},
	}

	for _, tt := range tests {
		got := w.Push(tt.sample)
		assert.InDelta(t, tt.want.Average, got.Average, 1e-9)
		assert.InDelta(t, tt.want.Jitter, got.Jitter, 1e-9)
		assert.Equal(t, tt.want.Count, got.Count)
		assert.Equal(t, tt.want.Capacity, got.Capacity)
		assert.Equal(t, tt.line, got.String())
	}
}

func TestObserve(t *testing.T) {
	const fifo = "/tmp/test_observe_fifo"

	Observe(fifo, Snapshot{RTT: 12.5, Count: 2, Capacity: 10, Average: 11, Jitter: 3})
	Observe(fifo, Snapshot{RTT: 9, Count: 3, Capacity: 10, Average: 10.5, Jitter: 3.25})

	assert.Equal(t, 9.0, testutil.ToFloat64(rttLast.WithLabelValues(fifo)))
	assert.Equal(t, 10.5, testutil.ToFloat64(rttAverage.WithLabelValues(fifo)))
	assert.Equal(t, 3.25, testutil.ToFloat64(rttJitter.WithLabelValues(fifo)))
	assert.Equal(t, 3.0, testutil.ToFloat64(windowSize.WithLabelValues(fifo)))
	assert.Equal(t, 2.0, testutil.ToFloat64(samplesTotal.WithLabelValues(fifo)))
}
