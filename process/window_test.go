package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		frametime time.Duration
		want      string
	}{
		{16 * time.Millisecond, ClassSmooth},
		{DefaultJankThreshold, ClassSmooth},
		{DefaultJankThreshold + 1, ClassJank},
		{StallThreshold, ClassJank},
		{StallThreshold + 1, ClassStall},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.frametime, DefaultJankThreshold), tt.frametime.String())
	}

	assert.Equal(t, ClassJank, Classify(300*time.Millisecond, time.Second), "stall needs to be jank first")
}

func TestWindowSummarize(t *testing.T) {
	start := time.Unix(1000, 0)
	w := NewWindow(time.Second, 20*time.Millisecond)

	// 98 smooth frames and two janky ones.
	at := start
	for i := 0; i < 98; i++ {
		w.Add(at, 10*time.Millisecond)
		at = at.Add(5 * time.Millisecond)
	}
	w.Add(at, 50*time.Millisecond)
	w.Add(at, 110*time.Millisecond)

	s := w.Summarize(at)
	assert.Equal(t, 100, s.Frames)
	assert.Equal(t, uint64(100), s.TotalFrames)
	assert.Equal(t, 2, s.JankCount)
	assert.InDelta(t, 11.4, s.AvgMs, 1e-9)
	assert.InDelta(t, 1000/11.4, s.FPS, 1e-6)
	assert.InDelta(t, 10, s.P95Ms, 1e-9)
	assert.InDelta(t, 50, s.P99Ms, 1e-9)
	assert.InDelta(t, 110, s.MaxMs, 1e-9)
}

func TestWindowIgnoresZeroFrametimes(t *testing.T) {
	w := NewWindow(0, 0)
	now := time.Now()
	w.Add(now, 0)

	s := w.Summarize(now)
	assert.Zero(t, s.Frames)
	assert.Zero(t, s.FPS)
	assert.Equal(t, DefaultStatsWindow, s.Window)
}

func TestWindowEvictsOldSamples(t *testing.T) {
	start := time.Unix(1000, 0)
	w := NewWindow(time.Second, 0)

	w.Add(start, 100*time.Millisecond)
	w.Add(start.Add(1500*time.Millisecond), 20*time.Millisecond)

	s := w.Summarize(start.Add(2 * time.Second))
	require.Equal(t, 1, s.Frames)
	assert.InDelta(t, 20, s.AvgMs, 1e-9)
	assert.InDelta(t, 50, s.FPS, 1e-9)
	assert.Equal(t, uint64(2), s.TotalFrames)
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4}
	assert.Equal(t, time.Duration(1), percentile(sorted, 0))
	assert.Equal(t, time.Duration(2), percentile(sorted, 0.5))
	assert.Equal(t, time.Duration(4), percentile(sorted, 0.99))
}
