package process

import (
	"math"
	"slices"
	"time"
)

const (
	// DefaultStatsWindow is how far back frame statistics look.
	DefaultStatsWindow = 5 * time.Second
	// DefaultJankThreshold is a frame that took more than two 60 Hz vsync
	// periods.
	DefaultJankThreshold = 34 * time.Millisecond
	// StallThreshold marks frames long enough to be visible freezes.
	StallThreshold = 250 * time.Millisecond
)

// Frame classes
const (
	ClassSmooth = "smooth"
	ClassJank   = "jank"
	ClassStall  = "stall"
)

// Classify buckets a frametime against the jank threshold.
func Classify(frametime, jankThreshold time.Duration) string {
	switch {
	case frametime > StallThreshold && frametime > jankThreshold:
		return ClassStall
	case frametime > jankThreshold:
		return ClassJank
	default:
		return ClassSmooth
	}
}

type sample struct {
	at        time.Time
	frametime time.Duration
}

// Window keeps the frametimes observed within a sliding time window. It is
// not safe for concurrent use; AppInfo guards it with its mutex.
type Window struct {
	span          time.Duration
	jankThreshold time.Duration
	samples       []sample
	total         uint64
}

// NewWindow returns an empty window. Non-positive arguments select the
// defaults.
func NewWindow(span, jankThreshold time.Duration) *Window {
	if span <= 0 {
		span = DefaultStatsWindow
	}
	if jankThreshold <= 0 {
		jankThreshold = DefaultJankThreshold
	}
	return &Window{span: span, jankThreshold: jankThreshold}
}

// Add records a frame. Zero frametimes carry no interval and are ignored.
func (w *Window) Add(at time.Time, frametime time.Duration) {
	if frametime <= 0 {
		return
	}
	w.samples = append(w.samples, sample{at: at, frametime: frametime})
	w.total++
}

func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = slices.Delete(w.samples, 0, i)
	}
}

// Summarize drops samples older than the window and computes statistics over
// the rest.
func (w *Window) Summarize(now time.Time) *FrameStats {
	w.evict(now)

	stats := &FrameStats{
		Timestamp:   now,
		Window:      w.span,
		Frames:      len(w.samples),
		TotalFrames: w.total,
	}
	if len(w.samples) == 0 {
		return stats
	}

	sorted := make([]time.Duration, len(w.samples))
	var sum time.Duration
	for i, s := range w.samples {
		sorted[i] = s.frametime
		sum += s.frametime
		if s.frametime > w.jankThreshold {
			stats.JankCount++
		}
	}
	slices.Sort(sorted)

	avg := sum / time.Duration(len(sorted))
	stats.AvgMs = ms(avg)
	stats.FPS = float64(time.Second) / float64(avg)
	stats.P95Ms = ms(percentile(sorted, 0.95))
	stats.P99Ms = ms(percentile(sorted, 0.99))
	stats.MaxMs = ms(sorted[len(sorted)-1])
	return stats
}

// percentile uses the nearest-rank method on sorted data.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
