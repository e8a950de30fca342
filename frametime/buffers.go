package frametime

import (
	"time"

	"github.com/jnesss/frame-analyzer/frame"
)

const (
	// DefaultWindow is the number of frametimes kept per buffer.
	DefaultWindow = 144
	// DefaultStaleAfter drops a buffer that has not submitted for this long
	// relative to the newest timestamp seen.
	DefaultStaleAfter = time.Second
)

// BufferTracker follows every buffer (surface) of one process separately and
// reports the frametime of the one most likely to be the app's main surface:
// the buffer with the longest history, then the lowest window sum, then the
// lowest buffer id.
type BufferTracker struct {
	window     int
	staleAfter uint64
	buffers    map[uint64]*bufferState
	newest     uint64
	truncated  uint64
}

type bufferState struct {
	last      uint64
	durations []time.Duration
	next      int
	sum       time.Duration
	updated   bool
}

func (b *bufferState) push(d time.Duration, window int) {
	if len(b.durations) < window {
		b.durations = append(b.durations, d)
	} else {
		b.sum -= b.durations[b.next]
		b.durations[b.next] = d
	}
	b.next = (b.next + 1) % window
	b.sum += d
}

func (b *bufferState) latest() time.Duration {
	i := b.next - 1
	if i < 0 {
		i = len(b.durations) - 1
	}
	return b.durations[i]
}

// NewBufferTracker returns a tracker keeping window frametimes per buffer.
// Non-positive values select the defaults.
func NewBufferTracker(window int, staleAfter time.Duration) *BufferTracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &BufferTracker{
		window:     window,
		staleAfter: uint64(staleAfter),
		buffers:    make(map[uint64]*bufferState),
	}
}

// Drain pops every queued record and returns the latest frametime of the
// selected buffer, or zero if that buffer did not submit during this drain.
func (t *BufferTracker) Drain(r frame.Ring) time.Duration {
	for _, b := range t.buffers {
		b.updated = false
	}

	for {
		sample, ok := r.Next()
		if !ok {
			break
		}
		sig, err := frame.Decode(sample)
		if err != nil {
			t.truncated++
			continue
		}
		t.observe(sig)
	}

	t.evictStale()

	active := t.active()
	if active == nil || !active.updated || len(active.durations) == 0 {
		return 0
	}
	return active.latest()
}

func (t *BufferTracker) observe(sig frame.Signal) {
	if sig.KtimeNs > t.newest {
		t.newest = sig.KtimeNs
	}

	b, ok := t.buffers[sig.Buffer]
	if !ok {
		t.buffers[sig.Buffer] = &bufferState{
			last:      sig.KtimeNs,
			durations: make([]time.Duration, 0, t.window),
		}
		return
	}

	b.push(time.Duration(SaturatingSub(sig.KtimeNs, b.last)), t.window)
	b.last = sig.KtimeNs
	b.updated = true
}

func (t *BufferTracker) evictStale() {
	for id, b := range t.buffers {
		if SaturatingSub(t.newest, b.last) > t.staleAfter {
			delete(t.buffers, id)
		}
	}
}

func (t *BufferTracker) active() *bufferState {
	var (
		best   *bufferState
		bestID uint64
	)
	for id, b := range t.buffers {
		switch {
		case best == nil:
		case len(b.durations) > len(best.durations):
		case len(b.durations) < len(best.durations):
			continue
		case b.sum < best.sum:
		case b.sum > best.sum:
			continue
		case id < bestID:
		default:
			continue
		}
		best, bestID = b, id
	}
	return best
}

// Buffers returns how many buffers are being followed.
func (t *BufferTracker) Buffers() int { return len(t.buffers) }

// Truncated returns how many undecodable records were skipped.
func (t *BufferTracker) Truncated() uint64 { return t.truncated }
