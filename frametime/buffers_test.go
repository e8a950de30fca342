package frametime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jnesss/frame-analyzer/frame"
	"github.com/jnesss/frame-analyzer/frame/frametest"
)

func push(r *frametest.Ring, buffer uint64, timestamps ...uint64) {
	for _, ts := range timestamps {
		r.PushSignal(frame.Signal{KtimeNs: ts, Buffer: buffer})
	}
}

func TestBufferTrackerSingleBuffer(t *testing.T) {
	ring := frametest.NewRing(1)
	tr := NewBufferTracker(0, 0)

	push(ring, 0xA, 1000, 1016, 1033)
	assert.Equal(t, 17*time.Nanosecond, tr.Drain(ring))
	assert.Equal(t, 1, tr.Buffers())

	assert.Zero(t, tr.Drain(ring))
}

func TestBufferTrackerPrefersLongestHistory(t *testing.T) {
	ring := frametest.NewRing(1)
	tr := NewBufferTracker(8, time.Hour)

	// Buffer A submits every 16ns, buffer B (an overlay) only twice.
	push(ring, 0xA, 0+1, 16+1, 32+1, 48+1)
	push(ring, 0xB, 10, 15)
	tr.Drain(ring)

	push(ring, 0xB, 20)
	assert.Zero(t, tr.Drain(ring), "B is not the active buffer")

	push(ring, 0xA, 64+1)
	assert.Equal(t, 16*time.Nanosecond, tr.Drain(ring))
}

func TestBufferTrackerTieBreaksOnSmallestSum(t *testing.T) {
	ring := frametest.NewRing(1)
	tr := NewBufferTracker(4, time.Hour)

	push(ring, 0xA, 100, 150)
	push(ring, 0xB, 100, 110)
	assert.Equal(t, 10*time.Nanosecond, tr.Drain(ring))
}

func TestBufferTrackerTieBreaksOnBufferID(t *testing.T) {
	ring := frametest.NewRing(1)
	tr := NewBufferTracker(4, time.Hour)

	push(ring, 0xB, 100, 120)
	push(ring, 0xA, 200, 220)
	assert.Equal(t, 20*time.Nanosecond, tr.Drain(ring))

	push(ring, 0xB, 140)
	push(ring, 0xA, 250)
	// A has the larger sum now, B wins.
	assert.Equal(t, 20*time.Nanosecond, tr.Drain(ring))
}

func TestBufferTrackerWindowIsBounded(t *testing.T) {
	ring := frametest.NewRing(1)
	tr := NewBufferTracker(3, time.Hour)

	push(ring, 1, 0+1, 10+1, 30+1, 60+1, 100+1)
	assert.Equal(t, 40*time.Nanosecond, tr.Drain(ring))

	b := tr.buffers[1]
	assert.Len(t, b.durations, 3)
	assert.Equal(t, (20+30+40)*time.Nanosecond, b.sum)
}

func TestBufferTrackerEvictsStaleBuffers(t *testing.T) {
	ring := frametest.NewRing(1)
	tr := NewBufferTracker(8, 100*time.Nanosecond)

	push(ring, 0xA, 1, 2, 3, 4, 5)
	push(ring, 0xB, 10, 20)
	tr.Drain(ring)
	assert.Equal(t, 2, tr.Buffers())

	push(ring, 0xB, 500)
	assert.Equal(t, 480*time.Nanosecond, tr.Drain(ring))
	assert.Equal(t, 1, tr.Buffers(), "A stopped submitting and is dropped")
}

func TestBufferTrackerSkipsTruncatedRecords(t *testing.T) {
	ring := frametest.NewRing(1)
	tr := NewBufferTracker(0, 0)

	ring.PushRaw(make([]byte, frame.Size-1))
	assert.Zero(t, tr.Drain(ring))
	assert.Equal(t, uint64(1), tr.Truncated())
}
