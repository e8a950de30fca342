// Package frametime turns the timestamps read from a frame ring into
// frametimes.
package frametime

import (
	"time"

	"github.com/jnesss/frame-analyzer/frame"
)

// Drainer consumes everything currently queued in a ring and reports the
// latest frametime.
type Drainer interface {
	Drain(r frame.Ring) time.Duration
}

// SaturatingSub returns a-b, or 0 when b > a.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Tracker keeps the last timestamp seen for one process.
type Tracker struct {
	last      uint64
	truncated uint64
}

// New returns a tracker with no prior sample.
func New() *Tracker {
	return &Tracker{}
}

// Drain pops every record queued in r without waiting for more. Each record
// advances the last timestamp; the frametime of the final one is returned.
// Zero is returned when nothing was queued, or when the only records seen so
// far just established the first timestamp.
func (t *Tracker) Drain(r frame.Ring) time.Duration {
	var frametime uint64
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

		if t.last == 0 {
			frametime = 0
		} else {
			frametime = SaturatingSub(sig.KtimeNs, t.last)
		}
		t.last = sig.KtimeNs
	}
	return time.Duration(frametime)
}

// Last returns the most recent timestamp in nanoseconds, 0 if none.
func (t *Tracker) Last() uint64 { return t.last }

// Truncated returns how many undecodable records were skipped.
func (t *Tracker) Truncated() uint64 { return t.truncated }
