// Package frametest provides an in-memory frame.Ring for tests.
package frametest

import (
	"sync"

	"github.com/jnesss/frame-analyzer/frame"
)

// Ring is a frame.Ring backed by a slice of queued samples.
type Ring struct {
	mu     sync.Mutex
	fd     int
	queue  [][]byte
	popped int
}

// NewRing returns an empty ring that reports fd as its descriptor.
func NewRing(fd int) *Ring {
	return &Ring{fd: fd}
}

// Push queues one encoded record per timestamp, all for buffer 0.
func (r *Ring) Push(timestamps ...uint64) {
	for _, ts := range timestamps {
		r.PushSignal(frame.Signal{KtimeNs: ts})
	}
}

// PushSignal queues the encoding of s.
func (r *Ring) PushSignal(s frame.Signal) {
	r.PushRaw(frame.Encode(nil, s))
}

// PushRaw queues b as is.
func (r *Ring) PushRaw(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, b)
}

// Len returns how many samples are still queued.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Popped returns how many samples have been consumed.
func (r *Ring) Popped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popped
}

func (r *Ring) FD() int { return r.fd }

func (r *Ring) Next() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, false
	}
	b := r.queue[0]
	r.queue = r.queue[1:]
	r.popped++
	return b, true
}
