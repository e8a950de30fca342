package frame

// Ring is the user space end of a sensor ring buffer.
type Ring interface {
	// FD returns the pollable descriptor backing the ring. It becomes
	// readable whenever at least one record is queued.
	FD() int
	// Next returns the next queued raw sample. It never blocks; ok is false
	// once everything enqueued at call time has been consumed.
	Next() (sample []byte, ok bool)
}
