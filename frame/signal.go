// Package frame defines the record the sensor program pushes into its ring
// buffer and the rules for reading it back out of raw ring buffer samples.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// Signal is one buffer submission observed inside a target process.
//
// The layout matches the C struct written by the sensor program: two native
// endian 64-bit words, no padding.
type Signal struct {
	// KtimeNs is bpf_ktime_get_ns() at probe entry.
	KtimeNs uint64
	// Buffer identifies the surface that submitted the buffer.
	Buffer uint64
}

// Size is the wire size of a Signal.
const Size = int(unsafe.Sizeof(Signal{}))

// ErrTruncatedRecord is returned when a sample is shorter than Size.
var ErrTruncatedRecord = errors.New("truncated frame record")

// Decode reads a Signal from the start of b. Trailing bytes are ignored; the
// kernel pads ring buffer samples to 8 bytes.
func Decode(b []byte) (Signal, error) {
	if len(b) < Size {
		return Signal{}, fmt.Errorf("%w: got %d bytes, want %d", ErrTruncatedRecord, len(b), Size)
	}
	return Signal{
		KtimeNs: binary.NativeEndian.Uint64(b[0:8]),
		Buffer:  binary.NativeEndian.Uint64(b[8:16]),
	}, nil
}

// Encode appends the wire form of s to b. The sensor program writes the same
// layout natively; Encode exists for replaying recordings and for fakes.
func Encode(b []byte, s Signal) []byte {
	b = binary.NativeEndian.AppendUint64(b, s.KtimeNs)
	return binary.NativeEndian.AppendUint64(b, s.Buffer)
}
