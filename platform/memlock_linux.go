//go:build linux

package platform

import (
	"sync"

	"github.com/cilium/ebpf/rlimit"
)

var (
	memlockOnce sync.Once
	memlockErr  error
)

// EnsureMemlock lifts RLIMIT_MEMLOCK for kernels that still charge BPF maps
// against it. It runs at most once per process.
func EnsureMemlock() error {
	memlockOnce.Do(func() {
		memlockErr = rlimit.RemoveMemlock()
	})
	return memlockErr
}
