package platform

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrProgramLoad means the sensor artifact could not be loaded into the
	// kernel: missing privileges or invalid bytecode.
	ErrProgramLoad = errors.New("sensor program load failed")
	// ErrSymbolNotFound means none of the configured symbols exist in the
	// target library, usually an unsupported library version.
	ErrSymbolNotFound = errors.New("probe symbol not found")
	// ErrAttach means the kernel refused the attachment, for example because
	// the process already exited.
	ErrAttach = errors.New("probe attach failed")
	// ErrUnsupported is returned on platforms without eBPF uprobes.
	ErrUnsupported = errors.New("frame probes are only supported on linux")
)

// Kind classifies an AttachError.
type Kind int

const (
	KindProgramLoad Kind = iota
	KindSymbolNotFound
	KindAttach
)

func (k Kind) String() string {
	switch k {
	case KindProgramLoad:
		return "program load"
	case KindSymbolNotFound:
		return "symbol not found"
	case KindAttach:
		return "attach"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindProgramLoad:
		return ErrProgramLoad
	case KindSymbolNotFound:
		return ErrSymbolNotFound
	default:
		return ErrAttach
	}
}

// AttachError is returned by Loader.Attach.
type AttachError struct {
	Pid    int
	Kind   Kind
	Symbol string
	Err    error
}

func (e *AttachError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("pid %d: %s (%s): %v", e.Pid, e.Kind.sentinel(), e.Symbol, e.Err)
	}
	return fmt.Sprintf("pid %d: %s: %v", e.Pid, e.Kind.sentinel(), e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind, so callers can write
// errors.Is(err, platform.ErrSymbolNotFound).
func (e *AttachError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// IsPermission reports whether err was caused by missing privileges.
func IsPermission(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}
