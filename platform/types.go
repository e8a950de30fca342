package platform

import (
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/frame"
)

// Well-known attach target on Android. Surface::queueBuffer is called once per
// frame a window submits to SurfaceFlinger.
const (
	DefaultLibrary        = "/system/lib64/libgui.so"
	DefaultSymbol         = "_ZN7android7Surface11queueBufferEP19ANativeWindowBufferi"
	DefaultFallbackSymbol = "_ZN7android7Surface11queueBufferEP19ANativeWindowBufferiPNS_24SurfaceQueueBufferOutputE"

	DefaultProgram = "frame_analyzer_ebpf"
	DefaultRingMap = "RING_BUF"
)

// Probe is one loaded sensor program attached to one target process.
// Close detaches and unloads it; it is safe to call more than once.
type Probe interface {
	Pid() int
	// Symbol is the symbol the probe ended up attached to.
	Symbol() string
	// Ring returns the ring buffer fed by this probe. Every call returns the
	// same Ring.
	Ring() frame.Ring
	Close() error
}

// Config describes where and how the sensor program is attached.
type Config struct {
	// Library is the shared object holding the instrumented symbol.
	Library string
	// Symbols are tried in order until one attaches.
	Symbols []string
	// Program and RingMap name the objects inside the sensor artifact.
	Program string
	RingMap string
	// RingSize overrides the ring buffer size in bytes. Zero keeps the size
	// compiled into the artifact.
	RingSize uint32

	Logger *zap.Logger
}

// DefaultConfig returns the Android libgui configuration.
func DefaultConfig() Config {
	return Config{
		Library: DefaultLibrary,
		Symbols: []string{DefaultSymbol, DefaultFallbackSymbol},
		Program: DefaultProgram,
		RingMap: DefaultRingMap,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Library == "" {
		c.Library = d.Library
	}
	if len(c.Symbols) == 0 {
		c.Symbols = d.Symbols
	}
	if c.Program == "" {
		c.Program = d.Program
	}
	if c.RingMap == "" {
		c.RingMap = d.RingMap
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
