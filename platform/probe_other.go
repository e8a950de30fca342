//go:build !linux

// This file provides stubs so the rest of the tree builds and tests on
// development machines without eBPF. Attaching always fails.

package platform

// Artifact is a compiled sensor program.
type Artifact struct{}

// LoadArtifact reports ErrUnsupported.
func LoadArtifact(path string) (*Artifact, error) {
	return nil, ErrUnsupported
}

// LoadArtifactBytes reports ErrUnsupported.
func LoadArtifactBytes(b []byte) (*Artifact, error) {
	return nil, ErrUnsupported
}

// Loader is a no-op on this platform.
type Loader struct{}

func NewLoader(artifact *Artifact, cfg Config) (*Loader, error) {
	return nil, ErrUnsupported
}

func (l *Loader) Attach(pid int) (Probe, error) {
	return nil, &AttachError{Pid: pid, Kind: KindProgramLoad, Err: ErrUnsupported}
}

// EnsureMemlock is a no-op on this platform.
func EnsureMemlock() error {
	return nil
}
