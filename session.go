package main

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/analyzer"
	"github.com/jnesss/frame-analyzer/frametime"
	"github.com/jnesss/frame-analyzer/platform"
)

// frameSource is the part of the analyzer the receive loops drive.
type frameSource interface {
	ReceiveTimeout(d time.Duration) (analyzer.Frame, bool)
	DetachApp(pid int) error
	AttachedPids() iter.Seq[int]
	Truncated() uint64
	Len() int
}

// newAnalyzer loads the sensor program and returns an analyzer attaching it.
func newAnalyzer(cfg *Config, logger *zap.Logger) (*analyzer.Analyzer, error) {
	artifact, err := platform.LoadArtifact(cfg.Object)
	if err != nil {
		return nil, err
	}
	loader, err := platform.NewLoader(artifact, cfg.ProbeConfig(logger))
	if err != nil {
		return nil, err
	}

	opts := []analyzer.Option{analyzer.WithLogger(logger)}
	if cfg.BufferWindow > 0 {
		window := cfg.BufferWindow
		opts = append(opts, analyzer.WithTrackerFactory(func() frametime.Drainer {
			return frametime.NewBufferTracker(window, 0)
		}))
	}
	return analyzer.New(loader, opts...), nil
}

// resolveTargets merges pid arguments with the processes found for each
// name, without duplicates and in ascending order.
func resolveTargets(args []string, comms []string, find func(string) ([]int, error)) ([]int, error) {
	var pids []int
	for _, arg := range args {
		pid, err := strconv.Atoi(arg)
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("invalid pid %q", arg)
		}
		pids = append(pids, pid)
	}

	for _, name := range comms {
		found, err := find(name)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("no process named %q", name)
		}
		pids = append(pids, found...)
	}

	if len(pids) == 0 {
		return nil, errors.New("no target process: pass pids or --comm")
	}
	slices.Sort(pids)
	return slices.Compact(pids), nil
}

// attachKind labels an attach failure for metrics.
func attachKind(err error) string {
	var ae *platform.AttachError
	if errors.As(err, &ae) {
		if platform.IsPermission(err) {
			return "permission"
		}
		return ae.Kind.String()
	}
	return "other"
}

// attachHint turns an attach failure into advice for the operator.
func attachHint(err error) string {
	switch {
	case platform.IsPermission(err):
		return "re-run as root"
	case errors.Is(err, platform.ErrSymbolNotFound):
		return "the library does not export Surface::queueBuffer, check --library or the configured symbols"
	case errors.Is(err, platform.ErrProgramLoad):
		return "the kernel rejected the sensor program, check eBPF uprobe support"
	case errors.Is(err, platform.ErrUnsupported):
		return "run on Linux or Android"
	default:
		return "the process may have exited"
	}
}

// reapExited detaches every attached pid that is no longer running and
// returns those pids.
func reapExited(src frameSource, alive func(int) bool, logger *zap.Logger) []int {
	var gone []int
	for pid := range src.AttachedPids() {
		if alive(pid) {
			continue
		}
		if err := src.DetachApp(pid); err != nil && !errors.Is(err, analyzer.ErrNotAttached) {
			logger.Warn("Error detaching exited process", zap.Int("pid", pid), zap.Error(err))
		}
		gone = append(gone, pid)
	}
	return gone
}
