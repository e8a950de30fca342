// Package analyzer multiplexes the frame probes of several processes and
// reports one frametime per ready process.
//
// An Analyzer is owned by a single goroutine: none of its methods may be
// called concurrently.
package analyzer

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/frametime"
	"github.com/jnesss/frame-analyzer/platform"
	"github.com/jnesss/frame-analyzer/poller"
)

// ErrNotAttached is returned when detaching a pid that is not attached.
var ErrNotAttached = errors.New("pid not attached")

// Frame is one frametime observation.
type Frame struct {
	Pid       int
	Frametime time.Duration
}

// Attacher creates probes. *platform.Loader is the production implementation.
type Attacher interface {
	Attach(pid int) (platform.Probe, error)
}

// Poller waits for readiness over a set of descriptors keyed by pid.
// *poller.Epoll is the production implementation.
type Poller interface {
	Rebuild(sources map[int]int) error
	Wait(timeout time.Duration) ([]int, error)
	Registered() []int
	Close() error
}

type target struct {
	probe   platform.Probe
	tracker frametime.Drainer
}

// Analyzer owns the attached probes, the poller and the queue of pids that
// were reported ready but not yet drained.
type Analyzer struct {
	attacher   Attacher
	newPoller  func() (Poller, error)
	newTracker func() frametime.Drainer
	logger     *zap.Logger

	poller  Poller
	targets map[int]*target
	pending []int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithPollerFactory replaces the epoll poller. The factory runs on first use.
func WithPollerFactory(f func() (Poller, error)) Option {
	return func(a *Analyzer) {
		if f != nil {
			a.newPoller = f
		}
	}
}

// WithTrackerFactory selects how frametimes are computed for each newly
// attached pid. The default is frametime.New.
func WithTrackerFactory(f func() frametime.Drainer) Option {
	return func(a *Analyzer) {
		if f != nil {
			a.newTracker = f
		}
	}
}

// New returns an Analyzer with nothing attached. No system resources are
// acquired until the first attach or receive.
func New(attacher Attacher, opts ...Option) *Analyzer {
	a := &Analyzer{
		attacher:   attacher,
		newPoller:  newEpoll,
		newTracker: func() frametime.Drainer { return frametime.New() },
		logger:     zap.NewNop(),
		targets:    make(map[int]*target),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func newEpoll() (Poller, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a *Analyzer) ensurePoller() (Poller, error) {
	if a.poller != nil {
		return a.poller, nil
	}
	p, err := a.newPoller()
	if err != nil {
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}
	a.poller = p
	return p, nil
}

// rebuild registers every attached ring under its pid.
func (a *Analyzer) rebuild() error {
	p, err := a.ensurePoller()
	if err != nil {
		return err
	}
	sources := make(map[int]int, len(a.targets))
	for pid, t := range a.targets {
		sources[pid] = t.probe.Ring().FD()
	}
	return p.Rebuild(sources)
}

// AttachApp starts collecting frames for pid. Attaching an already attached
// pid does nothing. On error nothing is left attached.
func (a *Analyzer) AttachApp(pid int) error {
	if _, ok := a.targets[pid]; ok {
		return nil
	}

	probe, err := a.attacher.Attach(pid)
	if err != nil {
		return err
	}

	a.targets[pid] = &target{probe: probe, tracker: a.newTracker()}
	if err := a.rebuild(); err != nil {
		delete(a.targets, pid)
		if cerr := probe.Close(); cerr != nil {
			a.logger.Debug("Failed to close probe", zap.Int("pid", pid), zap.Error(cerr))
		}
		return fmt.Errorf("failed to register pid %d: %w", pid, err)
	}

	a.logger.Debug("App attached", zap.Int("pid", pid), zap.String("symbol", probe.Symbol()))
	return nil
}

// DetachApp stops collecting frames for pid and releases its probe.
func (a *Analyzer) DetachApp(pid int) error {
	t, ok := a.targets[pid]
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, ErrNotAttached)
	}

	delete(a.targets, pid)
	a.pending = slices.DeleteFunc(a.pending, func(p int) bool { return p == pid })
	a.closeProbe(pid, t.probe)

	if err := a.rebuild(); err != nil {
		a.logger.Warn("Failed to rebuild poller after detach", zap.Int("pid", pid), zap.Error(err))
	}
	a.logger.Debug("App detached", zap.Int("pid", pid))
	return nil
}

// DetachAll releases every probe.
func (a *Analyzer) DetachAll() {
	for pid, t := range a.targets {
		a.closeProbe(pid, t.probe)
	}
	clear(a.targets)
	a.pending = nil

	if a.poller == nil {
		return
	}
	if err := a.rebuild(); err != nil {
		a.logger.Warn("Failed to rebuild poller after detach", zap.Error(err))
	}
}

// Teardown errors are logged and dropped: the probe is gone either way.
func (a *Analyzer) closeProbe(pid int, p platform.Probe) {
	if err := p.Close(); err != nil {
		a.logger.Debug("Probe teardown failed", zap.Int("pid", pid), zap.Error(err))
	}
}

// Receive returns the next frametime, blocking until some attached process
// submits a frame. Interrupted polls are retried, but any other poll failure
// returns false right away, as does a ready pid that was detached in the
// meantime. Callers wanting a stream should keep calling Receive.
func (a *Analyzer) Receive() (Frame, bool) {
	return a.receive(-1)
}

// ReceiveTimeout is like Receive but gives up after d.
func (a *Analyzer) ReceiveTimeout(d time.Duration) (Frame, bool) {
	if d < 0 {
		d = 0
	}
	return a.receive(d)
}

func (a *Analyzer) receive(timeout time.Duration) (Frame, bool) {
	if len(a.pending) == 0 && !a.wait(timeout) {
		return Frame{}, false
	}

	pid := a.pending[0]
	a.pending = a.pending[1:]

	t, ok := a.targets[pid]
	if !ok {
		return Frame{}, false
	}
	return Frame{Pid: pid, Frametime: t.tracker.Drain(t.probe.Ring())}, true
}

// wait fills the pending queue. A negative timeout waits until something is
// ready; interrupted waits are retried.
func (a *Analyzer) wait(timeout time.Duration) bool {
	p, err := a.ensurePoller()
	if err != nil {
		a.logger.Warn("Poller unavailable", zap.Error(err))
		return false
	}

	for {
		ready, err := p.Wait(timeout)
		if err != nil {
			a.logger.Debug("Poll failed", zap.Error(err))
			return false
		}
		if len(ready) > 0 {
			a.pending = append(a.pending, ready...)
			break
		}
		if timeout >= 0 {
			return false
		}
	}

	if err := a.rebuild(); err != nil {
		a.logger.Debug("Failed to rebuild poller", zap.Error(err))
	}
	return true
}

// Contains reports whether pid is attached.
func (a *Analyzer) Contains(pid int) bool {
	_, ok := a.targets[pid]
	return ok
}

// AttachedPids returns the attached pids as of the call, in ascending order.
// The sequence can be iterated more than once.
func (a *Analyzer) AttachedPids() iter.Seq[int] {
	return slices.Values(slices.Sorted(maps.Keys(a.targets)))
}

// Symbol returns the symbol pid's probe is attached to.
func (a *Analyzer) Symbol(pid int) (string, bool) {
	t, ok := a.targets[pid]
	if !ok {
		return "", false
	}
	return t.probe.Symbol(), true
}

// Truncated returns how many undecodable records the trackers of the
// currently attached pids have skipped.
func (a *Analyzer) Truncated() uint64 {
	var n uint64
	for _, t := range a.targets {
		if c, ok := t.tracker.(interface{ Truncated() uint64 }); ok {
			n += c.Truncated()
		}
	}
	return n
}

// Len returns the number of attached pids.
func (a *Analyzer) Len() int { return len(a.targets) }

// Close detaches everything and releases the poller.
func (a *Analyzer) Close() error {
	var err error
	for pid, t := range a.targets {
		err = multierr.Append(err, t.probe.Close())
		delete(a.targets, pid)
	}
	a.pending = nil

	if a.poller != nil {
		err = multierr.Append(err, a.poller.Close())
		a.poller = nil
	}
	return err
}
