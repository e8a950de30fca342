package analyzer

import (
	"errors"
	"slices"
	"time"

	"github.com/jnesss/frame-analyzer/frame"
	"github.com/jnesss/frame-analyzer/frame/frametest"
	"github.com/jnesss/frame-analyzer/platform"
)

type fakeProbe struct {
	pid    int
	ring   *frametest.Ring
	closed int
}

func (p *fakeProbe) Pid() int         { return p.pid }
func (p *fakeProbe) Symbol() string   { return platform.DefaultSymbol }
func (p *fakeProbe) Ring() frame.Ring { return p.ring }
func (p *fakeProbe) Close() error {
	p.closed++
	return nil
}

// fakeAttacher hands out probes whose ring fd is pid+1000.
type fakeAttacher struct {
	probes map[int]*fakeProbe
	fail   map[int]error
	calls  int
}

func newFakeAttacher() *fakeAttacher {
	return &fakeAttacher{probes: map[int]*fakeProbe{}, fail: map[int]error{}}
}

func (f *fakeAttacher) Attach(pid int) (platform.Probe, error) {
	f.calls++
	if err := f.fail[pid]; err != nil {
		return nil, err
	}
	p := &fakeProbe{pid: pid, ring: frametest.NewRing(pid + 1000)}
	f.probes[pid] = p
	return p, nil
}

// fakePoller reports a token ready when the ring behind its fd has queued
// samples. Stale tokens can be injected to simulate a readiness race.
type fakePoller struct {
	attacher *fakeAttacher
	sources  map[int]int
	injected []int
	rebuilds int
	failNext error
	waitErr  error
	lastWait time.Duration
	closed   bool
}

func newFakePoller(attacher *fakeAttacher) *fakePoller {
	return &fakePoller{attacher: attacher, sources: map[int]int{}}
}

func (p *fakePoller) ring(fd int) *frametest.Ring {
	for _, probe := range p.attacher.probes {
		if probe.ring.FD() == fd {
			return probe.ring
		}
	}
	return nil
}

func (p *fakePoller) Rebuild(sources map[int]int) error {
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	p.rebuilds++
	p.sources = make(map[int]int, len(sources))
	for token, fd := range sources {
		p.sources[token] = fd
	}
	return nil
}

func (p *fakePoller) Wait(timeout time.Duration) ([]int, error) {
	p.lastWait = timeout
	if p.waitErr != nil {
		return nil, p.waitErr
	}
	ready := p.injected
	p.injected = nil
	for _, token := range p.Registered() {
		if r := p.ring(p.sources[token]); r != nil && r.Len() > 0 {
			ready = append(ready, token)
		}
	}
	return ready, nil
}

func (p *fakePoller) Registered() []int {
	tokens := make([]int, 0, len(p.sources))
	for token := range p.sources {
		tokens = append(tokens, token)
	}
	slices.Sort(tokens)
	return tokens
}

func (p *fakePoller) Close() error {
	p.closed = true
	return nil
}

var errBoom = errors.New("boom")
