//go:build linux

// This file contains the Linux implementation of the frame probe: loading the
// sensor artifact, attaching it as a uprobe scoped to one pid and exposing its
// ring buffer.

package platform

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/frame"
)

// Artifact is a compiled sensor program, parsed but not yet loaded.
type Artifact struct {
	spec *ebpf.CollectionSpec
}

// LoadArtifact parses the sensor object file at path.
func LoadArtifact(path string) (*Artifact, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sensor artifact %s: %w", path, err)
	}
	return &Artifact{spec: spec}, nil
}

// LoadArtifactBytes parses a sensor object held in memory.
func LoadArtifactBytes(b []byte) (*Artifact, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to parse sensor artifact: %w", err)
	}
	return &Artifact{spec: spec}, nil
}

// Loader attaches fresh sensor program instances to target processes.
type Loader struct {
	artifact *Artifact
	cfg      Config
}

// NewLoader checks that the artifact carries the configured program and ring
// buffer map.
func NewLoader(artifact *Artifact, cfg Config) (*Loader, error) {
	if artifact == nil || artifact.spec == nil {
		return nil, errors.New("nil sensor artifact")
	}
	cfg.setDefaults()

	prog, ok := artifact.spec.Programs[cfg.Program]
	if !ok {
		return nil, fmt.Errorf("sensor artifact has no program %q", cfg.Program)
	}
	if prog.Type != ebpf.Kprobe {
		return nil, fmt.Errorf("program %q is %s, want a uprobe", cfg.Program, prog.Type)
	}

	ring, ok := artifact.spec.Maps[cfg.RingMap]
	if !ok {
		return nil, fmt.Errorf("sensor artifact has no map %q", cfg.RingMap)
	}
	if ring.Type != ebpf.RingBuf {
		return nil, fmt.Errorf("map %q is %s, want a ring buffer", cfg.RingMap, ring.Type)
	}
	if cfg.RingSize != 0 {
		if err := validateRingSize(cfg.RingSize); err != nil {
			return nil, err
		}
	}

	return &Loader{artifact: artifact, cfg: cfg}, nil
}

func validateRingSize(size uint32) error {
	page := uint32(os.Getpagesize())
	if size&(size-1) != 0 || size%page != 0 {
		return fmt.Errorf("ring size %d must be a power of two multiple of the page size (%d)", size, page)
	}
	return nil
}

// Attach loads a new instance of the sensor program and attaches it to the
// first configured symbol that works, scoped to pid. Nothing is left loaded
// if Attach fails.
func (l *Loader) Attach(pid int) (_ Probe, err error) {
	logger := l.cfg.Logger.With(zap.Int("pid", pid))

	if err := EnsureMemlock(); err != nil {
		logger.Warn("Failed to remove memlock limit", zap.Error(err))
	}

	spec := l.artifact.spec.Copy()
	if l.cfg.RingSize != 0 {
		spec.Maps[l.cfg.RingMap].MaxEntries = l.cfg.RingSize
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, &AttachError{Pid: pid, Kind: KindProgramLoad, Err: err}
	}

	p := &probe{pid: pid, coll: coll, logger: logger}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	exe, err := link.OpenExecutable(l.cfg.Library)
	if err != nil {
		return nil, &AttachError{Pid: pid, Kind: KindAttach, Err: fmt.Errorf("open %s: %w", l.cfg.Library, err)}
	}

	prog := coll.Programs[l.cfg.Program]
	uprobe := func(sym string) (link.Link, error) {
		return exe.Uprobe(sym, prog, &link.UprobeOptions{PID: pid})
	}
	p.link, p.symbol, err = attachFirst(uprobe, pid, l.cfg.Symbols, logger)
	if err != nil {
		return nil, err
	}

	ringMap := coll.Maps[l.cfg.RingMap]
	reader, err := ringbuf.NewReader(ringMap)
	if err != nil {
		return nil, &AttachError{Pid: pid, Kind: KindAttach, Err: fmt.Errorf("ring buffer reader: %w", err)}
	}
	// A deadline in the past turns every read into a non-blocking drain.
	reader.SetDeadline(time.Unix(1, 0))

	p.ring = &ringReader{reader: reader, fd: ringMap.FD(), logger: logger}

	logger.Info("Frame probe attached",
		zap.String("library", l.cfg.Library),
		zap.String("symbol", p.symbol),
	)
	return p, nil
}

// attachFirst tries each symbol in order. The error names the most specific
// failure: symbol-not-found only if every symbol was missing. Its Symbol is the
// last symbol that failed for another reason, or the last one tried.
func attachFirst(attach func(sym string) (link.Link, error), pid int, symbols []string, logger *zap.Logger) (link.Link, string, error) {
	var (
		errs       error
		allMissing = true
		failed     string
	)
	for _, sym := range symbols {
		l, err := attach(sym)
		if err == nil {
			return l, sym, nil
		}
		logger.Debug("Uprobe attach failed, trying next symbol", zap.String("symbol", sym), zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", sym, err))
		if !errors.Is(err, link.ErrNoSymbol) {
			allMissing = false
			failed = sym
		}
		if allMissing {
			failed = sym
		}
	}
	if len(symbols) == 0 {
		errs = errors.New("no symbols configured")
	}

	kind := KindAttach
	if allMissing {
		kind = KindSymbolNotFound
	}
	return nil, "", &AttachError{Pid: pid, Kind: kind, Symbol: failed, Err: errs}
}

type probe struct {
	pid    int
	symbol string
	coll   interface{ Close() }
	link   link.Link
	ring   *ringReader
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func (p *probe) Pid() int         { return p.pid }
func (p *probe) Symbol() string   { return p.symbol }
func (p *probe) Ring() frame.Ring { return p.ring }

// Close detaches the uprobe, then releases the ring and the program. Every
// step is attempted even if an earlier one fails.
func (p *probe) Close() error {
	p.closeOnce.Do(func() {
		if p.link != nil {
			p.closeErr = multierr.Append(p.closeErr, p.link.Close())
		}
		if p.ring != nil {
			p.closeErr = multierr.Append(p.closeErr, p.ring.reader.Close())
		}
		p.coll.Close()

		if p.closeErr != nil {
			p.logger.Warn("Frame probe teardown incomplete", zap.Error(p.closeErr))
		} else {
			p.logger.Debug("Frame probe detached")
		}
	})
	return p.closeErr
}

// ringReader adapts a ringbuf.Reader with a past deadline to frame.Ring.
type ringReader struct {
	reader *ringbuf.Reader
	fd     int
	rec    ringbuf.Record
	logger *zap.Logger
}

func (r *ringReader) FD() int { return r.fd }

// Next returns a slice that is only valid until the following call.
func (r *ringReader) Next() ([]byte, bool) {
	if err := r.reader.ReadInto(&r.rec); err != nil {
		if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, ringbuf.ErrClosed) {
			r.logger.Debug("Error reading frame ring buffer", zap.Error(err))
		}
		return nil, false
	}
	return r.rec.RawSample, true
}
