//go:build linux

package platform

import (
	"errors"
	"os"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// countingLink records Close calls. The embedded Link is nil; only Close is
// used.
type countingLink struct {
	link.Link
	closes int
	err    error
}

func (l *countingLink) Close() error {
	l.closes++
	return l.err
}

type countingCollection struct {
	closes int
}

func (c *countingCollection) Close() { c.closes++ }

func TestNewLoaderRejectsNilArtifact(t *testing.T) {
	_, err := NewLoader(nil, DefaultConfig())
	assert.Error(t, err)
}

func TestLoadArtifactMissingFile(t *testing.T) {
	_, err := LoadArtifact("/nonexistent/frame_analyzer.bpf.o")
	assert.Error(t, err)
}

func TestLoadArtifactBytesGarbage(t *testing.T) {
	_, err := LoadArtifactBytes([]byte("not an elf file"))
	assert.Error(t, err)
}

func TestValidateRingSize(t *testing.T) {
	page := uint32(os.Getpagesize())

	require.NoError(t, validateRingSize(page))
	require.NoError(t, validateRingSize(page*4))
	assert.Error(t, validateRingSize(page*3))
	assert.Error(t, validateRingSize(page+8))
}

func TestEnsureMemlockIsIdempotent(t *testing.T) {
	first := EnsureMemlock()
	second := EnsureMemlock()
	assert.Equal(t, first, second)
}

func TestAttachFirst(t *testing.T) {
	const (
		primary  = "primary"
		fallback = "fallback"
	)
	tests := []struct {
		name       string
		results    map[string]error
		wantSymbol string
		wantKind   error
		errSymbol  string
		wantTries  []string
	}{
		{
			name:       "primary attaches",
			results:    map[string]error{},
			wantSymbol: primary,
			wantTries:  []string{primary},
		},
		{
			name:       "fallback after missing primary",
			results:    map[string]error{primary: link.ErrNoSymbol},
			wantSymbol: fallback,
			wantTries:  []string{primary, fallback},
		},
		{
			name:      "every symbol missing",
			results:   map[string]error{primary: link.ErrNoSymbol, fallback: link.ErrNoSymbol},
			wantKind:  ErrSymbolNotFound,
			errSymbol: fallback,
			wantTries: []string{primary, fallback},
		},
		{
			name:      "kernel refuses primary",
			results:   map[string]error{primary: unix.ESRCH, fallback: link.ErrNoSymbol},
			wantKind:  ErrAttach,
			errSymbol: primary,
			wantTries: []string{primary, fallback},
		},
		{
			name:      "kernel refuses fallback",
			results:   map[string]error{primary: link.ErrNoSymbol, fallback: unix.EINVAL},
			wantKind:  ErrAttach,
			errSymbol: fallback,
			wantTries: []string{primary, fallback},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tries []string
			attached := &countingLink{}
			attach := func(sym string) (link.Link, error) {
				tries = append(tries, sym)
				if err := tt.results[sym]; err != nil {
					return nil, err
				}
				return attached, nil
			}

			l, sym, err := attachFirst(attach, 42, []string{primary, fallback}, zap.NewNop())
			assert.Equal(t, tt.wantTries, tries)

			if tt.wantKind == nil {
				require.NoError(t, err)
				assert.Equal(t, tt.wantSymbol, sym)
				assert.Same(t, attached, l)
				return
			}

			require.Error(t, err)
			assert.Nil(t, l)
			assert.Empty(t, sym)
			assert.ErrorIs(t, err, tt.wantKind)

			var ae *AttachError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, 42, ae.Pid)
			assert.Equal(t, tt.errSymbol, ae.Symbol)
			assert.Contains(t, err.Error(), "("+tt.errSymbol+")")
			for sym, cause := range tt.results {
				assert.ErrorIs(t, err, cause, sym)
			}
		})
	}
}

func TestProbeCloseRunsOnce(t *testing.T) {
	linkErr := errors.New("detach failed")
	l := &countingLink{err: linkErr}
	coll := &countingCollection{}
	p := &probe{pid: 42, coll: coll, link: l, logger: zap.NewNop()}

	first := p.Close()
	second := p.Close()

	require.ErrorIs(t, first, linkErr)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, l.closes)
	assert.Equal(t, 1, coll.closes, "the program is unloaded even when detaching fails")
}

func TestProbeCloseEmptyCollection(t *testing.T) {
	l := &countingLink{}
	p := &probe{pid: 42, coll: &ebpf.Collection{}, link: l, logger: zap.NewNop()}

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
	assert.Equal(t, 1, l.closes)
}
