//go:build !linux

package poller

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("poller: epoll is only available on linux")

// Epoll is unavailable on this platform.
type Epoll struct{}

func New() (*Epoll, error) { return nil, errUnsupported }

func (p *Epoll) Rebuild(sources map[int]int) error { return errUnsupported }

func (p *Epoll) Wait(timeout time.Duration) ([]int, error) { return nil, errUnsupported }

func (p *Epoll) Registered() []int { return nil }

func (p *Epoll) Close() error { return nil }
