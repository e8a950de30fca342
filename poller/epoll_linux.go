//go:build linux

package poller

import (
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// Epoll is a level-triggered epoll set.
type Epoll struct {
	epfd    int
	events  []unix.EpollEvent
	sources map[int]int
}

// New creates an empty epoll set.
func New() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Epoll{
		epfd:    epfd,
		events:  make([]unix.EpollEvent, 1),
		sources: map[int]int{},
	}, nil
}

// Rebuild replaces the registered set with sources (token -> fd). On error
// the previous set stays in place.
func (p *Epoll) Rebuild(sources map[int]int) error {
	if p.epfd < 0 {
		return ErrClosed
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}

	registered := make(map[int]int, len(sources))
	for token, fd := range sources {
		event := unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(token),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			unix.Close(epfd)
			return fmt.Errorf("register token %d (fd %d): %w", token, fd, err)
		}
		registered[token] = fd
	}

	unix.Close(p.epfd)
	p.epfd = epfd
	p.sources = registered

	n := len(registered)
	if n < 1 {
		n = 1
	}
	if n > MaxEvents {
		n = MaxEvents
	}
	p.events = make([]unix.EpollEvent, n)
	return nil
}

// Wait blocks until at least one source is readable or timeout elapses. A
// negative timeout waits forever. Tokens are returned in the order the kernel
// reported them. An interrupted wait reports no tokens and no error.
func (p *Epoll) Wait(timeout time.Duration) ([]int, error) {
	if p.epfd < 0 {
		return nil, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis(timeout))
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	ready := make([]int, 0, n)
	for _, e := range p.events[:n] {
		ready = append(ready, int(e.Fd))
	}
	return ready, nil
}

// Registered returns the currently registered tokens in ascending order.
func (p *Epoll) Registered() []int {
	tokens := make([]int, 0, len(p.sources))
	for token := range p.sources {
		tokens = append(tokens, token)
	}
	sort.Ints(tokens)
	return tokens
}

// Close releases the epoll descriptor.
func (p *Epoll) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	p.sources = map[int]int{}
	return err
}

// timeoutMillis rounds up so a short positive timeout never becomes a
// non-blocking poll.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
