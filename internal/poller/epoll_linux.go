//go:build linux

// Package poller wraps a single Linux epoll instance, tracking each fd's
// registered interest so callers can incrementally add and clear
// readable/writable interest the way a mio-style readiness loop does.
package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// Event reports one fd's readiness after a Wait call.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Error    bool
}

// Poller is not safe for concurrent use: each forwarding engine owns
// exactly one Poller, driven from its own single-threaded loop.
type Poller struct {
	epfd  int
	state map[int]uint32
	buf   []unix.EpollEvent
}

// New creates an epoll instance sized for the given expected event burst.
func New(eventCapacity int) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:  fd,
		state: make(map[int]uint32),
		buf:   make([]unix.EpollEvent, eventCapacity),
	}, nil
}

func interestBits(readable, writable bool) uint32 {
	var bits uint32
	if readable {
		bits |= unix.EPOLLIN
	}
	if writable {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// Add registers fd with the given interest. fd must not already be
// registered.
func (p *Poller) Add(fd int, readable, writable bool) error {
	bits := interestBits(readable, writable)
	ev := unix.EpollEvent{Events: bits, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.state[fd] = bits
	return nil
}

func (p *Poller) modify(fd int, bits uint32) error {
	cur, ok := p.state[fd]
	if !ok || cur == bits {
		return nil
	}
	ev := unix.EpollEvent{Events: bits, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.state[fd] = bits
	return nil
}

func (p *Poller) SetReadable(fd int) error   { return p.modify(fd, p.state[fd]|unix.EPOLLIN) }
func (p *Poller) SetWritable(fd int) error   { return p.modify(fd, p.state[fd]|unix.EPOLLOUT) }
func (p *Poller) ClearReadable(fd int) error { return p.modify(fd, p.state[fd]&^uint32(unix.EPOLLIN)) }
func (p *Poller) ClearWritable(fd int) error { return p.modify(fd, p.state[fd]&^uint32(unix.EPOLLOUT)) }

// Remove deregisters fd. Idempotent: removing an fd that is not (or no
// longer) registered is a no-op.
func (p *Poller) Remove(fd int) error {
	if _, ok := p.state[fd]; !ok {
		return nil
	}
	delete(p.state, fd)
	var ev unix.EpollEvent
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
}

// Wait blocks until at least one registered fd is ready or timeout
// elapses, appending ready events to dst and returning the extended
// slice.
func (p *Poller) Wait(dst []Event, timeout time.Duration) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.buf, int(timeout/time.Millisecond))
	if err != nil {
		return dst, err
	}
	for i := 0; i < n; i++ {
		e := p.buf[i]
		dst = append(dst, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Error:    e.Events&unix.EPOLLERR != 0,
		})
	}
	return dst, nil
}

func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
