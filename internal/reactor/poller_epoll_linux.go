//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

const (
	backendRead  = unix.EPOLLIN
	backendWrite = unix.EPOLLOUT
)

// epollBackend wraps an epoll(7) instance. Grounded on the epoll_ctl/
// epoll_wait usage shown by the pack's gnet and proxyproto zero-copy
// reference implementations, adapted to the single fixed-size event buffer
// this reactor reuses across every wait() call. Each wait() still allocates
// the readyEvent slice it returns.
type epollBackend struct {
	epfd   int
	events []unix.EpollEvent
}

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{epfd: epfd, events: make([]unix.EpollEvent, 256)}, nil
}

func (b *epollBackend) add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (b *epollBackend) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (b *epollBackend) remove(fd int) error {
	// Linux ignores the event argument for EPOLL_CTL_DEL but pre-2.6.9
	// kernels required a non-nil pointer; pass one for portability.
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

func (b *epollBackend) wait(timeout time.Duration) ([]readyEvent, error) {
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	n, err := unix.EpollWait(b.epfd, b.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := b.events[i]
		out = append(out, readyEvent{
			fd:       int(ev.Fd),
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			errored:  ev.Events&unix.EPOLLERR != 0,
		})
	}
	return out, nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}
