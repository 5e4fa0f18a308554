//go:build !linux && (darwin || freebsd || netbsd || openbsd)

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

const (
	backendRead  = uint32(unix.POLLIN)
	backendWrite = uint32(unix.POLLOUT)
)

// pollBackend is a poll(2)-based fallback for non-Linux Unix targets. It is
// O(registered fds) per wait() instead of epoll's O(ready fds), which is
// the standard tradeoff of poll(2) versus a readiness-notification API; it
// exists so the reactor is portable, not to be the production backend.
type pollBackend struct {
	interest map[int]uint32
}

func newBackend() (backend, error) {
	return &pollBackend{interest: make(map[int]uint32)}, nil
}

func (b *pollBackend) add(fd int, events uint32) error {
	b.interest[fd] = events
	return nil
}

func (b *pollBackend) modify(fd int, events uint32) error {
	b.interest[fd] = events
	return nil
}

func (b *pollBackend) remove(fd int) error {
	delete(b.interest, fd)
	return nil
}

func (b *pollBackend) wait(timeout time.Duration) ([]readyEvent, error) {
	if len(b.interest) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}
	fds := make([]unix.PollFd, 0, len(b.interest))
	for fd, events := range b.interest {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: int16(events)})
	}
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]readyEvent, 0, n)
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		out = append(out, readyEvent{
			fd:       int(pfd.Fd),
			readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0,
			writable: pfd.Revents&unix.POLLOUT != 0,
			errored:  pfd.Revents&unix.POLLERR != 0,
		})
	}
	return out, nil
}

func (b *pollBackend) close() error { return nil }
