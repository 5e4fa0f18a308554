// Package connect implements the Connector (spec component E): it issues
// non-blocking connect(2) calls and reports completion asynchronously via
// a reactor.Poller's OP_WRITE readiness, the standard way to detect a
// connect finishing without blocking the reactor goroutine.
package connect

import (
	"golang.org/x/sys/unix"

	"code.hybscloud.com/tcpnukleus/internal/reactor"
	"code.hybscloud.com/tcpnukleus/internal/sockaddr"
)

// Dialer issues non-blocking outbound TCP connects against one Poller.
type Dialer struct {
	poller *reactor.Poller
}

// New creates a Dialer that registers its pending connects on poller.
func New(poller *reactor.Poller) *Dialer {
	return &Dialer{poller: poller}
}

// Dial starts a non-blocking connect to sa. onDone is invoked exactly once,
// either synchronously (same-host connects sometimes complete immediately)
// or from a later poller dispatch, with the connected fd or the error that
// failed it. Callers own the fd on success.
func (d *Dialer) Dial(sa unix.Sockaddr, onDone func(fd int, err error)) error {
	fd, err := unix.Socket(sockaddr.Domain(sa), unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		onDone(fd, nil)
		return nil
	}
	if err != unix.EINPROGRESS {
		unix.Close(fd)
		return err
	}

	key, err := d.poller.Register(fd, reactor.OpWrite, nil)
	if err != nil {
		unix.Close(fd)
		return err
	}
	key.SetHandler(reactor.OpWrite, func() (int, error) {
		key.Cancel()
		errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		switch {
		case gerr != nil:
			unix.Close(fd)
			onDone(fd, gerr)
		case errno != 0:
			unix.Close(fd)
			onDone(fd, unix.Errno(errno))
		default:
			onDone(fd, nil)
		}
		return 1, nil
	})
	return nil
}
