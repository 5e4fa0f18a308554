// Package stream implements the per-connection read and write state
// machines: ReadStream drains socket bytes into DATA frames under a credit
// window, and WriteStream drains DATA frames into the socket with
// partial-write recovery. Both run exclusively on the reactor goroutine
// that owns their poller key.
package stream

import (
	"golang.org/x/sys/unix"

	"code.hybscloud.com/iox"
)

// Conn is the raw non-blocking socket shared by a ReadStream and its
// WriteStream counterpart. A TCP connection's read and write directions
// close independently (half-close), so the fd is only actually released
// once both sides have finished with it — unless RESET forces an abortive
// close of the whole connection immediately.
type Conn struct {
	Fd int

	closed    bool
	readDone  bool
	writeDone bool
	hooks     []func()
}

// NewConn wraps fd, which must already be non-blocking.
func NewConn(fd int) *Conn { return &Conn{Fd: fd} }

// Socket is the raw-fd surface ReadStream and WriteStream depend on. *Conn
// is the real implementation; tests substitute a fake to drive partial
// writes, spin exhaustion, and error paths deterministically instead of
// racing the kernel's socket buffers.
type Socket interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	ShutdownWrite() error
	CloseAbortive() error
	MarkReadDone()
	MarkWriteDone()
}

// Read reads from the underlying fd, surfacing a transient EAGAIN/EWOULDBLOCK
// as iox.ErrWouldBlock so callers treat this fd the same non-blocking
// control-flow signal the rest of the stack uses for boundary-preserving
// transports.
func (c *Conn) Read(buf []byte) (int, error) {
	n, err := unix.Read(c.Fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return n, iox.ErrWouldBlock
	}
	return n, err
}

// Write writes to the underlying fd, translating EAGAIN/EWOULDBLOCK the same
// way Read does.
func (c *Conn) Write(buf []byte) (int, error) {
	n, err := unix.Write(c.Fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return n, iox.ErrWouldBlock
	}
	return n, err
}

// OnTeardown registers fn to run the moment the fd is actually closed,
// whether by graceful half-close convergence or by an abortive RESET. The
// stream factory uses it to drop its bookkeeping for the connection as soon
// as the fd is released.
func (c *Conn) OnTeardown(fn func()) { c.hooks = append(c.hooks, fn) }

// Closed reports whether the fd has been released.
func (c *Conn) Closed() bool { return c.closed }

// MarkReadDone records that the read side no longer needs the fd. Once
// both sides have called their Mark*Done, the fd is closed.
func (c *Conn) MarkReadDone() {
	c.readDone = true
	c.maybeClose()
}

// MarkWriteDone is MarkReadDone's write-side counterpart.
func (c *Conn) MarkWriteDone() {
	c.writeDone = true
	c.maybeClose()
}

func (c *Conn) maybeClose() {
	if c.closed || !c.readDone || !c.writeDone {
		return
	}
	c.closeNow()
}

// ShutdownWrite half-closes the write direction, causing the peer's next
// read to observe EOF while our own read direction stays open.
func (c *Conn) ShutdownWrite() error {
	return unix.Shutdown(c.Fd, unix.SHUT_WR)
}

// CloseAbortive sets SO_LINGER to 0 (forcing RST on close, per spec §4.G/H)
// and closes the fd unconditionally, regardless of which side called it.
func (c *Conn) CloseAbortive() error {
	if c.closed {
		return nil
	}
	_ = unix.SetsockoptLinger(c.Fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	return c.closeNow()
}

func (c *Conn) closeNow() error {
	if c.closed {
		return nil
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	for _, h := range hooks {
		h()
	}
	return unix.Close(c.Fd)
}
