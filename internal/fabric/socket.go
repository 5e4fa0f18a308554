package fabric

import (
	"golang.org/x/sys/unix"

	"code.hybscloud.com/tcpnukleus/internal/reactor"
	"code.hybscloud.com/tcpnukleus/internal/wire"
)

// readChunk is the amount of new bytes pulled off the fd per readiness
// event; internal/wire.DecodeFrame handles reassembling a frame that spans
// several chunks.
const readChunk = 65536

// Socket is a Channel backed by a non-blocking Unix domain socket,
// registered on a reactor.Poller. Outbound frames are encoded with
// internal/wire and queued for partial-write recovery the same way
// WriteStream buffers a TCP DATA frame, except the queue here is a plain
// growable byte slice rather than a pool slot: fabric control traffic has
// no per-stream backpressure contract to honor.
type Socket struct {
	fd  int
	key *reactor.Key

	recv  func(wire.Frame)
	onErr func(error)

	outbox []byte
	inbox  []byte
	closed bool
}

// NewSocket registers fd (already connected, e.g. via unix.Socketpair or
// a Unix-domain accept) on poller and returns a Socket ready to Send once
// Receive has installed a handler for inbound frames.
func NewSocket(poller *reactor.Poller, fd int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	s := &Socket{fd: fd}
	key, err := poller.Register(fd, reactor.OpRead, s)
	if err != nil {
		return nil, err
	}
	s.key = key
	key.SetHandler(reactor.OpRead, s.handleRead)
	key.SetHandler(reactor.OpWrite, s.handleWrite)
	key.OnError(s.fail)
	return s, nil
}

// Receive installs fn as the callback invoked for every frame decoded off
// the socket.
func (s *Socket) Receive(fn func(wire.Frame)) { s.recv = fn }

// OnError installs fn as the callback invoked when the underlying fd
// fails (read/write error, including EOF).
func (s *Socket) OnError(fn func(error)) { s.onErr = fn }

// Send encodes f and writes as much as the socket currently accepts,
// buffering the remainder for the next OP_WRITE readiness.
func (s *Socket) Send(f wire.Frame) error {
	if s.closed {
		return ErrClosed
	}
	var err error
	s.outbox, err = wire.AppendFrame(s.outbox, f)
	if err != nil {
		return err
	}
	return s.flush()
}

func (s *Socket) flush() error {
	for len(s.outbox) > 0 {
		n, err := unix.Write(s.fd, s.outbox)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return s.key.Enable(reactor.OpWrite)
			}
			return err
		}
		s.outbox = s.outbox[n:]
	}
	return s.key.Disable(reactor.OpWrite)
}

func (s *Socket) handleWrite() (int, error) {
	if err := s.flush(); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Socket) handleRead() (int, error) {
	buf := make([]byte, readChunk)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, ErrClosed
	}
	s.inbox = append(s.inbox, buf[:n]...)
	for {
		f, consumed, err := wire.DecodeFrame(s.inbox)
		if err == wire.ErrShort {
			break
		}
		if err != nil {
			return n, err
		}
		s.inbox = s.inbox[consumed:]
		if s.recv != nil {
			s.recv(f)
		}
	}
	return n, nil
}

// Close releases the fd and cancels its poller key.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.key != nil {
		s.key.Cancel()
	}
	return unix.Close(s.fd)
}

func (s *Socket) fail(err error) {
	s.closed = true
	if s.onErr != nil {
		s.onErr(err)
	}
}

var _ Channel = (*Socket)(nil)
