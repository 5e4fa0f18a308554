package fabric

import "code.hybscloud.com/tcpnukleus/internal/wire"

// Loop is an in-process Channel: frames sent on one endpoint are delivered
// synchronously into the other endpoint's receiver, on the caller's own
// goroutine. This is valid because the whole adapter runs on one reactor
// goroutine and a Loop pair's two endpoints belong to the same reactor.
type Loop struct {
	peer   *Loop
	recv   func(wire.Frame)
	closed bool
}

// NewLoopPair returns two Loop endpoints wired to each other.
func NewLoopPair() (*Loop, *Loop) {
	a := &Loop{}
	b := &Loop{}
	a.peer = b
	b.peer = a
	return a, b
}

// Send delivers f to the peer endpoint's receiver, if one is installed.
func (l *Loop) Send(f wire.Frame) error {
	if l.closed {
		return ErrClosed
	}
	if l.peer != nil && !l.peer.closed && l.peer.recv != nil {
		l.peer.recv(f)
	}
	return nil
}

// Receive installs fn as the callback invoked when the peer sends a frame.
func (l *Loop) Receive(fn func(wire.Frame)) { l.recv = fn }

// Close marks the endpoint closed; further Sends from either side are
// no-ops or errors rather than panics.
func (l *Loop) Close() error {
	l.closed = true
	return nil
}

var _ Channel = (*Loop)(nil)
