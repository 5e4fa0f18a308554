package stream

import (
	"errors"

	"code.hybscloud.com/iox"

	"code.hybscloud.com/tcpnukleus/internal/reactor"
	"code.hybscloud.com/tcpnukleus/internal/wire"
)

// ReadState is ReadStream's lifecycle: OPEN -> HALF_CLOSED_OUT -> CLOSED.
// This adapter collapses HALF_CLOSED_OUT into the END emission itself —
// there is no window during which a ReadStream has emitted END but is
// still otherwise live — so the exported states are OPEN and CLOSED; the
// named constant is kept for readers matching it against the state
// machine's defined names.
type ReadState uint8

const (
	ReadOpen ReadState = iota
	ReadHalfClosedOut
	ReadClosed
)

// Target receives the frames a ReadStream emits toward the downstream
// fabric: BEGIN at stream creation (sent once, by the factory, not by
// ReadStream itself), DATA for socket bytes, and END at EOF.
type Target interface {
	Data(d *wire.Data) error
	End(streamId uint64) error
}

// peer is the non-owning reference a ReadStream and its sibling WriteStream
// hold on each other so that an abortive close on either side tears down
// both, per spec §9's cyclic-wiring design note. Each side nulls its own
// reference before invoking the other's, so a round trip terminates.
type peer interface {
	peerAbort()
}

// ReadStream drains bytes from one TCP connection's read direction into
// DATA frames under a credit window.
type ReadStream struct {
	streamId uint64
	target   Target
	conn     Socket
	key      *reactor.Key

	readBuffer []byte
	window     uint32
	state      ReadState

	// endDeferred guards against emitting a second END if HandleRead or
	// HandleReset is re-entered after the stream has already observed its
	// closing condition but before key cancellation has taken effect.
	endDeferred bool

	peer peer
}

// NewReadStream creates a ReadStream for streamId over conn, with an
// initial credit window and a fixed-size read buffer.
func NewReadStream(streamId uint64, target Target, conn Socket, initialWindow uint32, bufCap int) *ReadStream {
	return &ReadStream{
		streamId:   streamId,
		target:     target,
		conn:       conn,
		readBuffer: make([]byte, bufCap),
		window:     initialWindow,
		state:      ReadOpen,
	}
}

// Attach binds the poller key that watches this stream's fd for OP_READ.
// Called once by the factory after registration.
func (rs *ReadStream) Attach(key *reactor.Key) {
	rs.key = key
	if rs.window == 0 {
		_ = key.Disable(reactor.OpRead)
	}
}

// SetPeer wires rs to the WriteStream sharing its connection.
func (rs *ReadStream) SetPeer(p peer) { rs.peer = p }

// StreamID returns the downstream-facing stream id this ReadStream emits
// DATA and END under.
func (rs *ReadStream) StreamID() uint64 { return rs.streamId }

// State reports the current lifecycle state.
func (rs *ReadStream) State() ReadState { return rs.state }

// HandleRead is the OP_READ handler registered on rs.key. It performs at
// most one read(2) per call, matching the reactor's one-handler-call per
// ready event dispatch.
func (rs *ReadStream) HandleRead() (int, error) {
	if rs.state != ReadOpen {
		return 0, nil
	}
	max := rs.window
	if uint32(len(rs.readBuffer)) < max {
		max = uint32(len(rs.readBuffer))
	}
	if max == 0 {
		// Defensive: OP_READ should already be disabled when window hits 0.
		return 0, nil
	}
	n, err := rs.conn.Read(rs.readBuffer[:max])
	if err != nil {
		if errors.Is(err, iox.ErrWouldBlock) {
			return 0, nil
		}
		// IOException on read is treated identically to EOF (spec §4.G):
		// an abortive peer close surfaces as a platform error here, but is
		// semantically a graceful end of input for the downstream reader.
		rs.closeGraceful()
		return 0, nil
	}
	if n == 0 {
		rs.closeGraceful()
		return 0, nil
	}
	payload := append([]byte(nil), rs.readBuffer[:n]...)
	if err := rs.target.Data(&wire.Data{StreamId: rs.streamId, Payload: payload}); err != nil {
		return n, err
	}
	rs.window -= uint32(n)
	if rs.window == 0 {
		if err := rs.key.Disable(reactor.OpRead); err != nil {
			return n, err
		}
	}
	return n, nil
}

// HandleWindow applies a WINDOW frame arriving from downstream, granting
// rs additional send credit.
func (rs *ReadStream) HandleWindow(credit int32) error {
	if rs.state != ReadOpen {
		return nil
	}
	if credit < 0 {
		// A negative credit is a protocol error (spec §9 open question,
		// resolved): treat it as a RESET condition.
		rs.HandleReset()
		return nil
	}
	wasZero := rs.window == 0
	rs.window += uint32(credit)
	if wasZero && rs.window > 0 {
		return rs.key.Enable(reactor.OpRead)
	}
	return nil
}

// HandleReset processes a RESET frame arriving from downstream: the
// connection is torn down abortively.
func (rs *ReadStream) HandleReset() error {
	rs.abortiveClose()
	return nil
}

// closeGraceful handles EOF and IOException: emit END, cancel the key, and
// mark the read half of the shared connection done (not necessarily
// closing the fd — the write half may still be draining).
func (rs *ReadStream) closeGraceful() {
	if rs.endDeferred {
		return
	}
	rs.endDeferred = true
	rs.state = ReadClosed
	if rs.key != nil {
		rs.key.Cancel()
	}
	rs.conn.MarkReadDone()
	_ = rs.target.End(rs.streamId)
}

// abortiveClose is the RESET path: it closes the whole connection
// immediately rather than waiting for the write half to drain, and
// propagates to the sibling WriteStream exactly once.
func (rs *ReadStream) abortiveClose() {
	if rs.state == ReadClosed {
		return
	}
	rs.state = ReadClosed
	rs.endDeferred = true
	if rs.key != nil {
		rs.key.Cancel()
	}
	_ = rs.conn.CloseAbortive()
	if p := rs.peer; p != nil {
		rs.peer = nil
		p.peerAbort()
	}
}

// peerAbort implements peer: invoked by the sibling WriteStream when it
// tears down the shared connection.
func (rs *ReadStream) peerAbort() { rs.abortiveClose() }
