package stream

import (
	"errors"

	"code.hybscloud.com/iox"

	"code.hybscloud.com/tcpnukleus/internal/pool"
	"code.hybscloud.com/tcpnukleus/internal/reactor"
	"code.hybscloud.com/tcpnukleus/internal/wire"
)

// WriteState is WriteStream's lifecycle:
// CONNECTED -> WRITING -> PENDING (partial) -> WRITING -> ... -> HALF_CLOSED_IN -> CLOSED.
type WriteState uint8

const (
	WriteConnected WriteState = iota
	WritePending
	WriteHalfClosedIn
	WriteClosed
)

// Throttle receives the frames a WriteStream emits back toward whichever
// side is producing its DATA: WINDOW to grant more send credit, RESET to
// abortively tear the stream down.
type Throttle interface {
	Window(streamId uint64, credit int32) error
	Reset(streamId uint64) error
}

// Overflows counts slot-pool exhaustion events process-wide.
type Overflows interface {
	Inc()
}

// WriteStream drains DATA frames arriving from downstream into one TCP
// connection's write direction, buffering the unwritten tail of a partial
// write in a pool slot and spin-retrying transient EAGAIN.
type WriteStream struct {
	streamId uint64
	throttle Throttle
	conn     Socket
	key      *reactor.Key
	pool     *pool.Pool
	overflow Overflows
	spins    int

	hasPending         bool
	pendingSlot        pool.SlotID
	pendingOffset      uint32
	pendingLength      uint32
	drainedSinceWindow uint32

	endDeferred   bool
	resetDeferred bool
	state         WriteState

	peer peer
}

// NewWriteStream creates a WriteStream for streamId over conn. spinCount is
// WRITE_SPIN_COUNT, the total number of write attempts (the first included)
// made while the socket reports EAGAIN before the remainder is buffered in
// a slot.
func NewWriteStream(streamId uint64, throttle Throttle, conn Socket, p *pool.Pool, overflow Overflows, spinCount int) *WriteStream {
	return &WriteStream{
		streamId: streamId,
		throttle: throttle,
		conn:     conn,
		pool:     p,
		overflow: overflow,
		spins:    spinCount,
		state:    WriteConnected,
	}
}

// Attach binds the poller key that watches this stream's fd. Unlike
// ReadStream, WriteStream's key may be registered lazily — OP_WRITE is only
// needed once a partial write buffers a slot — so Attach may be called with
// a key whose OP_WRITE interest starts disabled.
func (ws *WriteStream) Attach(key *reactor.Key) { ws.key = key }

// SetPeer wires ws to the ReadStream sharing its connection.
func (ws *WriteStream) SetPeer(p peer) { ws.peer = p }

// StreamID returns the id downstream uses when sending this stream DATA.
func (ws *WriteStream) StreamID() uint64 { return ws.streamId }

// State reports the current lifecycle state.
func (ws *WriteStream) State() WriteState { return ws.state }

// HandleData processes one DATA frame arriving from downstream.
func (ws *WriteStream) HandleData(d *wire.Data) error {
	if ws.state == WriteClosed || ws.endDeferred {
		// DATA after END is a protocol violation (spec §8 scenario 5).
		return ws.protocolViolation()
	}
	if ws.hasPending {
		return ws.appendPending(d.Payload)
	}
	n, err := ws.writeSpin(d.Payload)
	if err != nil {
		return ws.onWriteError(err)
	}
	if n == len(d.Payload) {
		return ws.throttle.Window(ws.streamId, int32(n))
	}
	return ws.bufferRemainder(d.Payload[n:], n)
}

// HandleEnd processes an END frame arriving from downstream.
func (ws *WriteStream) HandleEnd() error {
	if ws.hasPending {
		ws.endDeferred = true
		ws.state = WriteHalfClosedIn
		return nil
	}
	return ws.shutdownAndClose()
}

// HandleAbort processes an ABORT frame arriving from downstream. The
// spec's §4.H contract only names END and RESET explicitly; ABORT is
// treated as an immediate abortive close rather than a graceful half-close,
// matching ABORT's meaning everywhere else in the frame surface.
func (ws *WriteStream) HandleAbort() error {
	ws.abortiveClose()
	return nil
}

// HandleReset processes a RESET frame arriving from downstream.
func (ws *WriteStream) HandleReset() error {
	if ws.hasPending {
		ws.resetDeferred = true
		return nil
	}
	ws.abortiveClose()
	return nil
}

// HandleWrite is the OP_WRITE handler registered on ws.key once a partial
// write has buffered a slot.
func (ws *WriteStream) HandleWrite() (int, error) {
	if !ws.hasPending {
		return 0, nil
	}
	buf := ws.pool.Bytes(ws.pendingSlot)
	region := buf[ws.pendingOffset : ws.pendingOffset+ws.pendingLength]
	n, err := ws.conn.Write(region)
	if err != nil {
		if errors.Is(err, iox.ErrWouldBlock) {
			return 0, nil
		}
		return 0, ws.onWriteError(err)
	}
	ws.pendingOffset += uint32(n)
	ws.pendingLength -= uint32(n)
	ws.drainedSinceWindow += uint32(n)
	if ws.pendingLength > 0 {
		return n, nil
	}
	ws.pool.Release(ws.pendingSlot)
	ws.hasPending = false
	ws.pendingOffset = 0
	ws.pendingLength = 0
	if err := ws.key.Disable(reactor.OpWrite); err != nil {
		return n, err
	}
	drained := ws.drainedSinceWindow
	ws.drainedSinceWindow = 0
	if drained > 0 {
		if err := ws.throttle.Window(ws.streamId, int32(drained)); err != nil {
			return n, err
		}
	}
	if ws.resetDeferred {
		ws.abortiveClose()
		return n, nil
	}
	if ws.endDeferred {
		return n, ws.shutdownAndClose()
	}
	ws.state = WriteConnected
	return n, nil
}

// writeSpin attempts a single write, retrying while the socket reports
// iox.ErrWouldBlock, for at most ws.spins attempts in all (spec §4.H.2 — the spec's "zero
// return" describes the Java NIO idiom this adapter's teacher used non-
// blocking channels for; on a raw fd the equivalent transient signal is
// EAGAIN, not a zero-length write).
func (ws *WriteStream) writeSpin(payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	for attempt := 0; attempt < ws.spins; attempt++ {
		n, err := ws.conn.Write(payload)
		if err != nil {
			if errors.Is(err, iox.ErrWouldBlock) {
				continue
			}
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
	}
	return 0, nil
}

// bufferRemainder copies payload's unwritten suffix into a fresh pool slot.
// alreadyWritten bytes were already accepted by the kernel for this DATA
// frame but not yet credited with a WINDOW; they are credited together
// with the slot's drain once it fully flushes.
func (ws *WriteStream) bufferRemainder(remainder []byte, alreadyWritten int) error {
	slot, ok := ws.pool.Acquire()
	if !ok {
		ws.overflow.Inc()
		_ = ws.throttle.Reset(ws.streamId)
		ws.abortiveClose()
		return nil
	}
	dst := ws.pool.Bytes(slot)
	if len(remainder) > len(dst) {
		// A single DATA frame (max 2^16-1 bytes) never exceeds a correctly
		// sized slot; this would indicate a misconfigured pool.
		ws.pool.Release(slot)
		ws.overflow.Inc()
		_ = ws.throttle.Reset(ws.streamId)
		ws.abortiveClose()
		return nil
	}
	n := copy(dst, remainder)
	ws.pendingSlot = slot
	ws.pendingOffset = 0
	ws.pendingLength = uint32(n)
	ws.drainedSinceWindow = uint32(alreadyWritten)
	ws.hasPending = true
	ws.state = WritePending
	return ws.key.Enable(reactor.OpWrite)
}

// appendPending appends newly arrived DATA onto an already-buffered
// partial write (spec §8 scenario 3: a second DATA frame deferred until
// the first's slot finishes draining).
func (ws *WriteStream) appendPending(payload []byte) error {
	dst := ws.pool.Bytes(ws.pendingSlot)
	free := len(dst) - int(ws.pendingOffset+ws.pendingLength)
	if len(payload) > free {
		ws.overflow.Inc()
		_ = ws.throttle.Reset(ws.streamId)
		ws.abortiveClose()
		return nil
	}
	copy(dst[ws.pendingOffset+ws.pendingLength:], payload)
	ws.pendingLength += uint32(len(payload))
	return nil
}

func (ws *WriteStream) onWriteError(err error) error {
	// Socket write error (spec §7): emit RESET on throttle, abortive close.
	_ = err
	_ = ws.throttle.Reset(ws.streamId)
	ws.abortiveClose()
	return nil
}

func (ws *WriteStream) protocolViolation() error {
	_ = ws.throttle.Reset(ws.streamId)
	ws.abortiveClose()
	return nil
}

func (ws *WriteStream) shutdownAndClose() error {
	ws.state = WriteClosed
	_ = ws.conn.ShutdownWrite()
	if ws.key != nil {
		ws.key.Cancel()
	}
	ws.conn.MarkWriteDone()
	return nil
}

// abortiveClose is the RESET/overflow/protocol-violation path: it closes
// the whole connection immediately and propagates to the sibling
// ReadStream exactly once.
func (ws *WriteStream) abortiveClose() {
	if ws.state == WriteClosed {
		return
	}
	if ws.hasPending {
		ws.pool.Release(ws.pendingSlot)
		ws.hasPending = false
	}
	ws.state = WriteClosed
	if ws.key != nil {
		ws.key.Cancel()
	}
	_ = ws.conn.CloseAbortive()
	if p := ws.peer; p != nil {
		ws.peer = nil
		p.peerAbort()
	}
}

// peerAbort implements peer: invoked by the sibling ReadStream when it
// tears down the shared connection.
func (ws *WriteStream) peerAbort() { ws.abortiveClose() }
