package stream

import (
	"testing"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/iox"

	"code.hybscloud.com/tcpnukleus/internal/pool"
	"code.hybscloud.com/tcpnukleus/internal/reactor"
	"code.hybscloud.com/tcpnukleus/internal/wire"
)

// fakeSocket replaces *Conn in these tests so partial writes, spin
// exhaustion, and socket errors can be driven deterministically instead of
// racing real kernel buffers.
type fakeSocket struct {
	writeQueue []writeResult
	writeCalls [][]byte

	readQueue []readResult

	shutdownWriteCalled bool
	closeAbortiveCalled bool
	readDone, writeDone bool
}

type writeResult struct {
	n   int
	err error
}

type readResult struct {
	data []byte
	err  error
}

func (f *fakeSocket) Write(buf []byte) (int, error) {
	if len(f.writeQueue) == 0 {
		f.writeCalls = append(f.writeCalls, append([]byte(nil), buf...))
		return len(buf), nil
	}
	r := f.writeQueue[0]
	f.writeQueue = f.writeQueue[1:]
	if r.err != nil {
		return 0, r.err
	}
	f.writeCalls = append(f.writeCalls, append([]byte(nil), buf[:r.n]...))
	return r.n, nil
}

func (f *fakeSocket) Read(buf []byte) (int, error) {
	if len(f.readQueue) == 0 {
		return 0, iox.ErrWouldBlock
	}
	r := f.readQueue[0]
	f.readQueue = f.readQueue[1:]
	if r.err != nil {
		return 0, r.err
	}
	return copy(buf, r.data), nil
}

func (f *fakeSocket) ShutdownWrite() error { f.shutdownWriteCalled = true; return nil }
func (f *fakeSocket) CloseAbortive() error { f.closeAbortiveCalled = true; return nil }
func (f *fakeSocket) MarkReadDone()        { f.readDone = true }
func (f *fakeSocket) MarkWriteDone()       { f.writeDone = true }

func (f *fakeSocket) writtenBytes() []byte {
	var out []byte
	for _, c := range f.writeCalls {
		out = append(out, c...)
	}
	return out
}

type fakeTarget struct {
	data  []*wire.Data
	ended []uint64
}

func (t *fakeTarget) Data(d *wire.Data) error { t.data = append(t.data, d); return nil }
func (t *fakeTarget) End(streamId uint64) error {
	t.ended = append(t.ended, streamId)
	return nil
}

type fakeThrottle struct {
	windows []int32
	resets  []uint64
}

func (th *fakeThrottle) Window(streamId uint64, credit int32) error {
	th.windows = append(th.windows, credit)
	return nil
}

func (th *fakeThrottle) Reset(streamId uint64) error {
	th.resets = append(th.resets, streamId)
	return nil
}

func (th *fakeThrottle) totalWindow() int32 {
	var sum int32
	for _, c := range th.windows {
		sum += c
	}
	return sum
}

type fakeOverflow struct{ n int }

func (o *fakeOverflow) Inc() { o.n++ }

// newTestKey returns a live reactor.Key backed by a real socketpair fd, so
// Enable/Disable/Cancel exercise real epoll_ctl calls even though the
// stream under test never drives I/O through this fd directly.
func newTestKey(t *testing.T) *reactor.Key {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	p, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	key, err := p.Register(fds[0], reactor.OpRead, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return key
}

func TestWriteStream_PartialWriteWithSpinRecovery(t *testing.T) {
	sock := &fakeSocket{writeQueue: []writeResult{
		{err: iox.ErrWouldBlock},
		{err: iox.ErrWouldBlock},
		{err: iox.ErrWouldBlock},
		{n: 11},
	}}
	throttle := &fakeThrottle{}
	overflow := &fakeOverflow{}
	pl := pool.New(4, 64)
	ws := NewWriteStream(1, throttle, sock, pl, overflow, 4)
	ws.Attach(newTestKey(t))

	payload := []byte("server data")
	if err := ws.HandleData(&wire.Data{StreamId: 1, Payload: payload}); err != nil {
		t.Fatalf("HandleData: %v", err)
	}

	if string(sock.writtenBytes()) != "server data" {
		t.Fatalf("peer received %q, want %q", sock.writtenBytes(), "server data")
	}
	if overflow.n != 0 {
		t.Fatalf("overflow counted %d times, want 0", overflow.n)
	}
	if len(throttle.windows) != 1 || throttle.windows[0] != 11 {
		t.Fatalf("windows = %v, want [11]", throttle.windows)
	}
	if ws.hasPending {
		t.Fatal("expected no pending slot after spin recovery")
	}
}

func TestWriteStream_PartialWriteRequiresBuffering(t *testing.T) {
	payload := []byte("server data") // 11 bytes
	sock := &fakeSocket{writeQueue: []writeResult{{n: 5}}}
	throttle := &fakeThrottle{}
	overflow := &fakeOverflow{}
	pl := pool.New(4, 64)
	ws := NewWriteStream(1, throttle, sock, pl, overflow, 4)
	ws.Attach(newTestKey(t))

	if err := ws.HandleData(&wire.Data{StreamId: 1, Payload: payload}); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if !ws.hasPending {
		t.Fatal("expected a pending slot after a partial write")
	}
	if len(throttle.windows) != 0 {
		t.Fatalf("window emitted before drain completed: %v", throttle.windows)
	}

	sock.writeQueue = append(sock.writeQueue, writeResult{n: int(ws.pendingLength)})
	if _, err := ws.HandleWrite(); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}

	if string(sock.writtenBytes()) != string(payload) {
		t.Fatalf("peer received %q, want %q", sock.writtenBytes(), payload)
	}
	if throttle.totalWindow() != int32(len(payload)) {
		t.Fatalf("total window = %d, want %d", throttle.totalWindow(), len(payload))
	}
	if ws.hasPending {
		t.Fatal("expected slot released after full drain")
	}
	if pl.InUse() != 0 {
		t.Fatalf("pool still has %d slots in use", pl.InUse())
	}
}

func TestWriteStream_MultiplePartialWritesAcrossFrames(t *testing.T) {
	frame1 := []byte("server data 1")
	frame2 := []byte("server data 2")
	sock := &fakeSocket{writeQueue: []writeResult{{n: 5}}} // only frame1's first write is partial
	throttle := &fakeThrottle{}
	overflow := &fakeOverflow{}
	pl := pool.New(4, 64)
	ws := NewWriteStream(1, throttle, sock, pl, overflow, 4)
	ws.Attach(newTestKey(t))

	if err := ws.HandleData(&wire.Data{StreamId: 1, Payload: frame1}); err != nil {
		t.Fatalf("HandleData frame1: %v", err)
	}
	if !ws.hasPending {
		t.Fatal("expected frame1's remainder buffered")
	}

	// frame2 arrives while frame1's slot is still draining; per scenario 3
	// it must be appended to the same pending slot, not written directly.
	if err := ws.HandleData(&wire.Data{StreamId: 1, Payload: frame2}); err != nil {
		t.Fatalf("HandleData frame2: %v", err)
	}
	if len(sock.writeCalls) != 1 {
		t.Fatalf("frame2 should not have hit the socket yet, got %d write calls", len(sock.writeCalls))
	}

	sock.writeQueue = append(sock.writeQueue, writeResult{n: int(ws.pendingLength)})
	if _, err := ws.HandleWrite(); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}

	want := string(frame1) + string(frame2)
	if string(sock.writtenBytes()) != want {
		t.Fatalf("peer received %q, want %q", sock.writtenBytes(), want)
	}
	if throttle.totalWindow() != int32(len(frame1)+len(frame2)) {
		t.Fatalf("total window = %d, want %d", throttle.totalWindow(), len(frame1)+len(frame2))
	}
}

func TestWriteStream_EndOfStreamWithPendingWrite(t *testing.T) {
	payload := []byte("server data")
	sock := &fakeSocket{writeQueue: []writeResult{{n: 5}}}
	throttle := &fakeThrottle{}
	overflow := &fakeOverflow{}
	pl := pool.New(4, 64)
	ws := NewWriteStream(1, throttle, sock, pl, overflow, 4)
	ws.Attach(newTestKey(t))

	if err := ws.HandleData(&wire.Data{StreamId: 1, Payload: payload}); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if err := ws.HandleEnd(); err != nil {
		t.Fatalf("HandleEnd: %v", err)
	}
	if !ws.endDeferred {
		t.Fatal("expected END deferred until drain completes")
	}
	if sock.shutdownWriteCalled {
		t.Fatal("shutdown must wait for the pending slot to drain")
	}

	sock.writeQueue = append(sock.writeQueue, writeResult{n: int(ws.pendingLength)})
	if _, err := ws.HandleWrite(); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}

	if !sock.shutdownWriteCalled {
		t.Fatal("expected output shutdown once the deferred END's drain completed")
	}
	if len(throttle.resets) != 0 {
		t.Fatalf("expected no RESET for a graceful end, got %v", throttle.resets)
	}
	if ws.State() != WriteClosed {
		t.Fatalf("state = %v, want WriteClosed", ws.State())
	}
}

func TestWriteStream_DataAfterEndIsProtocolViolation(t *testing.T) {
	sock := &fakeSocket{}
	throttle := &fakeThrottle{}
	overflow := &fakeOverflow{}
	pl := pool.New(4, 64)
	ws := NewWriteStream(1, throttle, sock, pl, overflow, 4)
	ws.Attach(newTestKey(t))

	first := []byte("server data")
	if err := ws.HandleData(&wire.Data{StreamId: 1, Payload: first}); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if err := ws.HandleEnd(); err != nil {
		t.Fatalf("HandleEnd: %v", err)
	}
	if !sock.shutdownWriteCalled {
		t.Fatal("expected immediate shutdown: no pending slot at END")
	}

	late := []byte("too late")
	if err := ws.HandleData(&wire.Data{StreamId: 1, Payload: late}); err != nil {
		t.Fatalf("HandleData (late): %v", err)
	}

	if len(throttle.resets) != 1 || throttle.resets[0] != 1 {
		t.Fatalf("resets = %v, want [1]", throttle.resets)
	}
	if sock.closeAbortiveCalled {
		t.Fatal("the write side already sent FIN at END; the late DATA must not turn it into an abortive close")
	}
	if string(sock.writtenBytes()) != string(first) {
		t.Fatalf("peer received %q, want only %q", sock.writtenBytes(), first)
	}
}

func TestWriteStream_SlotExhaustionIncrementsOverflow(t *testing.T) {
	sock := &fakeSocket{writeQueue: []writeResult{{n: 2}}}
	throttle := &fakeThrottle{}
	overflow := &fakeOverflow{}
	pl := pool.New(0, 64) // no slots available
	ws := NewWriteStream(1, throttle, sock, pl, overflow, 4)
	ws.Attach(newTestKey(t))

	if err := ws.HandleData(&wire.Data{StreamId: 1, Payload: []byte("server data")}); err != nil {
		t.Fatalf("HandleData: %v", err)
	}

	if overflow.n != 1 {
		t.Fatalf("overflow = %d, want 1", overflow.n)
	}
	if len(throttle.resets) != 1 {
		t.Fatalf("resets = %v, want one entry", throttle.resets)
	}
	if !sock.closeAbortiveCalled {
		t.Fatal("expected abortive close on slot exhaustion")
	}
}

func TestWriteStream_SocketWriteErrorResets(t *testing.T) {
	sock := &fakeSocket{writeQueue: []writeResult{{err: unix.EPIPE}}}
	throttle := &fakeThrottle{}
	overflow := &fakeOverflow{}
	pl := pool.New(4, 64)
	ws := NewWriteStream(1, throttle, sock, pl, overflow, 4)
	ws.Attach(newTestKey(t))

	if err := ws.HandleData(&wire.Data{StreamId: 1, Payload: []byte("x")}); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if len(throttle.resets) != 1 {
		t.Fatalf("resets = %v, want one entry", throttle.resets)
	}
	if !sock.closeAbortiveCalled {
		t.Fatal("expected abortive close on socket write error")
	}
}

func TestReadStream_EmitsDataAndTracksWindow(t *testing.T) {
	sock := &fakeSocket{readQueue: []readResult{{data: []byte("hello")}}}
	target := &fakeTarget{}
	rs := NewReadStream(1, target, sock, 5, 64)
	rs.Attach(newTestKey(t))

	if _, err := rs.HandleRead(); err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if len(target.data) != 1 || string(target.data[0].Payload) != "hello" {
		t.Fatalf("target.data = %v, want one frame carrying %q", target.data, "hello")
	}
	if rs.window != 0 {
		t.Fatalf("window = %d, want 0 after exhausting initial credit", rs.window)
	}
	if rs.key.Interested(reactor.OpRead) {
		t.Fatal("expected OP_READ disabled once window reaches 0")
	}

	if err := rs.HandleWindow(5); err != nil {
		t.Fatalf("HandleWindow: %v", err)
	}
	if !rs.key.Interested(reactor.OpRead) {
		t.Fatal("expected OP_READ re-enabled once window becomes positive")
	}
}

func TestReadStream_EOFEmitsEndAndClosesGracefully(t *testing.T) {
	sock := &fakeSocket{readQueue: []readResult{{data: nil}}} // n == 0 => EOF
	target := &fakeTarget{}
	rs := NewReadStream(7, target, sock, 64, 64)
	rs.Attach(newTestKey(t))

	if _, err := rs.HandleRead(); err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if len(target.ended) != 1 || target.ended[0] != 7 {
		t.Fatalf("ended = %v, want [7]", target.ended)
	}
	if rs.State() != ReadClosed {
		t.Fatalf("state = %v, want ReadClosed", rs.State())
	}
	if !sock.readDone {
		t.Fatal("expected conn notified that the read side is done")
	}
	if sock.closeAbortiveCalled {
		t.Fatal("a graceful EOF must not abortively close the connection")
	}
}

func TestReadStream_AbortivePeerCloseIsTreatedAsGracefulEnd(t *testing.T) {
	// Scenario 6: the peer sets SO_LINGER=0 and closes; our read observes
	// an IOException (ECONNRESET), which this adapter treats identically
	// to EOF, emitting END rather than ABORT.
	sock := &fakeSocket{readQueue: []readResult{{err: unix.ECONNRESET}}}
	target := &fakeTarget{}
	rs := NewReadStream(3, target, sock, 64, 64)
	rs.Attach(newTestKey(t))

	if _, err := rs.HandleRead(); err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if len(target.ended) != 1 {
		t.Fatalf("ended = %v, want one END", target.ended)
	}
	if rs.State() != ReadClosed {
		t.Fatalf("state = %v, want ReadClosed", rs.State())
	}
}

func TestWriteStream_DataAfterPeerAbortResets(t *testing.T) {
	// Second half of scenario 6: once the shared socket is dead, a DATA
	// frame still addressed to this stream's WriteStream fails the write
	// syscall and results in RESET, without any explicit cross-wiring.
	sock := &fakeSocket{writeQueue: []writeResult{{err: unix.ECONNRESET}}}
	throttle := &fakeThrottle{}
	overflow := &fakeOverflow{}
	pl := pool.New(4, 64)
	ws := NewWriteStream(3, throttle, sock, pl, overflow, 4)
	ws.Attach(newTestKey(t))

	if err := ws.HandleData(&wire.Data{StreamId: 3, Payload: []byte("late")}); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if len(throttle.resets) != 1 {
		t.Fatalf("resets = %v, want one entry", throttle.resets)
	}
}

func TestReadStream_ResetFromDownstreamAbortivelyClosesAndTearsDownPeer(t *testing.T) {
	sock := &fakeSocket{}
	target := &fakeTarget{}
	rs := NewReadStream(9, target, sock, 64, 64)
	rs.Attach(newTestKey(t))

	throttle := &fakeThrottle{}
	overflow := &fakeOverflow{}
	pl := pool.New(4, 64)
	ws := NewWriteStream(9, throttle, sock, pl, overflow, 4)
	ws.Attach(newTestKey(t))

	rs.SetPeer(ws)
	ws.SetPeer(rs)

	if err := rs.HandleReset(); err != nil {
		t.Fatalf("HandleReset: %v", err)
	}

	if rs.State() != ReadClosed {
		t.Fatalf("read state = %v, want ReadClosed", rs.State())
	}
	if ws.State() != WriteClosed {
		t.Fatalf("write state = %v, want WriteClosed (torn down via peer)", ws.State())
	}
	if !sock.closeAbortiveCalled {
		t.Fatal("expected abortive close")
	}
}
