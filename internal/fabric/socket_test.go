package fabric

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/tcpnukleus/internal/reactor"
	"code.hybscloud.com/tcpnukleus/internal/wire"
)

func TestSocket_RoundTripsFramesAcrossAPollerPair(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })

	p, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	a, err := NewSocket(p, fds[0])
	if err != nil {
		t.Fatalf("NewSocket a: %v", err)
	}
	b, err := NewSocket(p, fds[1])
	if err != nil {
		t.Fatalf("NewSocket b: %v", err)
	}

	var got []wire.Frame
	b.Receive(func(f wire.Frame) { got = append(got, f) })

	begin := &wire.Begin{StreamId: 1, ReferenceId: 2, CorrelationId: 3, LocalAddress: "127.0.0.1:1", RemoteAddress: "127.0.0.1:2"}
	if err := a.Send(begin); err != nil {
		t.Fatalf("Send begin: %v", err)
	}
	payload := make([]byte, 4000) // several KB, though still well under readChunk
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.Send(&wire.Data{StreamId: 1, Payload: payload}); err != nil {
		t.Fatalf("Send data: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		if _, err := p.PollOnce(50 * time.Millisecond); err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
	}

	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	gotBegin, ok := got[0].(*wire.Begin)
	if !ok || gotBegin.CorrelationId != 3 {
		t.Fatalf("first frame = %#v, want the BEGIN", got[0])
	}
	gotData, ok := got[1].(*wire.Data)
	if !ok || len(gotData.Payload) != len(payload) {
		t.Fatalf("second frame = %#v, want DATA of length %d", got[1], len(payload))
	}
}
