package control

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

type fakeHandler struct {
	got  Request
	resp Response
}

func (h *fakeHandler) Handle(req Request) Response {
	h.got = req
	return h.resp
}

func TestServer_Dispatch_CallsHandlerDirectly(t *testing.T) {
	h := &fakeHandler{resp: Response{OK: true, CorrelationId: 42}}
	s := New("", h, nil)

	resp := s.Dispatch(Request{Op: "routeServer", SourceName: "tcp.in"})
	if !resp.OK || resp.CorrelationId != 42 {
		t.Fatalf("resp = %+v, want OK with CorrelationId 42", resp)
	}
	if h.got.Op != "routeServer" || h.got.SourceName != "tcp.in" {
		t.Fatalf("handler saw %+v, want the dispatched request", h.got)
	}
}

func TestServer_ListenAndServe_RoundTripsJSON(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "control.sock")
	h := &fakeHandler{resp: Response{OK: true, CorrelationId: 7}}
	s := New(sock, h, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()
	defer s.Close()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	defer conn.Close()

	req := Request{Op: "routeClient", SourceName: "tcp.out", SourceRef: 9, TargetName: "upstream", Port: 80, Address: "10.0.0.1"}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		t.Fatalf("encode request: %v", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response line: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.OK || resp.CorrelationId != 7 {
		t.Fatalf("resp = %+v, want OK with CorrelationId 7", resp)
	}
	if h.got.Op != "routeClient" || h.got.SourceRef != 9 || h.got.Address != "10.0.0.1" {
		t.Fatalf("handler saw %+v, want the round-tripped request", h.got)
	}
}

func TestServer_ListenAndServe_MalformedLineReturnsError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "control.sock")
	h := &fakeHandler{resp: Response{OK: true}}
	s := New(sock, h, nil)

	go s.ListenAndServe()
	defer s.Close()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response line: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("resp.Error is empty, want a decode error message")
	}
}
