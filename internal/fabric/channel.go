// Package fabric provides the Channel abstraction a stream factory wires
// ReadStreams and WriteStreams onto. The specification this adapter
// implements assumes a shared-memory ring-buffer transport to the rest of
// the system is given; this repository is standalone, so fabric supplies
// two concrete Channels that make it a complete, runnable system: Loop
// (in-process, for wiring two local routes together with no I/O at all)
// and Socket (a real non-blocking Unix domain socket, wire-encoded via
// internal/wire, for bridging to an out-of-process peer).
package fabric

import (
	"errors"

	"code.hybscloud.com/tcpnukleus/internal/wire"
)

// ErrClosed is returned by Send once a Channel has been closed.
var ErrClosed = errors.New("fabric: channel closed")

// Channel is the downstream-facing transport a ReadStream emits BEGIN/
// DATA/END frames onto and a WriteStream emits WINDOW/RESET frames onto
// (and the reverse, for the frames each receives).
type Channel interface {
	Send(f wire.Frame) error
	// Receive installs the callback invoked for every frame arriving from
	// the remote side. Only one receiver may be installed at a time.
	Receive(fn func(wire.Frame))
	Close() error
}
