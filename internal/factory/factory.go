// Package factory wires a newly accepted or newly connected TCP socket to
// a ReadStream/WriteStream pair (spec component I, "stream factory").
//
// A Factory is bound to exactly one downstream fabric.Channel: in this
// adapter's route model a channel represents one named downstream
// destination, and every stream the factory creates for that destination
// shares the channel's frame stream and stream-id namespace.
package factory

import (
	"errors"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/tcpnukleus/internal/connect"
	"code.hybscloud.com/tcpnukleus/internal/correlate"
	"code.hybscloud.com/tcpnukleus/internal/fabric"
	"code.hybscloud.com/tcpnukleus/internal/pool"
	"code.hybscloud.com/tcpnukleus/internal/reactor"
	"code.hybscloud.com/tcpnukleus/internal/stream"
	"code.hybscloud.com/tcpnukleus/internal/wire"
)

// ErrUnrouted is returned when a reply BEGIN names a correlation id the
// factory has no record of.
var ErrUnrouted = errors.New("factory: unknown correlation id")

// Config holds the per-stream tunables a Factory applies to every
// ReadStream/WriteStream it creates.
type Config struct {
	InitialReadWindow  uint32
	ReadBufferCap      int
	WriteSpinCount     int
	InitialWriteCredit int32

	// StreamCount, if set, is notified as each accepted or connected socket
	// opens and as its Conn is finally released, so a process-wide live
	// count can be kept accurate across every Factory.
	StreamCount StreamCounter
}

// StreamCounter receives open/close notifications for the sockets a Factory
// wires up, one pair per Conn regardless of how many ReadStream/WriteStream
// map entries that Conn backs.
type StreamCounter interface {
	StreamOpened()
	StreamClosed()
}

// pendingAccept is the live half of a Correlation entry: the socket and
// key a server-side accept set up while waiting for the matching reply
// BEGIN, per spec component F ("maps a correlation id to the socket and
// read-stream context awaiting its reply").
type pendingAccept struct {
	conn     *stream.Conn
	key      *reactor.Key
	targetId uint64
}

// Factory creates and tracks the ReadStream/WriteStream pairs for one
// downstream destination.
type Factory struct {
	sourceName string
	channel    fabric.Channel
	poller     *reactor.Poller
	pool       *pool.Pool
	overflow   stream.Overflows
	cfg        Config

	correlations *correlate.Registry
	pending      map[uint64]*pendingAccept // by correlation id
	nextStreamId uint64

	readStreams  map[uint64]*stream.ReadStream
	writeStreams map[uint64]*stream.WriteStream

	// dialer is set only on a connect-role Factory built by NewConnector;
	// its presence is what tells dispatch to treat an inbound BEGIN as a
	// connect request rather than a reply. connectRoutes maps a BEGIN's
	// ReferenceId (the routeClient sourceRef it names) to the fixed address
	// that sourceRef's connections dial, per spec's
	// "routeClient(sourceName, sourceRef, targetName, port, address)".
	dialer        *connect.Dialer
	connectRoutes map[uint64]unix.Sockaddr
}

// New creates an accept-role Factory bound to channel: every inbound BEGIN
// it sees is treated as the reply to one of its own OnAccepted calls.
// sourceName identifies the route this factory serves, for Correlation
// bookkeeping.
func New(sourceName string, channel fabric.Channel, poller *reactor.Poller, p *pool.Pool, overflow stream.Overflows, cfg Config) *Factory {
	f := newFactory(sourceName, channel, poller, p, overflow, cfg)
	channel.Receive(f.dispatch)
	return f
}

// NewConnector creates a connect-role Factory bound to channel: every
// inbound BEGIN it sees is a request to dial the address a prior
// AddConnectRoute registered for that BEGIN's ReferenceId (spec component
// E, "Connector"). The reply BEGIN path (onReplyBegin) is unused on this
// role; a client route has no accept-side counterpart awaiting a reply.
func NewConnector(sourceName string, channel fabric.Channel, poller *reactor.Poller, p *pool.Pool, overflow stream.Overflows, cfg Config, dialer *connect.Dialer) *Factory {
	f := newFactory(sourceName, channel, poller, p, overflow, cfg)
	f.dialer = dialer
	f.connectRoutes = make(map[uint64]unix.Sockaddr)
	channel.Receive(f.dispatch)
	return f
}

// AddConnectRoute registers sourceRef as dialing addr for every future
// BEGIN whose ReferenceId equals sourceRef. Only valid on a connect-role
// Factory.
func (f *Factory) AddConnectRoute(sourceRef uint64, addr unix.Sockaddr) {
	f.connectRoutes[sourceRef] = addr
}

// RemoveConnectRoute undoes AddConnectRoute.
func (f *Factory) RemoveConnectRoute(sourceRef uint64) {
	delete(f.connectRoutes, sourceRef)
}

func newFactory(sourceName string, channel fabric.Channel, poller *reactor.Poller, p *pool.Pool, overflow stream.Overflows, cfg Config) *Factory {
	return &Factory{
		sourceName:   sourceName,
		channel:      channel,
		poller:       poller,
		pool:         p,
		overflow:     overflow,
		cfg:          cfg,
		correlations: correlate.New(),
		pending:      make(map[uint64]*pendingAccept),
		readStreams:  make(map[uint64]*stream.ReadStream),
		writeStreams: make(map[uint64]*stream.WriteStream),
	}
}

func (f *Factory) allocStreamId() uint64 {
	f.nextStreamId++
	return f.nextStreamId
}

// OnAccepted wires a freshly accepted (or connected) fd to a new
// ReadStream and emits the opening BEGIN toward this factory's channel.
// On success, a pending Correlation is stored awaiting the matching reply
// BEGIN, which instantiates the WriteStream (see onReplyBegin).
func (f *Factory) OnAccepted(fd int, localAddr, remoteAddr string) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}
	conn := stream.NewConn(fd)
	targetId := f.allocStreamId()
	correlationId := f.correlations.NextID()

	rs := stream.NewReadStream(targetId, readTarget{f.channel}, conn, f.cfg.InitialReadWindow, f.cfg.ReadBufferCap)
	key, err := f.poller.Register(fd, reactor.OpRead, rs)
	if err != nil {
		_ = conn.CloseAbortive()
		return err
	}
	rs.Attach(key)
	key.SetHandler(reactor.OpRead, rs.HandleRead)

	f.readStreams[targetId] = rs
	f.correlations.Put(correlationId, correlate.Correlation{SourceName: f.sourceName, StreamId: targetId})
	f.pending[correlationId] = &pendingAccept{conn: conn, key: key, targetId: targetId}

	// A Correlation never outlives its socket: if the accept side closes
	// before the reply BEGIN arrives, this purges the pending entry instead
	// of leaving it to wait for a reply that can no longer be paired.
	conn.OnTeardown(func() {
		delete(f.readStreams, targetId)
		if _, ok := f.pending[correlationId]; ok {
			delete(f.pending, correlationId)
			f.correlations.Remove(correlationId)
		}
		if f.cfg.StreamCount != nil {
			f.cfg.StreamCount.StreamClosed()
		}
	})
	if f.cfg.StreamCount != nil {
		f.cfg.StreamCount.StreamOpened()
	}

	begin := &wire.Begin{
		StreamId:      targetId,
		ReferenceId:   0,
		CorrelationId: correlationId,
		LocalAddress:  localAddr,
		RemoteAddress: remoteAddr,
	}
	if err := f.channel.Send(begin); err != nil {
		// rs.HandleReset closes conn abortively, which runs the OnTeardown
		// hook above and purges the pending/correlation entries just added.
		rs.HandleReset()
		return err
	}
	return nil
}

// dispatch routes one frame arriving from the channel to the stream (or
// correlation bookkeeping) it concerns. Installed as the channel's
// Receive callback.
func (f *Factory) dispatch(fr wire.Frame) {
	switch v := fr.(type) {
	case *wire.Begin:
		if f.dialer != nil {
			f.onConnectRequest(v)
		} else {
			_ = f.onReplyBegin(v)
		}
	case *wire.Data:
		if ws, ok := f.writeStreams[v.StreamId]; ok {
			_ = ws.HandleData(v)
		}
	case *wire.End:
		if ws, ok := f.writeStreams[v.StreamId]; ok {
			_ = ws.HandleEnd()
		}
	case *wire.Abort:
		if ws, ok := f.writeStreams[v.StreamId]; ok {
			_ = ws.HandleAbort()
		}
	case *wire.Window:
		if rs, ok := f.readStreams[v.StreamId]; ok {
			_ = rs.HandleWindow(v.Credit)
		}
	case *wire.Reset:
		if rs, ok := f.readStreams[v.StreamId]; ok {
			_ = rs.HandleReset()
			return
		}
		if ws, ok := f.writeStreams[v.StreamId]; ok {
			_ = ws.HandleReset()
		}
	}
}

// onReplyBegin handles a BEGIN with sourceRef 0 (spec §4.I): it pairs with
// a pending server-side accept by correlation id, instantiates the
// WriteStream on the accept's already-registered poller key, and
// cross-wires the pair so RESET in either direction tears down both.
func (f *Factory) onReplyBegin(b *wire.Begin) error {
	corr, ok := f.correlations.Remove(b.CorrelationId)
	pa, hasPending := f.pending[b.CorrelationId]
	if !ok || !hasPending {
		if sendErr := f.channel.Send(&wire.Reset{StreamId: b.StreamId}); sendErr != nil {
			return sendErr
		}
		return ErrUnrouted
	}
	delete(f.pending, b.CorrelationId)

	ws := stream.NewWriteStream(b.StreamId, writeThrottle{f.channel}, pa.conn, f.pool, f.overflow, f.cfg.WriteSpinCount)
	ws.Attach(pa.key)
	pa.key.SetHandler(reactor.OpWrite, ws.HandleWrite)
	f.writeStreams[b.StreamId] = ws
	writeStreamId := b.StreamId
	pa.conn.OnTeardown(func() {
		delete(f.writeStreams, writeStreamId)
	})

	if rs, ok := f.readStreams[corr.StreamId]; ok {
		rs.SetPeer(ws)
		ws.SetPeer(rs)
	}

	// doConnected: announce the write side's readiness for DATA.
	return f.channel.Send(&wire.Window{StreamId: b.StreamId, Credit: f.cfg.InitialWriteCredit})
}

// onConnectRequest handles an inbound BEGIN on a connect-role Factory: it
// looks up the address routeClient registered for b's ReferenceId, dials
// it asynchronously, and wires the resulting socket once the Dialer
// reports completion.
func (f *Factory) onConnectRequest(b *wire.Begin) {
	addr, ok := f.connectRoutes[b.ReferenceId]
	if !ok {
		_ = f.channel.Send(&wire.Reset{StreamId: b.StreamId})
		return
	}
	if err := f.dialer.Dial(addr, func(fd int, err error) {
		if err != nil {
			_ = f.channel.Send(&wire.Reset{StreamId: b.StreamId})
			return
		}
		if err := f.onConnected(b, fd); err != nil {
			_ = f.channel.Send(&wire.Reset{StreamId: b.StreamId})
		}
	}); err != nil {
		_ = f.channel.Send(&wire.Reset{StreamId: b.StreamId})
	}
}

// onConnected wires a freshly established outbound connection to a
// WriteStream keyed at the requester's own stream id (b.StreamId is the id
// the requester will address its DATA to) and a newly allocated ReadStream
// for the return path, replying with a BEGIN that lets the requester
// correlate its connect request with the new read-stream id.
func (f *Factory) onConnected(b *wire.Begin, fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}
	conn := stream.NewConn(fd)
	rsId := f.allocStreamId()

	rs := stream.NewReadStream(rsId, readTarget{f.channel}, conn, f.cfg.InitialReadWindow, f.cfg.ReadBufferCap)
	key, err := f.poller.Register(fd, reactor.OpRead, rs)
	if err != nil {
		_ = conn.CloseAbortive()
		return err
	}
	rs.Attach(key)
	key.SetHandler(reactor.OpRead, rs.HandleRead)

	ws := stream.NewWriteStream(b.StreamId, writeThrottle{f.channel}, conn, f.pool, f.overflow, f.cfg.WriteSpinCount)
	ws.Attach(key)
	key.SetHandler(reactor.OpWrite, ws.HandleWrite)

	rs.SetPeer(ws)
	ws.SetPeer(rs)

	f.readStreams[rsId] = rs
	f.writeStreams[b.StreamId] = ws
	replyStreamId := b.StreamId
	conn.OnTeardown(func() {
		delete(f.readStreams, rsId)
		delete(f.writeStreams, replyStreamId)
		if f.cfg.StreamCount != nil {
			f.cfg.StreamCount.StreamClosed()
		}
	})
	if f.cfg.StreamCount != nil {
		f.cfg.StreamCount.StreamOpened()
	}

	reply := &wire.Begin{
		StreamId:      rsId,
		ReferenceId:   b.StreamId,
		CorrelationId: b.CorrelationId,
	}
	if err := f.channel.Send(reply); err != nil {
		rs.HandleReset()
		return err
	}
	return nil
}

// readTarget adapts a fabric.Channel to stream.Target.
type readTarget struct{ channel fabric.Channel }

func (t readTarget) Data(d *wire.Data) error   { return t.channel.Send(d) }
func (t readTarget) End(streamId uint64) error { return t.channel.Send(&wire.End{StreamId: streamId}) }

// writeThrottle adapts a fabric.Channel to stream.Throttle.
type writeThrottle struct{ channel fabric.Channel }

func (t writeThrottle) Window(streamId uint64, credit int32) error {
	return t.channel.Send(&wire.Window{StreamId: streamId, Credit: credit})
}

func (t writeThrottle) Reset(streamId uint64) error {
	return t.channel.Send(&wire.Reset{StreamId: streamId})
}
