// Package accept implements the Acceptor (spec component D): it owns
// listening sockets, drains accept(2) backlog on OP_READ readiness, and
// resolves each accepted peer against the route table before handing the
// fd off to the matching target's stream factory.
package accept

import (
	"golang.org/x/sys/unix"

	"code.hybscloud.com/tcpnukleus/internal/reactor"
	"code.hybscloud.com/tcpnukleus/internal/route"
	"code.hybscloud.com/tcpnukleus/internal/sockaddr"
)

// Handoff wires an accepted fd to the stream factory serving targetName.
// internal/nukleus implements this by dispatching to the Factory registered
// for that target.
type Handoff interface {
	Accept(targetName string, fd int, localAddr, remoteAddr string) error
}

// Acceptor owns one listening socket per bound local address for a source
// route and resolves accepted peers through a shared route.Table.
type Acceptor struct {
	poller     *reactor.Poller
	routes     *route.Table
	handoff    Handoff
	sourceName string
}

// New creates an Acceptor for sourceName, resolving accepted peers via
// routes and handing matches to handoff.
func New(poller *reactor.Poller, routes *route.Table, handoff Handoff, sourceName string) *Acceptor {
	return &Acceptor{poller: poller, routes: routes, handoff: handoff, sourceName: sourceName}
}

// Listen binds and registers a listening socket at sa, ref identifying this
// bind within the source for route resolution (spec's sourceRef). It
// returns the bound address, which differs from sa when sa.Port is 0.
func (a *Acceptor) Listen(sa unix.Sockaddr, ref uint64, backlog int) (unix.Sockaddr, error) {
	fd, err := unix.Socket(sockaddr.Domain(sa), unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	key, err := a.poller.Register(fd, reactor.OpRead, nil)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	key.SetHandler(reactor.OpRead, func() (int, error) { return a.acceptLoop(fd, ref) })
	return bound, nil
}

// acceptLoop drains every pending connection on listenFd, matching
// epoll/kqueue level-triggered readiness: readiness fires once per batch of
// arrivals, not once per connection.
func (a *Acceptor) acceptLoop(listenFd int, ref uint64) (int, error) {
	accepted := 0
	for {
		connFd, peer, err := unix.Accept(listenFd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return accepted, err
		}
		accepted++
		a.route(listenFd, connFd, ref, peer)
	}
	return accepted, nil
}

func (a *Acceptor) route(listenFd, connFd int, ref uint64, peer unix.Sockaddr) {
	ev := route.Event{SourceName: a.sourceName, SourceRef: ref, PeerIP: sockaddr.IP(peer)}
	rt, ok := a.routes.Resolve(ev)
	if !ok {
		unix.Close(connFd)
		return
	}

	local := ""
	if la, err := unix.Getsockname(connFd); err == nil {
		local = sockaddr.String(la)
	}
	remote := sockaddr.String(peer)

	if err := a.handoff.Accept(rt.TargetName, connFd, local, remote); err != nil {
		unix.Close(connFd)
	}
}
