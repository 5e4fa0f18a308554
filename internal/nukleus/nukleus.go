// Package nukleus wires the Poller, route Table, Acceptor, Connector, and
// per-target stream Factories into one instance, and exposes the four
// control operations (routeServer, routeClient, unrouteServer,
// unrouteClient) as a control.Handler.
package nukleus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"code.hybscloud.com/tcpnukleus/internal/accept"
	"code.hybscloud.com/tcpnukleus/internal/config"
	"code.hybscloud.com/tcpnukleus/internal/connect"
	"code.hybscloud.com/tcpnukleus/internal/control"
	"code.hybscloud.com/tcpnukleus/internal/fabric"
	"code.hybscloud.com/tcpnukleus/internal/factory"
	"code.hybscloud.com/tcpnukleus/internal/pool"
	"code.hybscloud.com/tcpnukleus/internal/reactor"
	"code.hybscloud.com/tcpnukleus/internal/route"
	"code.hybscloud.com/tcpnukleus/internal/sockaddr"
	"code.hybscloud.com/tcpnukleus/internal/stream"
)

const defaultBacklog = 128

// serverBind is the live state behind one routeServer sourceRef: the
// sourceRef of the Acceptor's listening socket plus how many routes
// currently reference it. The listening socket stays open when the count
// drops to zero.
type serverBind struct {
	sourceRef uint64
	refCount  int
}

// Nukleus is the top-level orchestrator for one reactor goroutine's worth
// of routes, streams, and control traffic.
type Nukleus struct {
	poller   *reactor.Poller
	routes   *route.Table
	pool     *pool.Pool
	overflow stream.Overflows
	counters interface {
		factory.StreamCounter
		SetRoutes(int)
	}
	logger *slog.Logger
	cfg    *config.Config
	dialer *connect.Dialer

	channels     map[string]fabric.Channel
	fabricDialer func(targetName string) (fabric.Channel, error)

	serverFactories map[string]*factory.Factory // by target name
	connectFactory  map[string]*factory.Factory // by source name
	acceptors       map[string]*accept.Acceptor // by source name
	serverBinds     map[string]*serverBind      // by "sourceName|sourcePort"
	clientBinds     map[string]uint64           // by "sourceName|sourceRef", value counts routeClient calls; unrouteClient drops the entry whatever the count

	nextSourceRef uint64

	commands chan func()
}

// New creates a Nukleus. Unless a fabric dialer is installed with
// SetFabricDialer, RegisterChannel must be called for every target name a
// route will name before that route is exercised.
func New(cfg *config.Config, poller *reactor.Poller, logger *slog.Logger, counters interface {
	factory.StreamCounter
	SetRoutes(int)
}, overflow stream.Overflows) *Nukleus {
	return &Nukleus{
		poller:          poller,
		routes:          route.NewTable(),
		pool:            pool.New(cfg.SlotPoolCapacity, cfg.SlotSize),
		overflow:        overflow,
		counters:        counters,
		logger:          logger,
		cfg:             cfg,
		dialer:          connect.New(poller),
		channels:        make(map[string]fabric.Channel),
		serverFactories: make(map[string]*factory.Factory),
		connectFactory:  make(map[string]*factory.Factory),
		acceptors:       make(map[string]*accept.Acceptor),
		serverBinds:     make(map[string]*serverBind),
		clientBinds:     make(map[string]uint64),
		commands:        make(chan func(), 64),
	}
}

// RegisterChannel binds targetName to the fabric.Channel its stream
// factories will send/receive frames on.
func (n *Nukleus) RegisterChannel(targetName string, ch fabric.Channel) {
	n.channels[targetName] = ch
}

// SetFabricDialer installs the fallback used to obtain a target's Channel
// the first time a route names it without a prior RegisterChannel call,
// e.g. dialing a per-target fabric.Socket. Must be set before Run starts
// processing control commands that reference undialed targets.
func (n *Nukleus) SetFabricDialer(fn func(targetName string) (fabric.Channel, error)) {
	n.fabricDialer = fn
}

func (n *Nukleus) resolveChannel(targetName string) (fabric.Channel, error) {
	if ch, ok := n.channels[targetName]; ok {
		return ch, nil
	}
	if n.fabricDialer == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, targetName)
	}
	ch, err := n.fabricDialer(targetName)
	if err != nil {
		return nil, fmt.Errorf("dialing fabric channel for %s: %w", targetName, err)
	}
	n.channels[targetName] = ch
	return ch, nil
}

func (n *Nukleus) factoryConfig() factory.Config {
	cfg := factory.Config{
		InitialReadWindow:  uint32(n.cfg.SlotSize),
		ReadBufferCap:      n.cfg.SlotSize,
		WriteSpinCount:     n.cfg.WriteSpinCount,
		InitialWriteCredit: int32(n.cfg.SlotSize),
	}
	if n.counters != nil {
		cfg.StreamCount = n.counters
	}
	return cfg
}

// Run drains the command queue and polls the reactor until ctx is
// cancelled, matching spec §5's "one reactor goroutine per nukleus
// instance; no locks on the hot path" — command execution and poll
// dispatch both happen on this one goroutine.
func (n *Nukleus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return n.poller.Close()
		default:
		}
		for drained := false; !drained; {
			select {
			case cmd := <-n.commands:
				cmd()
			default:
				drained = true
			}
		}
		if _, err := n.poller.PollOnce(n.cfg.PollTimeout); err != nil {
			n.logger.Error("poll failed", "error", err)
		}
	}
}

// Handle implements control.Handler, executed synchronously for the
// in-process control.Server.Dispatch path and for any goroutine-driven
// Unix-socket connection; the work itself always runs on the reactor
// goroutine via the command channel.
func (n *Nukleus) Handle(req control.Request) control.Response {
	type result struct {
		ref uint64
		err error
	}
	done := make(chan result, 1)
	cmd := func() {
		ref, err := n.dispatchControl(req)
		done <- result{ref, err}
	}
	select {
	case n.commands <- cmd:
	case <-time.After(5 * time.Second):
		return control.Response{Error: ErrQueueFull.Error()}
	}
	select {
	case r := <-done:
		if r.err != nil {
			return control.Response{Error: r.err.Error()}
		}
		return control.Response{OK: true, CorrelationId: r.ref}
	case <-time.After(5 * time.Second):
		return control.Response{Error: ErrQueueFull.Error()}
	}
}

func (n *Nukleus) dispatchControl(req control.Request) (uint64, error) {
	switch req.Op {
	case "routeServer":
		return n.routeServer(req.SourceName, req.SourcePort, req.TargetName, req.TargetRef, req.Address)
	case "routeClient":
		return 0, n.routeClient(req.SourceName, req.SourceRef, req.TargetName, req.Port, req.Address)
	case "unrouteServer":
		return 0, n.unrouteServer(req.SourceName, req.SourcePort, req.TargetName, req.TargetRef, req.Address)
	case "unrouteClient":
		return 0, n.unrouteClient(req.SourceName, req.SourceRef, req.TargetName, req.Port, req.Address)
	default:
		return 0, fmt.Errorf("nukleus: unknown control op %q", req.Op)
	}
}

// routeServer binds (or reuses) a listening socket for sourceName on
// sourcePort and adds a route to targetName scoped to address, returning
// the binding's sourceRef.
func (n *Nukleus) routeServer(sourceName string, sourcePort int, targetName string, targetRef uint64, address string) (uint64, error) {
	ch, err := n.resolveChannel(targetName)
	if err != nil {
		return 0, err
	}
	if _, ok := n.serverFactories[targetName]; !ok {
		n.serverFactories[targetName] = factory.New(sourceName, ch, n.poller, n.pool, n.overflow, n.factoryConfig())
	}

	key := bindKey(sourceName, sourcePort)
	bind, exists := n.serverBinds[key]
	if !exists {
		a, ok := n.acceptors[sourceName]
		if !ok {
			a = accept.New(n.poller, n.routes, n, sourceName)
			n.acceptors[sourceName] = a
		}
		n.nextSourceRef++
		ref := n.nextSourceRef
		if _, err := a.Listen(sockaddr.Of(net.IPv4zero, sourcePort), ref, defaultBacklog); err != nil {
			n.nextSourceRef--
			return 0, err
		}
		bind = &serverBind{sourceRef: ref}
		n.serverBinds[key] = bind
	}
	bind.refCount++

	n.routes.Add(route.Route{
		SourceName: sourceName,
		SourceRef:  bind.sourceRef,
		TargetName: targetName,
		TargetRef:  targetRef,
		Address:    parseAddress(address),
	})
	n.refreshRouteCount()
	return bind.sourceRef, nil
}

// unrouteServer removes the route matching targetName/targetRef/address
// from sourceName's sourcePort binding.
func (n *Nukleus) unrouteServer(sourceName string, sourcePort int, targetName string, targetRef uint64, address string) error {
	key := bindKey(sourceName, sourcePort)
	bind, ok := n.serverBinds[key]
	if !ok {
		return ErrRouteMiss
	}
	removed := n.routes.Remove(bind.sourceRef, func(r route.Route) bool {
		return r.TargetName == targetName && r.TargetRef == targetRef && sameAddress(r.Address, address)
	})
	if !removed {
		return ErrRouteMiss
	}
	bind.refCount--
	n.refreshRouteCount()
	return nil
}

// routeClient registers sourceRef (named by the downstream BEGIN frames
// that will request this connection) as dialing address:port, creating
// the source's connect-role Factory on first use.
func (n *Nukleus) routeClient(sourceName string, sourceRef uint64, targetName string, port int, address string) error {
	ch, err := n.resolveChannel(targetName)
	if err != nil {
		return err
	}
	f, ok := n.connectFactory[sourceName]
	if !ok {
		f = factory.NewConnector(sourceName, ch, n.poller, n.pool, n.overflow, n.factoryConfig(), n.dialer)
		n.connectFactory[sourceName] = f
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return fmt.Errorf("nukleus: invalid client route address %q", address)
	}
	f.AddConnectRoute(sourceRef, sockaddr.Of(ip, port))

	n.clientBinds[bindKey(sourceName, int(sourceRef))]++
	n.refreshRouteCount()
	return nil
}

// unrouteClient removes a previously routed sourceRef's connect route.
func (n *Nukleus) unrouteClient(sourceName string, sourceRef uint64, targetName string, port int, address string) error {
	key := bindKey(sourceName, int(sourceRef))
	if n.clientBinds[key] == 0 {
		return ErrRouteMiss
	}
	f, ok := n.connectFactory[sourceName]
	if !ok {
		return ErrRouteMiss
	}
	f.RemoveConnectRoute(sourceRef)
	delete(n.clientBinds, key)
	n.refreshRouteCount()
	return nil
}

// Accept implements accept.Handoff: the Acceptor calls this once a route
// resolves an accepted connection to a target.
func (n *Nukleus) Accept(targetName string, fd int, localAddr, remoteAddr string) error {
	f, ok := n.serverFactories[targetName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, targetName)
	}
	return f.OnAccepted(fd, localAddr, remoteAddr)
}

func (n *Nukleus) refreshRouteCount() {
	if n.counters != nil {
		n.counters.SetRoutes(n.routes.Len() + len(n.clientBinds))
	}
}

func bindKey(sourceName string, port int) string {
	return fmt.Sprintf("%s|%d", sourceName, port)
}

func parseAddress(address string) route.Address {
	if address == "" {
		return route.WildcardAddress()
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return route.WildcardAddress()
	}
	return route.ExactAddress(ip)
}

func sameAddress(a route.Address, address string) bool {
	want := parseAddress(address)
	if want.Kind != a.Kind {
		return false
	}
	if want.Kind == route.Wildcard {
		return true
	}
	return want.IP.Equal(a.IP)
}
