// Package route stores accept- and connect-side routes and resolves
// incoming accept/connect events against them.
package route

import "net"

// AddressKind tags an Address as matching any peer or an exact one, so
// matching is a tagged-variant comparison rather than relying on the zero
// net.IP value to mean "wildcard" (spec §9 design note).
type AddressKind uint8

const (
	// Wildcard matches any peer address (0.0.0.0 / ::).
	Wildcard AddressKind = iota
	// Exact matches only the given IP.
	Exact
)

// Address is a route's bound address: either a wildcard or a specific IP.
type Address struct {
	Kind AddressKind
	IP   net.IP
}

// WildcardAddress returns the wildcard Address.
func WildcardAddress() Address { return Address{Kind: Wildcard} }

// ExactAddress returns an Address matching only ip.
func ExactAddress(ip net.IP) Address { return Address{Kind: Exact, IP: ip} }

// Matches reports whether peer (the address observed on an accepted or
// connected socket) satisfies a, per spec §3: "wildcard address matches
// any".
func (a Address) Matches(peer net.IP) bool {
	if a.Kind == Wildcard {
		return true
	}
	return a.IP.Equal(peer)
}

// Route is an immutable mapping from a source reference to a delivery
// target, optionally scoped to a peer address.
type Route struct {
	SourceName string
	SourceRef  uint64
	TargetName string
	TargetRef  uint64
	Address    Address
}

// Event is the accept- or connect-side fact a Route is matched against.
type Event struct {
	SourceName string
	SourceRef  uint64
	PeerIP     net.IP
}

// Satisfies reports whether r is matched by ev, per spec §3: sourceName,
// sourceRef, and address must all match.
func (r Route) Satisfies(ev Event) bool {
	return r.SourceName == ev.SourceName && r.SourceRef == ev.SourceRef && r.Address.Matches(ev.PeerIP)
}
