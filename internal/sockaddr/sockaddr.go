// Package sockaddr converts between golang.org/x/sys/unix's raw Sockaddr
// types and net.IP / host:port strings, shared by the Acceptor and
// Connector so accept(2)/connect(2) call sites don't each reimplement it.
package sockaddr

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Domain returns the socket domain (AF_INET or AF_INET6) matching sa.
func Domain(sa unix.Sockaddr) int {
	switch sa.(type) {
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	default:
		return unix.AF_INET
	}
}

// IP extracts the address portion of sa as a net.IP.
func IP(sa unix.Sockaddr) net.IP {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, v.Addr[:])
		return ip
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return ip
	default:
		return nil
	}
}

// String renders sa as a "host:port" string.
func String(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", IP(sa).String(), v.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("%s:%d", IP(sa).String(), v.Port)
	default:
		return ""
	}
}

// Of builds a unix.Sockaddr for a TCP endpoint at ip:port.
func Of(ip net.IP, port int) unix.Sockaddr {
	if ip4 := ip.To4(); ip4 != nil {
		var addr [4]byte
		copy(addr[:], ip4)
		return &unix.SockaddrInet4{Port: port, Addr: addr}
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return &unix.SockaddrInet6{Port: port, Addr: addr}
}
