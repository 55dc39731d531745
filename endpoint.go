package infinio

import (
	"fmt"
	"net"
	"net/netip"
)

// Endpoint is the IPv4/IPv6 socket-address value type used to drive CM
// resolution (spec.md §3/§4.9 C9). It is immutable once constructed.
type Endpoint struct {
	addr netip.Addr
	port uint16
}

// NewEndpoint constructs an Endpoint from explicit parts.
func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{addr: addr.Unmap(), port: port}
}

// ParseEndpoint parses a textual "host:port" address, per spec.md §3
// ("Construction from textual host:port or explicit parts").
func ParseEndpoint(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, NewError(CategoryInvalidArgument, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Endpoint{}, NewError(CategoryInvalidArgument, err)
	}
	var port uint32
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return Endpoint{}, NewError(CategoryInvalidArgument, fmt.Errorf("invalid port %q", portStr))
		}
		port = port*10 + uint32(c-'0')
		if port > 65535 {
			return Endpoint{}, NewError(CategoryInvalidArgument, fmt.Errorf("port out of range %q", portStr))
		}
	}
	return NewEndpoint(addr, uint16(port)), nil
}

// Addr returns the endpoint's address.
func (e Endpoint) Addr() netip.Addr { return e.addr }

// Port returns the endpoint's port.
func (e Endpoint) Port() uint16 { return e.port }

// IsValid reports whether the Endpoint has a usable address.
func (e Endpoint) IsValid() bool { return e.addr.IsValid() }

// String renders the endpoint as "host:port", round-tripping through
// ParseEndpoint modulo IPv6 zero-compression case (spec.md §8 round-trip
// law).
func (e Endpoint) String() string {
	return net.JoinHostPort(e.addr.String(), fmt.Sprintf("%d", e.port))
}

// Token is a stable, comparable identity for the endpoint, suitable as a
// map key (e.g. the CM Event Demultiplexer's per-remote admission-control
// bucket), grounded on Endpoint::getToken in the original source.
func (e Endpoint) Token() string {
	return e.String()
}
