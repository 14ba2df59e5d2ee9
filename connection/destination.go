package connection

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

type Domain int

const (
	DomainUnknown Domain = iota
	DomainInet
	DomainInet6
	DomainUnix
	DomainName
)

func (d Domain) String() string {
	switch d {
	case DomainInet:
		return "inet"
	case DomainInet6:
		return "inet6"
	case DomainUnix:
		return "unix"
	case DomainName:
		return "name"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidDestination = errors.New("invalid destination")
	ErrNoPeerAddress      = errors.New("destination has no peer address")
)

// Destination is where the application believes its socket is connected.
type Destination struct {
	Domain Domain
	// Addr is set for inet and inet6.
	Addr netip.AddrPort
	// Path is set for unix.
	Path string
	// Host and Port are set for name. Cookie is the address the handshake
	// returned to the application in place of the name, if any.
	Host   string
	Port   uint16
	Cookie netip.AddrPort
}

func validPort(port uint16) bool {
	return port != 0 && port < 65535
}

func InetDestination(addr netip.AddrPort) (Destination, error) {
	if !addr.IsValid() || !validPort(addr.Port()) {
		return Destination{}, fmt.Errorf("%w: port out of range: %s", ErrInvalidDestination, addr)
	}
	ip := addr.Addr()
	if ip.Is4() || ip.Is4In6() {
		return Destination{Domain: DomainInet, Addr: netip.AddrPortFrom(ip.Unmap(), addr.Port())}, nil
	}
	return Destination{Domain: DomainInet6, Addr: addr}, nil
}

func UnixDestination(path string) (Destination, error) {
	if path == "" {
		return Destination{}, fmt.Errorf("%w: empty unix path", ErrInvalidDestination)
	}
	return Destination{Domain: DomainUnix, Path: path}, nil
}

func NameDestination(host string, port uint16) (Destination, error) {
	if host == "" || !validPort(port) {
		return Destination{}, fmt.Errorf("%w: %q:%d", ErrInvalidDestination, host, port)
	}
	return Destination{Domain: DomainName, Host: host, Port: port}, nil
}

// ParseDestination builds a Destination from a connect(2) style sockaddr.
func ParseDestination(sa unix.Sockaddr) (Destination, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return InetDestination(netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)))
	case *unix.SockaddrInet6:
		return InetDestination(netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)))
	case *unix.SockaddrUnix:
		return UnixDestination(sa.Name)
	default:
		return Destination{}, fmt.Errorf("%w: unsupported sockaddr %T", ErrInvalidDestination, sa)
	}
}

// Sockaddr is the peer address reported for the connection. Whether a named
// destination has one is decided by the handshake through Cookie.
func (d Destination) Sockaddr() (unix.Sockaddr, error) {
	addr := d.Addr
	switch d.Domain {
	case DomainInet, DomainInet6:
	case DomainName:
		if !d.Cookie.IsValid() {
			return nil, ErrNoPeerAddress
		}
		addr = d.Cookie
	default:
		return nil, ErrNoPeerAddress
	}
	if addr.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}, nil
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}, nil
}

func (d Destination) String() string {
	switch d.Domain {
	case DomainInet, DomainInet6:
		return d.Addr.String()
	case DomainUnix:
		return "unix:" + d.Path
	case DomainName:
		return fmt.Sprintf("%s:%d", d.Host, d.Port)
	default:
		return "unknown"
	}
}
