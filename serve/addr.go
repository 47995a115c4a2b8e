package serve

import (
	"net"
	"strconv"
)

// Addr is the address of a peer or a listener
type Addr struct {
	// Transport is "tcp", "unix" or "unixpacket"
	Transport string

	// Hostname and Port are set for TCP
	Hostname string
	Port     int

	// Path is set for UNIX sockets
	Path string
}

// Network implements net.Addr
func (a Addr) Network() string {
	return a.Transport
}

func (a Addr) String() string {
	if a.Transport == "unix" || a.Transport == "unixpacket" {
		return a.Path
	}
	return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
}

func isUnix(network string) bool {
	return network == "unix" || network == "unixpacket"
}

// listenerAddr describes the address a listener is bound to
func listenerAddr(l net.Listener) Addr {
	addr := l.Addr()
	if isUnix(addr.Network()) {
		return Addr{Transport: addr.Network(), Path: addr.String()}
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return Addr{Transport: "tcp", Hostname: tcp.IP.String(), Port: tcp.Port}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Addr{Transport: addr.Network(), Hostname: addr.String()}
	}
	portNum, _ := strconv.Atoi(port)
	return Addr{Transport: addr.Network(), Hostname: host, Port: portNum}
}
