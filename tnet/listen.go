package tnet

import (
	"context"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/ridge/must/v2"
	"golang.org/x/sys/unix"
)

// ListenOptions tunes the listening socket
type ListenOptions struct {
	// ReusePort sets SO_REUSEPORT so that several processes can accept on
	// the same TCP port
	ReusePort bool
}

func listenConfig(opts ListenOptions) net.ListenConfig {
	lc := net.ListenConfig{
		KeepAlive: 3 * time.Minute,
	}
	if opts.ReusePort {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		}
	}
	return lc
}

// Listen installs a listener on the specified address.
//
// If the address string starts with "tcp:", the rest is interpreted as
// [address]:port on which to open a TCP listening socket. TCP keep-alive is
// enabled in this case.
//
// If the address string starts with "unix:", the rest is interpreted the path
// to a UNIX domain socket to listen on.
//
// If neither prefix is present, "tcp:" is assumed.
func Listen(address string) (net.Listener, error) {
	return ListenWith(address, ListenOptions{})
}

// ListenWith is Listen with socket options
func ListenWith(address string, opts ListenOptions) (net.Listener, error) {
	network := "tcp"
	proto, rest, ok := strings.Cut(address, ":")
	if ok {
		switch proto {
		case "unix":
			network = "unix"
			address = rest
		case "tcp":
			address = rest
		}
	}
	if network == "unix" {
		opts.ReusePort = false
	}
	lc := listenConfig(opts)
	return lc.Listen(context.Background(), network, address)
}

// ListenOnRandomPort selects a random local TCP port and installs a listener on
// it with TCP keep-alive enabled
func ListenOnRandomPort() net.Listener {
	return must.OK1(Listen("localhost:"))
}
