//go:build linux

package tws

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

func tuneTCP(conn net.Conn, config Config) error {
	if config.TCPTimeout != 0 {
		if err := setTCPOption(conn, unix.TCP_USER_TIMEOUT, int(config.TCPTimeout/time.Millisecond)); err != nil {
			return fmt.Errorf("failed to tune TCP socket: %w", err)
		}
	}

	return nil
}

func setTCPOption(conn net.Conn, option, value int) error {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // UNIX sockets and in-memory pipes have nothing to tune
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("failed to set TCP socket option %d: %w", option, err)
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, option, value)
	})
	if err == nil {
		err = sockErr
	}
	if err != nil {
		return fmt.Errorf("failed to set TCP socket option %d: %w", option, err)
	}

	return nil
}
