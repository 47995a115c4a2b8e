//go:build !linux

package tws

import "net"

// TCP_USER_TIMEOUT is Linux-only
func tuneTCP(conn net.Conn, config Config) error {
	return nil
}
