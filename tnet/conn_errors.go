package tnet

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsClosedConnectionError returns if the passed error is "closed network connection".
func IsClosedConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	// older code paths produce the error text without wrapping net.ErrClosed
	return strings.HasSuffix(err.Error(), "use of closed network connection")
}

// IsDisconnectError returns if the passed error means the peer went away:
// closed connection, EOF, reset or broken pipe
func IsDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		IsClosedConnectionError(err)
}

// StripDisconnectError returns nil if the passed error is a disconnect error
// (see IsDisconnectError), and the original error otherwise.
//
// This is handy to decrease the amount of spam in logs, as these errors happen
// every time a client goes away in the middle of a response.
func StripDisconnectError(err error) error {
	if IsDisconnectError(err) {
		return nil
	}
	return err
}
