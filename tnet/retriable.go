package tnet

import (
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/ridge/hserve/retry"
)

// MaybeRetriableError converts given network error into
// retry.ErrRetriable if the network operation is retriable
func MaybeRetriableError(err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && errors.Is(urlErr, io.EOF) {
		return retry.Retriable(err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return retry.Retriable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Retriable(err)
	}
	for _, errno := range retriableErrnos {
		if errors.Is(err, errno) {
			return retry.Retriable(err)
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return retry.Retriable(err)
	}
	// Unexported error coming from DNS code
	if strings.Contains(err.Error(), "server misbehaving") {
		return retry.Retriable(err)
	}
	return err
}

var retriableErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EHOSTUNREACH,
	syscall.EPIPE,
	// the previous process holding the port is still exiting
	syscall.EADDRINUSE,
}
