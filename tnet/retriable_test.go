package tnet

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/ridge/hserve/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetriableNil(t *testing.T) {
	require.Nil(t, MaybeRetriableError(nil))
}

func TestMaybeRetriableError(t *testing.T) {
	retriable := []error{
		&url.Error{Op: "Get", URL: "http://example.com", Err: io.EOF},
		&net.DNSError{Err: "try again", Name: "example.com", IsTemporary: true},
		&net.DNSError{Err: "i/o timeout", Name: "example.com", IsTimeout: true},
		&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
		&net.OpError{Op: "listen", Net: "tcp", Err: fmt.Errorf("bind: %w", syscall.EADDRINUSE)},
		fmt.Errorf("write: %w", syscall.EPIPE),
		io.ErrUnexpectedEOF,
		errors.New("lookup example.com: server misbehaving"),
	}
	for _, err := range retriable {
		var r retry.ErrRetriable
		assert.ErrorAs(t, MaybeRetriableError(err), &r, err.Error())
		assert.ErrorIs(t, MaybeRetriableError(err), err)
	}

	permanent := []error{
		errors.New("no such host"),
		&net.DNSError{Err: "no such host", Name: "example.com", IsNotFound: true},
		&net.OpError{Op: "listen", Net: "tcp", Err: syscall.EACCES},
	}
	for _, err := range permanent {
		assert.Equal(t, err, MaybeRetriableError(err))
	}
}
