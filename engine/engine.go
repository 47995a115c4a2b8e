// Package engine defines the boundary between the request lifecycle manager
// and the transport engine that parses and writes HTTP.
//
// An Engine owns three tables: servers, in-flight requests and byte-stream
// resources. The lifecycle manager never sees net/http types; it addresses
// everything through generation-checked identifiers, and an identifier that
// outlived its entry is rejected with ErrBadResource.
//
// HTTP is the production implementation on top of net/http and
// gorilla/websocket. Package mock contains an in-memory implementation for
// tests.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/gorilla/websocket"
	"github.com/ridge/hserve/slab"
)

// ServerID identifies a server inside an Engine
type ServerID struct{ slab.Handle }

// RequestID identifies an in-flight request inside an Engine
type RequestID struct{ slab.Handle }

// ResourceID identifies a byte-stream resource inside an Engine
type ResourceID struct{ slab.Handle }

// Header is a single header field. Lists of Header keep order and
// duplicates.
type Header struct {
	Name  string
	Value string
}

// MethodAndURL is what the engine knows about the request line and the peer
type MethodAndURL struct {
	Method string

	// Authority is the Host header (HTTP/1) or :authority (HTTP/2), empty if
	// absent
	Authority string

	// Path is the request target: origin-form path with query, "*" for
	// asterisk-form, empty for authority-form (CONNECT)
	Path string

	RemoteHost string
	RemotePort int
}

// Server describes a server started by an Engine
type Server struct {
	ID ServerID

	// Scheme is "http://" or "https://"
	Scheme string

	// FallbackHost is the authority used for URLs of requests that carry no
	// Host header
	FallbackHost string
}

var (
	// ErrBadResource means the identifier is unknown, stale or already closed
	ErrBadResource = errors.New("bad resource ID")

	// ErrInterrupted means a wait was canceled
	ErrInterrupted = errors.New("operation interrupted")

	// ErrBusy means another wait is already pending on the server
	ErrBusy = errors.New("server already has a pending wait")

	// ErrInvalidStatus means the status code can't be sent on the wire
	ErrInvalidStatus = errors.New("invalid HTTP status code")
)

// Engine is the transport engine.
//
// All methods are safe for concurrent use. Every method taking a RequestID
// returns ErrBadResource once the request was completed or upgraded.
type Engine interface {
	// ServeListener starts accepting HTTP connections on the listener.
	// tlsConfig, if not nil, enables TLS with ALPN "h2", "http/1.1".
	ServeListener(ctx context.Context, l net.Listener, tlsConfig *tls.Config) (Server, error)

	// ServeConn serves HTTP on a single accepted connection
	ServeConn(ctx context.Context, conn net.Conn) (Server, error)

	// TryWait dequeues a ready request without blocking. Returns false if
	// none is ready.
	TryWait(server ServerID) (RequestID, bool)

	// Wait blocks until a request is ready. Returns false once the server is
	// closed and no more requests will arrive. Fails with ErrInterrupted if
	// the server is canceled or ctx is closed, ErrBadResource if the server
	// is gone, ErrBusy if another Wait is pending on the same server.
	Wait(ctx context.Context, server ServerID) (RequestID, bool, error)

	// Cancel closes the server abruptly and interrupts a pending Wait
	Cancel(server ServerID)

	// Close stops accepting requests. Requests that were queued but never
	// dequeued are answered with 503. A graceful close waits, until ctx is
	// closed, for dequeued requests to complete; an abrupt close abandons
	// them.
	Close(ctx context.Context, server ServerID, graceful bool) error

	// Release forgets the server. Its ID becomes stale.
	Release(server ServerID)

	// MethodAndURL returns the request line and the peer address
	MethodAndURL(req RequestID) (MethodAndURL, error)

	// Headers returns the request headers as a flat name, value, name, value
	// sequence. Names are lower case. Repeated headers are kept, values in
	// the order received.
	//
	// The order of names depends on the engine. HTTP can't report the wire
	// order, because net/http parses headers into a map: it reports host
	// first, then the rest sorted by name.
	Headers(req RequestID) ([]string, error)

	// ReadBody opens the request body as a resource
	ReadBody(req RequestID) (ResourceID, error)

	SetHeader(req RequestID, name, value string) error
	SetHeaders(req RequestID, headers []Header) error
	SetTrailers(req RequestID, trailers []Header) error

	// Complete sends the response without a body
	Complete(req RequestID, status int) error
	CompleteBytes(req RequestID, body []byte, status int) error
	CompleteText(req RequestID, body string, status int) error

	// CompleteResource streams the resource as the response body. The
	// resource is closed afterwards if autoClose is set.
	CompleteResource(req RequestID, body ResourceID, autoClose bool, status int) error

	// UpgradeRaw takes the underlying connection over. The request ID
	// becomes stale. Bytes the client sent past the request head are
	// readable from the returned connection.
	UpgradeRaw(req RequestID) (net.Conn, error)

	// UpgradeWebSocket completes the WebSocket handshake, sending the given
	// headers with the 101 response. The request ID becomes stale.
	UpgradeWebSocket(ctx context.Context, req RequestID, headers []Header) (*websocket.Conn, error)

	// Resources returns the resource table of the engine
	Resources() *Resources
}

// ValidStatus returns true if the status code can be sent as a final
// response. Informational statuses are excluded: net/http sends them as
// interim responses and follows up with its own 200. 101 only happens
// through UpgradeRaw and UpgradeWebSocket.
func ValidStatus(status int) bool {
	return status >= 200 && status <= 599
}
