package serve

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ridge/hserve/engine"
	"golang.org/x/exp/slices"
)

var (
	// ErrRequestClosed is returned by Request accessors once the request is
	// completed or upgraded, unless the value was fetched before
	ErrRequestClosed = errors.New("request closed")

	// ErrAlreadyUpgraded is returned on a second upgrade attempt
	ErrAlreadyUpgraded = errors.New("already upgraded")

	// ErrAlreadyClosed is returned on an upgrade of a completed request
	ErrAlreadyClosed = errors.New("already closed")
)

// requestHandle wraps an in-flight request ID. Fields are fetched from the
// engine on first use and cached.
type requestHandle struct {
	engine engine.Engine
	server *serverContext

	mu           sync.Mutex
	id           engine.RequestID
	closed       bool
	methodAndURL *engine.MethodAndURL
	url          *string
	header       []engine.Header
	headerSet    bool
	body         io.ReadCloser
	bodySet      bool
	upgrade      upgradeState
}

func newRequestHandle(server *serverContext, id engine.RequestID) *requestHandle {
	return &requestHandle{
		engine: server.engine,
		server: server,
		id:     id,
	}
}

func (h *requestHandle) methodAndURLLocked() (engine.MethodAndURL, error) {
	if h.methodAndURL != nil {
		return *h.methodAndURL, nil
	}
	if h.closed {
		return engine.MethodAndURL{}, ErrRequestClosed
	}
	mu, err := h.engine.MethodAndURL(h.id)
	if err != nil {
		return engine.MethodAndURL{}, fmt.Errorf("failed to get request line: %w", err)
	}
	h.methodAndURL = &mu
	return mu, nil
}

func (h *requestHandle) method() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mu, err := h.methodAndURLLocked()
	if err != nil {
		return "", err
	}
	return mu.Method, nil
}

func (h *requestHandle) urlLocked() (string, error) {
	if h.url != nil {
		return *h.url, nil
	}
	mu, err := h.methodAndURLLocked()
	if err != nil {
		return "", err
	}
	url := resolveURL(mu, h.server.scheme, h.server.fallbackHost)
	h.url = &url
	return url, nil
}

func (h *requestHandle) resolveURL() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.urlLocked()
}

// resolveURL builds the request URL from the request target
func resolveURL(mu engine.MethodAndURL, scheme, fallbackHost string) string {
	switch {
	case mu.Path == "*": // asterisk-form, OPTIONS
		return "*"
	case mu.Path == "", mu.Method == http.MethodConnect: // authority-form
		return mu.Authority
	case mu.Authority != "":
		return scheme + mu.Authority + mu.Path
	default:
		return scheme + fallbackHost + mu.Path
	}
}

func (h *requestHandle) headerListLocked() ([]engine.Header, error) {
	if h.headerSet {
		return h.header, nil
	}
	if h.closed {
		return nil, ErrRequestClosed
	}
	flat, err := h.engine.Headers(h.id)
	if err != nil {
		return nil, fmt.Errorf("failed to get request headers: %w", err)
	}
	header := make([]engine.Header, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		header = append(header, engine.Header{Name: flat[i], Value: flat[i+1]})
	}
	h.header = header
	h.headerSet = true
	return header, nil
}

func (h *requestHandle) headerList() ([]engine.Header, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.headerListLocked()
}

// requestBody returns nil for GET and HEAD without asking the engine
func (h *requestHandle) requestBody() (io.ReadCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.bodySet {
		return h.body, nil
	}
	if h.closed {
		return nil, ErrRequestClosed
	}
	mu, err := h.methodAndURLLocked()
	if err != nil {
		return nil, err
	}
	if mu.Method == http.MethodGet || mu.Method == http.MethodHead {
		h.bodySet = true
		return nil, nil
	}
	rid, err := h.engine.ReadBody(h.id)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	h.body = h.engine.Resources().Stream(rid, false)
	h.bodySet = true
	return h.body, nil
}

func (h *requestHandle) remoteAddr() (Addr, error) {
	if h.server.isUnix() {
		addr := h.server.listener.Addr()
		return Addr{Transport: addr.Network(), Path: addr.String()}, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	mu, err := h.methodAndURLLocked()
	if err != nil {
		return Addr{}, err
	}
	return Addr{Transport: "tcp", Hostname: mu.RemoteHost, Port: mu.RemotePort}, nil
}

func (h *requestHandle) setTrailers(trailers []engine.Header) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrRequestClosed
	}
	return h.engine.SetTrailers(h.id, trailers)
}

// close is idempotent
func (h *requestHandle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

// Request is the view of an in-flight request given to handlers.
//
// Accessors fetch values from the engine on first use. Once the request is
// completed or upgraded, values that were never fetched are not available
// anymore and the accessors fail with ErrRequestClosed.
type Request struct {
	handle *requestHandle
}

// Method returns the request method
func (r *Request) Method() (string, error) {
	return r.handle.method()
}

// URL returns the request URL: "*" for asterisk-form requests, the
// authority for CONNECT, an absolute URL otherwise
func (r *Request) URL() (string, error) {
	return r.handle.resolveURL()
}

// Header returns the request headers in order, duplicates included. Names
// are lower case.
func (r *Request) Header() ([]engine.Header, error) {
	header, err := r.handle.headerList()
	if err != nil {
		return nil, err
	}
	return slices.Clone(header), nil
}

// HeaderValue returns the value of the first header with the given lower
// case name
func (r *Request) HeaderValue(name string) (string, bool, error) {
	header, err := r.handle.headerList()
	if err != nil {
		return "", false, err
	}
	for _, h := range header {
		if h.Name == name {
			return h.Value, true, nil
		}
	}
	return "", false, nil
}

// Body returns the request body, nil for GET and HEAD. The same stream is
// returned on every call. The body is an *engine.Stream: returning it as a
// response body streams it back without copying.
func (r *Request) Body() (io.ReadCloser, error) {
	return r.handle.requestBody()
}

// RemoteAddr returns the address of the client, or the address of the
// listener for UNIX sockets
func (r *Request) RemoteAddr() (Addr, error) {
	return r.handle.remoteAddr()
}

// SetTrailers sets the trailers sent after the response body
func (r *Request) SetTrailers(trailers []engine.Header) error {
	return r.handle.setTrailers(trailers)
}

// HandlerInfo is extra information passed to Func2 handlers
type HandlerInfo struct {
	handle *requestHandle
}

// RemoteAddr returns the address of the client
func (i HandlerInfo) RemoteAddr() (Addr, error) {
	return i.handle.remoteAddr()
}
