// Package mock provides an in-memory engine.Engine for tests.
//
// Requests are scripted with Push, completions are observed on the
// Completions channel. Body reads and waits are counted.
package mock

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ridge/hserve/engine"
	"github.com/ridge/hserve/slab"
)

// ErrWebSocketUnsupported is returned by UpgradeWebSocket
var ErrWebSocketUnsupported = errors.New("mock engine does not support WebSocket")

// Request is a scripted request
type Request struct {
	Method     string
	Authority  string
	Path       string
	RemoteHost string
	RemotePort int
	Headers    []engine.Header
	Body       []byte
}

// Kind is the kind of a completion
type Kind string

// Completion kinds
const (
	KindEmpty    Kind = "empty"
	KindBytes    Kind = "bytes"
	KindText     Kind = "text"
	KindResource Kind = "resource"
	KindRejected Kind = "rejected" // 503 for a request that was never dequeued
	KindRaw      Kind = "raw"
)

// Completion records how a request was finished
type Completion struct {
	Request   engine.RequestID
	Kind      Kind
	Status    int
	Headers   []engine.Header
	Trailers  []engine.Header
	Body      []byte
	AutoClose bool

	// Peer is the client end of a raw upgrade
	Peer net.Conn
}

type server struct {
	mu          sync.Mutex
	queue       []engine.RequestID
	closed      bool
	interrupted bool
	waiting     bool
	waitErr     error
	graceful    *bool
	ready       chan struct{}
}

type request struct {
	Request
	server *server

	mu       sync.Mutex
	headers  []engine.Header
	trailers []engine.Header
}

// Engine is an in-memory engine.Engine
type Engine struct {
	servers   slab.Table[*server]
	requests  slab.Table[*request]
	resources engine.Resources

	completions chan Completion

	mu        sync.Mutex
	all       map[engine.ServerID]*server // released servers included
	last      engine.ServerID
	bodyReads int
	waits     int
}

// New creates a mock engine
func New() *Engine {
	return &Engine{
		all:         map[engine.ServerID]*server{},
		completions: make(chan Completion, 1024),
	}
}

// Completions returns the channel on which every finished request is reported
func (e *Engine) Completions() <-chan Completion {
	return e.completions
}

// NewServer registers a server without a listener
func (e *Engine) NewServer() engine.Server {
	s := &server{ready: make(chan struct{}, 1)}
	id := engine.ServerID{Handle: e.servers.Insert(s)}

	e.mu.Lock()
	e.all[id] = s
	e.last = id
	e.mu.Unlock()

	return engine.Server{
		ID:           id,
		Scheme:       "http://",
		FallbackHost: "0.0.0.0:8000",
	}
}

// LastServer returns the ID of the most recently started server
func (e *Engine) LastServer() engine.ServerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Push queues a request on the server
func (e *Engine) Push(id engine.ServerID, req Request) engine.RequestID {
	s, ok := e.servers.Get(id.Handle)
	if !ok {
		panic(fmt.Errorf("mock: unknown server %s", id.Handle))
	}
	r := &request{Request: req, server: s}
	rid := engine.RequestID{Handle: e.requests.Insert(r)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		e.requests.Remove(rid.Handle)
		e.completions <- Completion{Request: rid, Kind: KindRejected, Status: 503}
		return rid
	}
	s.queue = append(s.queue, rid)
	e.poke(s)
	return rid
}

// FailWait makes the next Wait on the server fail with err
func (e *Engine) FailWait(id engine.ServerID, err error) {
	s, ok := e.servers.Get(id.Handle)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitErr = err
	e.poke(s)
}

// BodyReads returns the number of ReadBody calls
func (e *Engine) BodyReads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bodyReads
}

// Waits returns the number of Wait calls
func (e *Engine) Waits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waits
}

// Closed reports whether the server was closed, and whether gracefully
func (e *Engine) Closed(id engine.ServerID) (closed bool, graceful bool) {
	e.mu.Lock()
	s, ok := e.all[id]
	e.mu.Unlock()
	if !ok {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceful == nil {
		return s.closed, false
	}
	return s.closed, *s.graceful
}

// Released reports whether the server was released
func (e *Engine) Released(id engine.ServerID) bool {
	_, ok := e.servers.Get(id.Handle)
	return !ok
}

func (e *Engine) poke(s *server) {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// ServeListener implements engine.Engine. The listener is not used.
func (e *Engine) ServeListener(ctx context.Context, l net.Listener, tlsConfig *tls.Config) (engine.Server, error) {
	s := e.NewServer()
	s.FallbackHost = l.Addr().String()
	if tlsConfig != nil {
		s.Scheme = "https://"
	}
	return s, nil
}

// ServeConn implements engine.Engine. The connection is not used.
func (e *Engine) ServeConn(ctx context.Context, conn net.Conn) (engine.Server, error) {
	s := e.NewServer()
	s.FallbackHost = conn.LocalAddr().String()
	return s, nil
}

// TryWait implements engine.Engine
func (e *Engine) TryWait(id engine.ServerID) (engine.RequestID, bool) {
	s, ok := e.servers.Get(id.Handle)
	if !ok {
		return engine.RequestID{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return dequeue(s)
}

func dequeue(s *server) (engine.RequestID, bool) {
	if len(s.queue) == 0 {
		return engine.RequestID{}, false
	}
	rid := s.queue[0]
	s.queue = s.queue[1:]
	return rid, true
}

// Wait implements engine.Engine
func (e *Engine) Wait(ctx context.Context, id engine.ServerID) (engine.RequestID, bool, error) {
	e.mu.Lock()
	e.waits++
	e.mu.Unlock()

	s, ok := e.servers.Get(id.Handle)
	if !ok {
		return engine.RequestID{}, false, engine.ErrBadResource
	}
	s.mu.Lock()
	if s.waiting {
		s.mu.Unlock()
		return engine.RequestID{}, false, engine.ErrBusy
	}
	s.waiting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if err := s.waitErr; err != nil {
			s.waitErr = nil
			s.mu.Unlock()
			return engine.RequestID{}, false, err
		}
		if s.interrupted {
			s.mu.Unlock()
			return engine.RequestID{}, false, engine.ErrInterrupted
		}
		if rid, ok := dequeue(s); ok {
			s.mu.Unlock()
			return rid, true, nil
		}
		if s.closed {
			s.mu.Unlock()
			return engine.RequestID{}, false, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return engine.RequestID{}, false, fmt.Errorf("%w: %v", engine.ErrInterrupted, ctx.Err())
		}
	}
}

// Cancel implements engine.Engine
func (e *Engine) Cancel(id engine.ServerID) {
	s, ok := e.servers.Get(id.Handle)
	if !ok {
		return
	}
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	_ = e.Close(context.Background(), id, false)
}

// Close implements engine.Engine
func (e *Engine) Close(ctx context.Context, id engine.ServerID, graceful bool) error {
	s, ok := e.servers.Get(id.Handle)
	if !ok {
		return engine.ErrBadResource
	}
	s.mu.Lock()
	s.closed = true
	if s.graceful == nil {
		s.graceful = &graceful
	}
	queued := s.queue
	s.queue = nil
	e.poke(s)
	s.mu.Unlock()

	for _, rid := range queued {
		if _, ok := e.requests.Remove(rid.Handle); ok {
			e.completions <- Completion{Request: rid, Kind: KindRejected, Status: 503}
		}
	}
	return nil
}

// Release implements engine.Engine
func (e *Engine) Release(id engine.ServerID) {
	e.servers.Remove(id.Handle)
}

func (e *Engine) request(id engine.RequestID) (*request, error) {
	r, ok := e.requests.Get(id.Handle)
	if !ok {
		return nil, engine.ErrBadResource
	}
	return r, nil
}

// MethodAndURL implements engine.Engine
func (e *Engine) MethodAndURL(id engine.RequestID) (engine.MethodAndURL, error) {
	r, err := e.request(id)
	if err != nil {
		return engine.MethodAndURL{}, err
	}
	return engine.MethodAndURL{
		Method:     r.Method,
		Authority:  r.Authority,
		Path:       r.Path,
		RemoteHost: r.RemoteHost,
		RemotePort: r.RemotePort,
	}, nil
}

// Headers implements engine.Engine
func (e *Engine) Headers(id engine.RequestID) ([]string, error) {
	r, err := e.request(id)
	if err != nil {
		return nil, err
	}
	flat := make([]string, 0, 2*len(r.Request.Headers))
	for _, h := range r.Request.Headers {
		flat = append(flat, h.Name, h.Value)
	}
	return flat, nil
}

// ReadBody implements engine.Engine
func (e *Engine) ReadBody(id engine.RequestID) (engine.ResourceID, error) {
	r, err := e.request(id)
	if err != nil {
		return engine.ResourceID{}, err
	}
	e.mu.Lock()
	e.bodyReads++
	e.mu.Unlock()
	return e.resources.AddReader(bytes.NewReader(r.Body)), nil
}

// SetHeader implements engine.Engine
func (e *Engine) SetHeader(id engine.RequestID, name, value string) error {
	return e.SetHeaders(id, []engine.Header{{Name: name, Value: value}})
}

// SetHeaders implements engine.Engine
func (e *Engine) SetHeaders(id engine.RequestID, headers []engine.Header) error {
	r, err := e.request(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = append(r.headers, headers...)
	return nil
}

// SetTrailers implements engine.Engine
func (e *Engine) SetTrailers(id engine.RequestID, trailers []engine.Header) error {
	r, err := e.request(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trailers = append(r.trailers, trailers...)
	return nil
}

func (e *Engine) complete(id engine.RequestID, status int) (*request, error) {
	if !engine.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %d", engine.ErrInvalidStatus, status)
	}
	r, ok := e.requests.Remove(id.Handle)
	if !ok {
		return nil, engine.ErrBadResource
	}
	return r, nil
}

func (e *Engine) post(id engine.RequestID, r *request, c Completion) {
	r.mu.Lock()
	c.Request = id
	c.Headers = r.headers
	c.Trailers = r.trailers
	r.mu.Unlock()
	e.completions <- c
}

// Complete implements engine.Engine
func (e *Engine) Complete(id engine.RequestID, status int) error {
	r, err := e.complete(id, status)
	if err != nil {
		return err
	}
	e.post(id, r, Completion{Kind: KindEmpty, Status: status})
	return nil
}

// CompleteBytes implements engine.Engine
func (e *Engine) CompleteBytes(id engine.RequestID, body []byte, status int) error {
	r, err := e.complete(id, status)
	if err != nil {
		return err
	}
	e.post(id, r, Completion{Kind: KindBytes, Status: status, Body: body})
	return nil
}

// CompleteText implements engine.Engine
func (e *Engine) CompleteText(id engine.RequestID, body string, status int) error {
	r, err := e.complete(id, status)
	if err != nil {
		return err
	}
	e.post(id, r, Completion{Kind: KindText, Status: status, Body: []byte(body)})
	return nil
}

// CompleteResource implements engine.Engine. The resource is consumed in the
// background; the completion is reported once it is exhausted.
func (e *Engine) CompleteResource(id engine.RequestID, body engine.ResourceID, autoClose bool, status int) error {
	if _, err := e.resources.Get(body); err != nil {
		return err
	}
	r, err := e.complete(id, status)
	if err != nil {
		return err
	}
	go func() {
		data, _ := io.ReadAll(e.resources.Stream(body, autoClose))
		if autoClose {
			_ = e.resources.Close(body)
		}
		e.post(id, r, Completion{Kind: KindResource, Status: status, Body: data, AutoClose: autoClose})
	}()
	return nil
}

// UpgradeRaw implements engine.Engine. The returned connection is one end of
// an in-memory pipe, the other end is reported as the completion's Peer.
func (e *Engine) UpgradeRaw(id engine.RequestID) (net.Conn, error) {
	r, ok := e.requests.Remove(id.Handle)
	if !ok {
		return nil, engine.ErrBadResource
	}
	server, client := net.Pipe()
	e.post(id, r, Completion{Kind: KindRaw, Status: 101, Peer: client})
	return server, nil
}

// UpgradeWebSocket implements engine.Engine. Always fails.
func (e *Engine) UpgradeWebSocket(ctx context.Context, id engine.RequestID, headers []engine.Header) (*websocket.Conn, error) {
	if _, ok := e.requests.Remove(id.Handle); !ok {
		return nil, engine.ErrBadResource
	}
	return nil, ErrWebSocketUnsupported
}

// Resources implements engine.Engine
func (e *Engine) Resources() *engine.Resources {
	return &e.resources
}

var _ engine.Engine = (*Engine)(nil)
