package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ridge/hserve/slab"
	"github.com/ridge/hserve/thttp"
	"github.com/ridge/hserve/tlog"
	"github.com/ridge/hserve/tnet"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// HTTP is an Engine on top of net/http.
//
// Every request accepted by net/http is parked in its handler goroutine until
// the lifecycle manager posts a completion; the response is then written from
// that goroutine.
type HTTP struct {
	servers   slab.Table[*httpServer]
	requests  slab.Table[*inflight]
	resources Resources
	upgrader  websocket.Upgrader
}

// NewHTTP creates an HTTP engine
func NewHTTP() *HTTP {
	return &HTTP{
		upgrader: websocket.Upgrader{
			// Cross-origin handshakes fail with 403 and reach the socket
			// as an error event
			CheckOrigin: thttp.SameOrigin,
		},
	}
}

type httpServer struct {
	server *thttp.Server

	mu          sync.Mutex
	queue       []RequestID
	waiting     bool
	closed      bool
	interrupted bool

	ready     chan struct{} // capacity 1, poked when the queue grows
	closedCh  chan struct{} // closed on Close or Cancel
	abortCh   chan struct{} // closed on abrupt Close or Cancel
	closeOnce sync.Once
	abortOnce sync.Once
}

func newHTTPServer() *httpServer {
	return &httpServer{
		ready:    make(chan struct{}, 1),
		closedCh: make(chan struct{}),
		abortCh:  make(chan struct{}),
	}
}

func (s *httpServer) enqueue(id RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, id)
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

func (s *httpServer) dequeue() (RequestID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return RequestID{}, false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

// markClosed stops accepting and returns the requests still in the queue
func (s *httpServer) markClosed() []RequestID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.closeOnce.Do(func() { close(s.closedCh) })
	return queued
}

func (s *httpServer) abort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
}

type inflight struct {
	w      http.ResponseWriter
	r      *http.Request
	server *httpServer

	mu       sync.Mutex
	header   []Header
	trailers []Header
	body     *ResourceID

	done   chan struct{}
	finish func()
}

// post hands the finishing action to the handler goroutine. Only the party
// that removed the request from the table may call it.
func (inf *inflight) post(finish func()) {
	inf.finish = finish
	close(inf.done)
}

// ServeListener implements Engine
func (e *HTTP) ServeListener(ctx context.Context, l net.Listener, tlsConfig *tls.Config) (Server, error) {
	s := newHTTPServer()
	id := ServerID{e.servers.Insert(s)}
	handler := thttp.Log(e.handler(s))

	scheme := "http://"
	if tlsConfig != nil {
		if len(tlsConfig.Certificates) == 0 && tlsConfig.GetCertificate == nil {
			e.servers.Remove(id.Handle)
			return Server{}, errors.New("TLS configuration has no certificate")
		}
		s.server = thttp.NewTLSServer(l, handler, tlsConfig)
		scheme = "https://"
	} else {
		s.server = thttp.NewServer(l, handler)
	}

	fallbackHost := l.Addr().String()
	if network := l.Addr().Network(); network == "unix" || network == "unixpacket" {
		fallbackHost = "localhost"
	}

	e.run(ctx, s)
	return Server{ID: id, Scheme: scheme, FallbackHost: fallbackHost}, nil
}

// ServeConn implements Engine
func (e *HTTP) ServeConn(ctx context.Context, conn net.Conn) (Server, error) {
	s := newHTTPServer()
	id := ServerID{e.servers.Insert(s)}

	l := tnet.SingleConnListener(conn)
	s.server = thttp.NewServer(l, thttp.Log(e.handler(s)))
	s.server.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateClosed || state == http.StateHijacked {
			// The only connection is gone: no more requests can arrive
			_ = l.Close()
			for _, req := range s.markClosed() {
				e.reject(req)
			}
		}
	}

	scheme := "http://"
	if _, ok := conn.(*tls.Conn); ok {
		scheme = "https://"
	}

	e.run(ctx, s)
	return Server{ID: id, Scheme: scheme, FallbackHost: conn.LocalAddr().String()}, nil
}

func (e *HTTP) run(ctx context.Context, s *httpServer) {
	go func() {
		err := s.server.Serve(ctx)
		for _, req := range s.markClosed() {
			e.reject(req)
		}
		if err := tnet.StripDisconnectError(err); err != nil {
			tlog.Get(ctx).Error("HTTP server failed", zap.Error(err))
		}
	}()
}

func (e *HTTP) handler(s *httpServer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inf := &inflight{
			w:      w,
			r:      r,
			server: s,
			done:   make(chan struct{}),
		}
		id := RequestID{e.requests.Insert(inf)}
		if !s.enqueue(id) {
			if _, ok := e.requests.Remove(id.Handle); ok {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}

		select {
		case <-inf.done:
		case <-r.Context().Done():
			if e.abandon(id) {
				return
			}
			<-inf.done
		case <-s.abortCh:
			if e.abandon(id) {
				return
			}
			<-inf.done
		}
		inf.finish()
		e.closeBody(inf)
	})
}

// abandon drops a request nobody will answer. Returns false if a completion
// is already on its way.
func (e *HTTP) abandon(id RequestID) bool {
	inf, ok := e.requests.Remove(id.Handle)
	if !ok {
		return false
	}
	e.closeBody(inf)
	return true
}

// reject answers a queued request that was never dequeued
func (e *HTTP) reject(id RequestID) {
	inf, ok := e.requests.Remove(id.Handle)
	if !ok {
		return
	}
	inf.post(func() {
		inf.w.WriteHeader(http.StatusServiceUnavailable)
	})
}

func (e *HTTP) closeBody(inf *inflight) {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	if inf.body != nil {
		_ = e.resources.Close(*inf.body)
		inf.body = nil
	}
}

func (e *HTTP) server(id ServerID) (*httpServer, error) {
	s, ok := e.servers.Get(id.Handle)
	if !ok {
		return nil, ErrBadResource
	}
	return s, nil
}

func (e *HTTP) request(id RequestID) (*inflight, error) {
	inf, ok := e.requests.Get(id.Handle)
	if !ok {
		return nil, ErrBadResource
	}
	return inf, nil
}

// TryWait implements Engine
func (e *HTTP) TryWait(server ServerID) (RequestID, bool) {
	s, err := e.server(server)
	if err != nil {
		return RequestID{}, false
	}
	return s.dequeue()
}

// Wait implements Engine
func (e *HTTP) Wait(ctx context.Context, server ServerID) (RequestID, bool, error) {
	s, err := e.server(server)
	if err != nil {
		return RequestID{}, false, err
	}

	s.mu.Lock()
	if s.waiting {
		s.mu.Unlock()
		return RequestID{}, false, ErrBusy
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
		interrupted, closed := s.interrupted, s.closed
		s.mu.Unlock()
		if interrupted {
			return RequestID{}, false, ErrInterrupted
		}
		if id, ok := s.dequeue(); ok {
			return id, true, nil
		}
		if closed {
			return RequestID{}, false, nil
		}

		select {
		case <-s.ready:
		case <-s.closedCh:
		case <-ctx.Done():
			return RequestID{}, false, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
		}
	}
}

// Cancel implements Engine
func (e *HTTP) Cancel(server ServerID) {
	s, err := e.server(server)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	_ = e.closeServer(context.Background(), s, false)
}

// Close implements Engine
func (e *HTTP) Close(ctx context.Context, server ServerID, graceful bool) error {
	s, err := e.server(server)
	if err != nil {
		return err
	}
	return e.closeServer(ctx, s, graceful)
}

func (e *HTTP) closeServer(ctx context.Context, s *httpServer, graceful bool) error {
	for _, req := range s.markClosed() {
		e.reject(req)
	}
	if !graceful {
		s.abort()
		return tnet.StripDisconnectError(s.server.Close())
	}
	return tnet.StripDisconnectError(s.server.Shutdown(ctx))
}

// Release implements Engine
func (e *HTTP) Release(server ServerID) {
	e.servers.Remove(server.Handle)
}

// MethodAndURL implements Engine
func (e *HTTP) MethodAndURL(req RequestID) (MethodAndURL, error) {
	inf, err := e.request(req)
	if err != nil {
		return MethodAndURL{}, err
	}
	r := inf.r

	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host, portStr = r.RemoteAddr, "0"
	}
	port, _ := strconv.Atoi(portStr)

	return MethodAndURL{
		Method:     r.Method,
		Authority:  r.Host,
		Path:       requestPath(r),
		RemoteHost: host,
		RemotePort: port,
	}, nil
}

func requestPath(r *http.Request) string {
	switch {
	case r.RequestURI == "*":
		return "*"
	case r.Method == http.MethodConnect && !strings.HasPrefix(r.RequestURI, "/"):
		return ""
	case strings.HasPrefix(r.RequestURI, "/"):
		return r.RequestURI
	default: // absolute-form
		return r.URL.RequestURI()
	}
}

// Headers implements Engine
func (e *HTTP) Headers(req RequestID) ([]string, error) {
	inf, err := e.request(req)
	if err != nil {
		return nil, err
	}
	r := inf.r

	// net/http keeps headers in a map; sort names for a stable order
	names := maps.Keys(r.Header)
	slices.Sort(names)

	flat := make([]string, 0, 2*len(r.Header)+2)
	if r.Host != "" {
		flat = append(flat, "host", r.Host)
	}
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, value := range r.Header[name] {
			flat = append(flat, lower, value)
		}
	}
	return flat, nil
}

// ReadBody implements Engine
func (e *HTTP) ReadBody(req RequestID) (ResourceID, error) {
	inf, err := e.request(req)
	if err != nil {
		return ResourceID{}, err
	}
	inf.mu.Lock()
	defer inf.mu.Unlock()
	if inf.body != nil {
		return *inf.body, nil
	}
	body := inf.r.Body
	if body == nil {
		body = http.NoBody
	}
	rid := e.resources.Add(body)
	inf.body = &rid
	return rid, nil
}

// SetHeader implements Engine
func (e *HTTP) SetHeader(req RequestID, name, value string) error {
	return e.SetHeaders(req, []Header{{Name: name, Value: value}})
}

// SetHeaders implements Engine
func (e *HTTP) SetHeaders(req RequestID, headers []Header) error {
	inf, err := e.request(req)
	if err != nil {
		return err
	}
	inf.mu.Lock()
	defer inf.mu.Unlock()
	inf.header = append(inf.header, headers...)
	return nil
}

// SetTrailers implements Engine
func (e *HTTP) SetTrailers(req RequestID, trailers []Header) error {
	inf, err := e.request(req)
	if err != nil {
		return err
	}
	inf.mu.Lock()
	defer inf.mu.Unlock()
	inf.trailers = append(inf.trailers, trailers...)
	return nil
}

// complete removes the request from the table and posts the body writer
func (e *HTTP) complete(req RequestID, status int, writeBody func(inf *inflight) error) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, status)
	}
	inf, ok := e.requests.Remove(req.Handle)
	if !ok {
		return ErrBadResource
	}
	inf.post(func() {
		inf.mu.Lock()
		header, trailers := inf.header, inf.trailers
		inf.mu.Unlock()

		h := inf.w.Header()
		for _, hdr := range header {
			h.Add(hdr.Name, hdr.Value)
		}
		for _, t := range trailers {
			h.Add("Trailer", t.Name)
		}
		inf.w.WriteHeader(status)

		if writeBody != nil {
			if err := tnet.StripDisconnectError(writeBody(inf)); err != nil {
				tlog.Get(inf.r.Context()).Debug("Failed to write response body", zap.Error(err))
			}
		}

		for _, t := range trailers {
			h.Add(t.Name, t.Value)
		}
	})
	return nil
}

// Complete implements Engine
func (e *HTTP) Complete(req RequestID, status int) error {
	return e.complete(req, status, nil)
}

// CompleteBytes implements Engine
func (e *HTTP) CompleteBytes(req RequestID, body []byte, status int) error {
	return e.complete(req, status, func(inf *inflight) error {
		_, err := inf.w.Write(body)
		return err
	})
}

// CompleteText implements Engine
func (e *HTTP) CompleteText(req RequestID, body string, status int) error {
	return e.complete(req, status, func(inf *inflight) error {
		_, err := io.WriteString(inf.w, body)
		return err
	})
}

// CompleteResource implements Engine
func (e *HTTP) CompleteResource(req RequestID, body ResourceID, autoClose bool, status int) error {
	if _, err := e.resources.Get(body); err != nil {
		return err
	}
	return e.complete(req, status, func(inf *inflight) error {
		if autoClose {
			defer func() { _ = e.resources.Close(body) }()
		}
		return copyFlushing(inf.w, e.resources.Stream(body, autoClose))
	})
}

// copyFlushing copies a streamed body, flushing after every chunk so that
// the client sees data as soon as the producer emits it
func copyFlushing(w http.ResponseWriter, r io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// UpgradeRaw implements Engine
func (e *HTTP) UpgradeRaw(req RequestID) (net.Conn, error) {
	inf, ok := e.requests.Remove(req.Handle)
	if !ok {
		return nil, ErrBadResource
	}

	hj, ok := inf.w.(http.Hijacker)
	if !ok {
		inf.post(func() { inf.w.WriteHeader(http.StatusInternalServerError) })
		return nil, fmt.Errorf("connection does not support upgrades (%s)", inf.r.Proto)
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		inf.post(func() { inf.w.WriteHeader(http.StatusInternalServerError) })
		return nil, fmt.Errorf("failed to take over connection: %w", err)
	}
	inf.post(func() {})
	if rw.Reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: rw.Reader}, nil
	}
	return conn, nil
}

// bufferedConn returns bytes already read by net/http before reading from
// the connection
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

type upgradeResult struct {
	conn *websocket.Conn
	err  error
}

// UpgradeWebSocket implements Engine
func (e *HTTP) UpgradeWebSocket(ctx context.Context, req RequestID, headers []Header) (*websocket.Conn, error) {
	inf, ok := e.requests.Remove(req.Handle)
	if !ok {
		return nil, ErrBadResource
	}

	result := make(chan upgradeResult, 1)
	inf.post(func() {
		h := http.Header{}
		for _, hdr := range headers {
			h.Add(hdr.Name, hdr.Value)
		}
		conn, err := e.upgrader.Upgrade(inf.w, inf.r, h)
		result <- upgradeResult{conn: conn, err: err}
	})

	select {
	case res := <-result:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-result; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Resources implements Engine
func (e *HTTP) Resources() *Resources {
	return &e.resources
}
