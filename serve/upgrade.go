package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/ridge/hserve/engine"
	"github.com/ridge/hserve/tlog"
	"github.com/ridge/hserve/tws"
	"go.uber.org/zap"
)

type upgradeKind int

const (
	notUpgraded upgradeKind = iota
	upgradedRaw
	upgradedWebSocket
)

func (k upgradeKind) String() string {
	switch k {
	case upgradedRaw:
		return "raw"
	case upgradedWebSocket:
		return "websocket"
	}
	return "none"
}

// upgradeState is set once, when the upgrade begins. Completion runs at most
// once and releases whatever waits for the handler to return.
type upgradeState struct {
	kind    upgradeKind
	goAhead chan struct{}
	once    sync.Once

	// confirmation is the only response the handler may return. It is
	// compared by identity.
	confirmation *Response
}

func (u *upgradeState) complete() {
	u.once.Do(func() {
		if u.goAhead != nil {
			close(u.goAhead)
		}
	})
}

// beginUpgrade marks the handle upgraded and closed. URL and headers are
// resolved first, since the request ID can't be queried after the upgrade.
func (h *requestHandle) beginUpgrade(kind upgradeKind) (engine.RequestID, <-chan struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.upgrade.kind != notUpgraded {
		return engine.RequestID{}, nil, ErrAlreadyUpgraded
	}
	if h.closed {
		return engine.RequestID{}, nil, ErrAlreadyClosed
	}
	if _, err := h.urlLocked(); err != nil {
		return engine.RequestID{}, nil, err
	}
	if _, err := h.headerListLocked(); err != nil {
		return engine.RequestID{}, nil, err
	}

	id := h.id
	h.closed = true
	h.upgrade.kind = kind
	h.upgrade.confirmation = &Response{Status: http.StatusSwitchingProtocols, upgrade: true}
	if kind == upgradedWebSocket {
		h.upgrade.goAhead = make(chan struct{})
	}
	return id, h.upgrade.goAhead, nil
}

func (h *requestHandle) upgraded() (upgradeKind, *Response) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upgrade.kind, h.upgrade.confirmation
}

func (h *requestHandle) completeUpgrade() {
	h.upgrade.complete()
}

// RawUpgrade is the result of Request.UpgradeRaw
type RawUpgrade struct {
	// Response must be returned from the handler as is. It belongs to this
	// upgrade: returning any other response, even an equal one, leaves the
	// connection in an undefined state and closes the server.
	Response *Response

	// Conn is the connection taken over from the HTTP server
	Conn net.Conn
}

// UpgradeRaw takes the connection over from the HTTP server. The handler
// writes the 101 response itself and must return the Response of the
// result.
//
// If underlying is given, the returned connection reports its addresses.
func (r *Request) UpgradeRaw(underlying net.Conn) (RawUpgrade, error) {
	h := r.handle
	id, _, err := h.beginUpgrade(upgradedRaw)
	if err != nil {
		return RawUpgrade{}, err
	}

	conn, err := h.engine.UpgradeRaw(id)
	if err != nil {
		return RawUpgrade{}, fmt.Errorf("raw upgrade failed: %w", err)
	}
	if underlying != nil {
		conn = &upgradedConn{Conn: conn, local: underlying.LocalAddr(), remote: underlying.RemoteAddr()}
	}
	return RawUpgrade{Response: h.upgrade.confirmation, Conn: conn}, nil
}

type upgradedConn struct {
	net.Conn
	local  net.Addr
	remote net.Addr
}

func (c *upgradedConn) LocalAddr() net.Addr {
	return c.local
}

func (c *upgradedConn) RemoteAddr() net.Addr {
	return c.remote
}

// WebSocketUpgrade is the result of Request.UpgradeWebSocket
type WebSocketUpgrade struct {
	// Response must be returned from the handler
	Response *Response

	// Socket becomes open after the handler returns
	Socket *tws.Socket
}

// UpgradeWebSocket starts the WebSocket handshake in the background and
// returns a socket in the Connecting state. The socket opens once the
// handshake is done and the handler has returned the Response of the result.
// Handshake failures are reported as an error event on the socket.
func (r *Request) UpgradeWebSocket(ctx context.Context, header []engine.Header, config tws.Config) (WebSocketUpgrade, error) {
	h := r.handle
	id, goAhead, err := h.beginUpgrade(upgradedWebSocket)
	if err != nil {
		return WebSocketUpgrade{}, err
	}

	socket := tws.NewSocket(config)
	go completeWebSocket(ctx, h.engine, id, header, goAhead, socket)
	return WebSocketUpgrade{Response: h.upgrade.confirmation, Socket: socket}, nil
}

func completeWebSocket(ctx context.Context, e engine.Engine, id engine.RequestID, header []engine.Header, goAhead <-chan struct{}, socket *tws.Socket) {
	logger := tlog.Get(ctx)

	ws, err := e.UpgradeWebSocket(ctx, id, header)
	if err != nil {
		logger.Debug("WebSocket handshake failed", zap.Error(err))
		socket.Fail(fmt.Errorf("WebSocket handshake failed: %w", err))
		return
	}

	// The socket must not open before the handler has returned
	select {
	case <-goAhead:
	case <-ctx.Done():
		_ = ws.Close()
		socket.Fail(ctx.Err())
		return
	}

	if err := socket.Accept(ctx, ws, tws.RoleServer); err != nil {
		logger.Debug("Failed to open WebSocket", zap.Error(err))
	}
}
