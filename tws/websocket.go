package tws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ridge/hserve/tcontext"
	"github.com/ridge/hserve/tlog"
	"github.com/ridge/hserve/tnet"
	"github.com/ridge/parallel"
	"go.uber.org/zap"
)

// Config is the WebSocket configuration
type Config struct {
	// Timeout for the WebSocket protocol upgrade. Client-only.
	HandshakeTimeout time.Duration

	// Disconnect when an outgoing packet is not acknowledged for this long.
	// 0 for kernel default.
	TCPTimeout time.Duration

	// Send pings this often. 0 to disable.
	PingInterval time.Duration

	// Disconnect if a pong doesn't arrive during PingInterval
	RequirePong bool

	// How long to wait for the peer to answer a close frame
	CloseTimeout time.Duration

	// Request specific Websocket subprotocols. Client-only.
	Subprotocols []string

	// Pass specific TLS configuration to the connection. Client-only.
	TLSClientConfig *tls.Config
}

// DefaultConfig is the default Config value
var DefaultConfig = Config{
	HandshakeTimeout: 5 * time.Second,

	TCPTimeout: 30 * time.Second,

	PingInterval: 30 * time.Second,
	RequirePong:  true,

	CloseTimeout: 5 * time.Second,
}

// StreamerConfig is the recommended configuration for high-traffic protocols
// where participants cannot be expected to be responsive all the time
var StreamerConfig = func() Config {
	config := DefaultConfig
	config.RequirePong = false
	return config
}()

// ReadyState is the state of a Socket
type ReadyState int32

// Socket states
const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("ReadyState(%d)", int32(s))
}

// Role tells which side of the connection a Socket is
type Role int

// Roles
const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// EventType is the type of a socket event
type EventType int

// Event types
const (
	EventOpen EventType = iota
	EventMessage
	EventError
	EventClose
)

// Event is emitted by a Socket
type Event struct {
	Type EventType

	// EventMessage
	Message Message

	// EventError
	Err error

	// EventClose
	Code     int
	Reason   string
	WasClean bool
}

// Message defines the message passed through WebSocket
type Message struct {
	Binary bool
	Data   []byte
}

var (
	// ErrNotOpen is returned by Send on a socket that is not open
	ErrNotOpen = errors.New("WebSocket is not open")

	// ErrPingTimeout means the peer did not answer a ping in time
	ErrPingTimeout = errors.New("WebSocket ping timeout")
)

const eventBuffer = 16

// Socket is a WebSocket connection.
//
// A Socket is created in the Connecting state, becomes Open in Accept and
// ends up Closed after the connection is gone. Events are delivered on the
// Events channel, which is closed after the EventClose event. The consumer
// must drain Events, otherwise the socket stops reading from the network.
type Socket struct {
	config Config
	state  atomic.Int32
	role   atomic.Int32

	events   chan Event
	outgoing chan Message

	mu       sync.Mutex
	started  bool
	closeReq chan struct{}
	closeMsg []byte
	done     chan struct{}
}

// NewSocket creates a Socket in the Connecting state
func NewSocket(config Config) *Socket {
	return &Socket{
		config:   config,
		events:   make(chan Event, eventBuffer),
		outgoing: make(chan Message),
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ReadyState returns the current state
func (s *Socket) ReadyState() ReadyState {
	return ReadyState(s.state.Load())
}

// Role returns the side of the connection this socket is on
func (s *Socket) Role() Role {
	return Role(s.role.Load())
}

// Events returns the channel of socket events
func (s *Socket) Events() <-chan Event {
	return s.events
}

// Done is closed once the socket is closed and all events are emitted
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Accept opens the socket over an established WebSocket connection: emits
// EventOpen and starts the event loop. The loop runs until the connection
// closes; ctx only carries the logger and does not cancel the loop.
func (s *Socket) Accept(ctx context.Context, ws *websocket.Conn, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("WebSocket is already started")
	}
	s.started = true

	if err := tuneTCP(ws.UnderlyingConn(), s.config); err != nil {
		_ = ws.Close()
		s.finish(Event{Type: EventError, Err: err})
		return err
	}

	s.role.Store(int32(role))
	s.state.Store(int32(Open))
	s.events <- Event{Type: EventOpen}

	ctx = tlog.With(tcontext.Reopen(ctx), zap.Stringer("wsRole", role), zap.Stringer("wsPeer", ws.RemoteAddr()))
	go s.run(ctx, ws)
	return nil
}

// Fail emits an error event on a socket that could not be opened and closes
// it. Does nothing if the socket was already started.
func (s *Socket) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.finish(Event{Type: EventError, Err: err})
}

// finish emits the terminal events. The error event is optional.
func (s *Socket) finish(errEvent Event) {
	s.state.Store(int32(Closed))
	if errEvent.Err != nil {
		s.events <- errEvent
	}
	s.events <- Event{Type: EventClose, Code: websocket.CloseAbnormalClosure}
	close(s.events)
	close(s.done)
}

// Send queues a message for sending
func (s *Socket) Send(ctx context.Context, msg Message) error {
	if s.ReadyState() != Open {
		return ErrNotOpen
	}
	select {
	case s.outgoing <- msg:
		return nil
	case <-s.closeReq:
		return ErrNotOpen
	case <-s.done:
		return ErrNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close starts the closing handshake with code 1000. Idempotent.
func (s *Socket) Close() {
	s.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith starts the closing handshake with the given code and reason.
// Only the first call has effect.
func (s *Socket) CloseWith(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closeReq:
		return
	default:
	}
	s.closeMsg = websocket.FormatCloseMessage(code, reason)
	close(s.closeReq)
	s.state.CompareAndSwap(int32(Open), int32(Closing))
}

func (s *Socket) run(ctx context.Context, ws *websocket.Conn) {
	logger := tlog.Get(ctx)
	logger.Info("WebSocket established")

	var closeEvent atomic.Pointer[Event]
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		var pings int64 // difference between pings sent and pongs received

		if s.config.RequirePong {
			ws.SetPongHandler(func(data string) error {
				atomic.AddInt64(&pings, -1)
				return nil
			})
		}

		spawn("receiver", parallel.Exit, func(ctx context.Context) error {
			for {
				mt, buff, err := ws.ReadMessage()
				if err != nil {
					var ce *websocket.CloseError
					if errors.As(err, &ce) {
						closeEvent.Store(&Event{Type: EventClose, Code: ce.Code, Reason: ce.Text, WasClean: true})
						return nil
					}
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return err
				}
				switch mt {
				case websocket.TextMessage, websocket.BinaryMessage:
					select {
					case s.events <- Event{Type: EventMessage, Message: Message{Binary: mt == websocket.BinaryMessage, Data: buff}}:
					case <-ctx.Done():
						return ctx.Err()
					}
				default:
					return fmt.Errorf("unexpected WebSocket message type %d", mt)
				}
			}
		})

		spawn("sender", parallel.Exit, func(ctx context.Context) error {
			// We use websocket pings because Nginx closes the connection if no traffic passes it
			// despite configuring TCP keepalive.

			var ticks <-chan time.Time
			if s.config.PingInterval != 0 {
				ticker := time.NewTicker(s.config.PingInterval)
				defer ticker.Stop()
				ticks = ticker.C
			}
			for {
				// Keep in mind that gorilla websocket library does not support concurrent writes (WriteMessage, WriteControl...)
				// so sending real messages and pings have to happen in the same goroutine or be protected by mutex.
				// We have chosen the first solution here. Close frames go through WriteControl,
				// which is safe to call concurrently.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case msg := <-s.outgoing:
					messageType := websocket.TextMessage
					if msg.Binary {
						messageType = websocket.BinaryMessage
					}
					if err := ws.WriteMessage(messageType, msg.Data); err != nil {
						return err
					}
				case <-ticks:
					if s.config.RequirePong && atomic.AddInt64(&pings, 1) > 1 { // we still haven't received the previous pong
						return ErrPingTimeout
					}
					if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
						return err
					}
				}
			}
		})

		spawn("closer", parallel.Exit, func(ctx context.Context) error {
			defer closeConn(logger, ws)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.closeReq:
			}

			s.mu.Lock()
			msg := s.closeMsg
			s.mu.Unlock()
			if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.config.CloseTimeout)); err != nil {
				return nil
			}

			// The receiver exits once the peer echoes the close frame
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.config.CloseTimeout):
				return nil
			}
		})

		return nil
	})

	s.state.Store(int32(Closed))
	if err != nil && !errors.Is(err, context.Canceled) && !tnet.IsDisconnectError(err) {
		s.events <- Event{Type: EventError, Err: err}
	}
	ev := closeEvent.Load()
	if ev == nil {
		ev = &Event{Type: EventClose, Code: websocket.CloseAbnormalClosure}
	}
	s.events <- *ev
	logger.Info("WebSocket disconnected", zap.Int("code", ev.Code), zap.Error(err))
	close(s.events)
	close(s.done)
}

func closeConn(logger *zap.Logger, ws *websocket.Conn) {
	err := ws.Close()
	if err == nil || tnet.IsClosedConnectionError(err) {
		return
	}
	// If the other side terminates WebSocket connection, then TLS
	// library sometimes returns this error due to unfortunate timing
	// of socket operations.
	//
	// Unfortunately, the error is produced by fmt.Errorf, so we have
	// to resort to checking the error text.
	if !strings.Contains(err.Error(), "failed to send closeNotify alert (but connection was closed anyway)") {
		logger.Warn("Failed to close WebSocket connection", zap.Error(err))
	}
}

// Dial connects to a WebSocket server and returns an open client socket
func Dial(ctx context.Context, url string, headers http.Header, config Config) (*Socket, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var netDialer net.Dialer
			return netDialer.DialContext(ctx, network, addr)
		},
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
		Subprotocols:     config.Subprotocols,
		TLSClientConfig:  config.TLSClientConfig,
	}

	ws, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("failed to establish WebSocket connection to %s (%s): %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to establish WebSocket connection to %s: %w", url, err)
	}

	ctx = tlog.With(ctx, zap.String("url", url), zap.String("requestID", resp.Header.Get("X-Request-ID")))
	socket := NewSocket(config)
	if err := socket.Accept(ctx, ws, RoleClient); err != nil {
		return nil, err
	}
	return socket, nil
}

// WithWSScheme changes http to ws and https to wss
func WithWSScheme(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		panic("no scheme in address")
	}
	return strings.Replace(addr, "http", "ws", 1)
}
