package serve

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/ridge/hserve/engine"
	"github.com/ridge/hserve/keepalive"
	"github.com/ridge/hserve/tlog"
	"github.com/ridge/hserve/tnet"
	"go.uber.org/zap"
)

const (
	// DefaultPort is used when Options.Port is 0
	DefaultPort = 8000

	// DefaultHostname is used when Options.Hostname is empty
	DefaultHostname = "0.0.0.0"

	// RandomPort as Options.Port picks any free port
	RandomPort = -1
)

// ErrNoHandler is returned by Serve if no handler is given
var ErrNoHandler = errors.New("a handler must be provided")

// ListenInfo is passed to Options.OnListen
type ListenInfo struct {
	// Hostname and Port are set for TCP. Hostname "0.0.0.0" is reported as
	// "localhost".
	Hostname string
	Port     int

	// Path is set for UNIX sockets
	Path string
}

// Options configures Serve
type Options struct {
	// Handler is used if Serve is called without a handler
	Handler Handler

	// Port to listen on, DefaultPort if 0, RandomPort for any free port
	Port int

	// Hostname to listen on, DefaultHostname if empty
	Hostname string

	// Path of a UNIX socket to listen on instead of TCP
	Path string

	// Cert and Key are a PEM certificate chain and private key. Setting both
	// enables TLS with ALPN h2 and http/1.1.
	Cert []byte
	Key  []byte

	// ReusePort sets SO_REUSEPORT on the listening socket
	ReusePort bool

	// OnError converts handler errors into responses. The default logs the
	// error and returns InternalServerError.
	OnError ErrorHandler

	// OnListen is called once the server is listening. The default logs
	// the address.
	OnListen func(ctx context.Context, info ListenInfo)

	// Observer is told about the outcome of every dispatch
	Observer Observer

	// KeepAlive tracks the pending wait for requests, see Server.Ref
	KeepAlive *keepalive.Tracker

	// Unref starts the server unreferenced, see Server.Unref
	Unref bool

	// Engine defaults to a new engine.HTTP
	Engine engine.Engine

	// Not supported: use Cert and Key
	CertFile string
	KeyFile  string

	// Not supported: ALPN is always h2, http/1.1
	ALPNProtocols []string
}

// validateAttached validates the options of ServeListener and ServeConn,
// which serve plain HTTP on a socket opened elsewhere
func (o Options) validateAttached() error {
	if err := o.validateLegacy(); err != nil {
		return err
	}
	if len(o.Cert) > 0 || len(o.Key) > 0 {
		return errors.New("Cert and Key are only supported by Serve")
	}
	if o.Port != 0 || o.Hostname != "" || o.Path != "" || o.ReusePort {
		return errors.New("Port, Hostname, Path and ReusePort are only supported by Serve")
	}
	return nil
}

func (o Options) validateLegacy() error {
	if o.CertFile != "" || o.KeyFile != "" {
		return errors.New("unsupported CertFile / KeyFile options provided: use Cert / Key instead")
	}
	if len(o.ALPNProtocols) > 0 {
		return errors.New("unsupported ALPNProtocols option provided: h2 and http/1.1 are automatically supported")
	}
	return nil
}

func (o Options) validate() error {
	if err := o.validateLegacy(); err != nil {
		return err
	}
	if (len(o.Cert) > 0) != (len(o.Key) > 0) {
		return errors.New("both Cert and Key must be provided to enable HTTPS")
	}
	if o.Path != "" && len(o.Cert) > 0 {
		return errors.New("TLS is not supported on UNIX sockets")
	}
	if o.Port < RandomPort || o.Port > 65535 {
		return fmt.Errorf("invalid port %d", o.Port)
	}
	return nil
}

func (o Options) withDefaults(handler Handler) (Options, error) {
	if handler != nil {
		o.Handler = handler
	}
	if o.Handler == nil {
		return Options{}, ErrNoHandler
	}
	if o.OnError == nil {
		o.OnError = defaultOnError
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.KeepAlive == nil {
		o.KeepAlive = keepalive.NewTracker()
	}
	if o.Engine == nil {
		o.Engine = engine.NewHTTP()
	}
	return o, nil
}

func defaultOnError(ctx context.Context, err error) (*Response, error) {
	tlog.Get(ctx).Error("Request handler failed", zap.Error(err))
	return InternalServerError(), nil
}

func defaultOnListen(ctx context.Context, scheme string, info ListenInfo) {
	if info.Path != "" {
		tlog.Get(ctx).Info("Listening on " + info.Path)
		return
	}
	tlog.Get(ctx).Info(fmt.Sprintf("Listening on %s%s/", scheme, net.JoinHostPort(info.Hostname, strconv.Itoa(info.Port))))
}

// Serve listens according to the options and serves requests with the
// handler, or Options.Handler if handler is nil.
//
// Canceling ctx closes the server abruptly; Server.Shutdown closes it
// gracefully.
func Serve(ctx context.Context, handler Handler, opts Options) (*Server, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts, err := opts.withDefaults(handler)
	if err != nil {
		return nil, err
	}

	if opts.Path != "" {
		l, err := tnet.Listen("unix:" + opts.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", opts.Path, err)
		}
		return serveListener(ctx, l, nil, opts, ListenInfo{Path: opts.Path})
	}

	hostname := opts.Hostname
	if hostname == "" {
		hostname = DefaultHostname
	}
	port := opts.Port
	switch port {
	case 0:
		port = DefaultPort
	case RandomPort:
		port = 0
	}

	var tlsConfig *tls.Config
	if len(opts.Cert) > 0 {
		cert, err := tls.X509KeyPair(opts.Cert, opts.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	address := "tcp:" + net.JoinHostPort(hostname, strconv.Itoa(port))
	l, err := tnet.ListenWith(address, tnet.ListenOptions{ReusePort: opts.ReusePort})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	info := ListenInfo{Hostname: hostname, Port: listenerAddr(l).Port}
	if info.Hostname == DefaultHostname {
		// Browsers on Windows don't resolve 0.0.0.0
		info.Hostname = "localhost"
	}
	return serveListener(ctx, l, tlsConfig, opts, info)
}

// ServeListener serves plain HTTP on the listener
func ServeListener(ctx context.Context, l net.Listener, handler Handler, opts Options) (*Server, error) {
	if err := opts.validateAttached(); err != nil {
		return nil, err
	}
	opts, err := opts.withDefaults(handler)
	if err != nil {
		return nil, err
	}
	addr := listenerAddr(l)
	return serveListener(ctx, l, nil, opts, ListenInfo{Hostname: addr.Hostname, Port: addr.Port, Path: addr.Path})
}

func serveListener(ctx context.Context, l net.Listener, tlsConfig *tls.Config, opts Options, info ListenInfo) (*Server, error) {
	server, err := opts.Engine.ServeListener(ctx, l, tlsConfig)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to start server: %w", err)
	}
	return start(ctx, newServerContext(opts.Engine, server, l), opts, listenerAddr(l), info), nil
}

// ServeConn serves HTTP on a single connection accepted elsewhere
func ServeConn(ctx context.Context, conn net.Conn, handler Handler, opts Options) (*Server, error) {
	if err := opts.validateAttached(); err != nil {
		return nil, err
	}
	opts, err := opts.withDefaults(handler)
	if err != nil {
		return nil, err
	}
	server, err := opts.Engine.ServeConn(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	addr := Addr{Transport: conn.LocalAddr().Network(), Hostname: conn.LocalAddr().String()}
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		addr = Addr{Transport: "tcp", Hostname: tcp.IP.String(), Port: tcp.Port}
	}
	return start(ctx, newServerContext(opts.Engine, server, nil), opts, addr, ListenInfo{Hostname: addr.Hostname, Port: addr.Port}), nil
}

func start(ctx context.Context, sc *serverContext, opts Options, addr Addr, info ListenInfo) *Server {
	ctx = tlog.With(ctx, zap.Stringer("httpServer", addr))

	if opts.OnListen != nil {
		opts.OnListen(ctx, info)
	} else {
		defaultOnListen(ctx, sc.scheme, info)
	}

	s := newServer(sc, &dispatcher{
		sc:       sc,
		handler:  opts.Handler,
		onError:  opts.OnError,
		observer: opts.Observer,
	}, opts.KeepAlive, addr)
	s.start(ctx, !opts.Unref)
	return s
}
