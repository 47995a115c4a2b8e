package thttp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ridge/hserve/tcontext"
	"github.com/ridge/hserve/tlog"
	"github.com/ridge/must/v2"
	"github.com/ridge/parallel"
	"go.uber.org/zap"
)

const gracefulShutdownTimeout = 5 * time.Second

// ALPNProtocols is the fixed list of protocols offered over TLS
var ALPNProtocols = []string{"h2", "http/1.1"}

// Server wraps an HTTP server
type Server struct {
	listener  net.Listener
	handler   http.Handler
	tlsConfig *tls.Config
	locked    sync.WaitGroup

	// ConnState, if set, is called on every client connection state change.
	// Set it before Serve.
	ConnState func(net.Conn, http.ConnState)

	mu      sync.Mutex
	baseCtx context.Context //nolint:containedctx // http.Server is pre-context
	server  *http.Server
}

// NewServer creates a Server
func NewServer(listener net.Listener, handler http.Handler) *Server {
	return &Server{
		listener: listener,
		handler:  handler,
	}
}

// NewTLSServer creates a Server that terminates TLS on the listener. The
// configuration must carry a certificate; its NextProtos are replaced with
// ALPNProtocols.
func NewTLSServer(listener net.Listener, handler http.Handler, config *tls.Config) *Server {
	config = config.Clone()
	config.NextProtos = append([]string(nil), ALPNProtocols...)
	return &Server{
		listener:  listener,
		handler:   handler,
		tlsConfig: config,
	}
}

type panicKeyType int

const panicKey panicKeyType = iota

// Serve accepts connections until the server is closed with Shutdown or
// Close. Request contexts inherit the values of ctx, but are not canceled
// together with it.
//
// Returns nil if the server was closed on request.
func (s *Server) Serve(ctx context.Context) error {
	ctx = tlog.With(ctx, zap.Stringer("httpServer", s.listener.Addr()))
	server := s.init(ctx)

	var err error
	if s.tlsConfig != nil {
		err = server.ServeTLS(s.listener, "", "")
	} else {
		err = server.Serve(s.listener)
	}
	// http.Server predates contexts, so it has its own error meaning
	// "terminated successfully due to an external request"
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) init(ctx context.Context) *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		panic("thttp.Server is already serving")
	}
	s.baseCtx = tcontext.Reopen(ctx)
	s.server = &http.Server{
		Handler:     s.lock(s.handler), // install as outermost
		ErrorLog:    must.OK1(zap.NewStdLogAt(tlog.Get(ctx), zap.WarnLevel)),
		BaseContext: func(net.Listener) context.Context { return s.baseCtx },
		ConnContext: s.connContext,
		TLSConfig:   s.tlsConfig,
		ConnState:   s.ConnState,

		// "OPTIONS *" goes to the handler like any other request
		DisableGeneralOptionsHandler: true,
	}
	return s.server
}

func (s *Server) current() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// Shutdown stops accepting new connections and waits until all running
// handlers, hijacked ones included, have returned or ctx is closed
func (s *Server) Shutdown(ctx context.Context) error {
	server := s.current()
	if server == nil {
		return s.listener.Close()
	}
	// Server.Shutdown may return http.ErrServerClosed if the server is
	// already down. It's not an error in this case.
	err := server.Shutdown(ctx)
	if err != nil && ctx.Err() != nil { // timeout shutting down
		return err
	}
	// All other errors come from closing listener, and we don't care
	// about them, as the server is shutting down anyway.

	done := make(chan struct{})
	go func() {
		s.locked.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the listener and all connections immediately
func (s *Server) Close() error {
	server := s.current()
	if server == nil {
		return s.listener.Close()
	}
	return server.Close()
}

// Run serves requests until the context is closed, then performs graceful
// shutdown for up to gracefulShutdownTimeout.
//
// A panic in a handler wrapped with Recover terminates Run with the panic
// error.
func (s *Server) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		panicChan := make(chan error, 1)
		ctx = context.WithValue(ctx, panicKey, panicChan)
		logger := tlog.Get(ctx).With(zap.Stringer("httpServer", s.listener.Addr()))

		spawn("serve", parallel.Fail, func(ctx context.Context) error {
			logger.Info("Serving requests")
			if err := s.Serve(ctx); err != nil {
				return err
			}
			return ctx.Err()
		})

		spawn("panicHandler", parallel.Fail, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-panicChan:
				return err
			}
		})

		spawn("shutdownHandler", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			logger.Info("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(tcontext.Reopen(ctx), gracefulShutdownTimeout)
			defer cancel()
			defer s.Close()

			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Info("Shutdown canceled", zap.Error(err))
				return err
			}

			logger.Info("Shutdown complete")
			return ctx.Err()
		})

		return nil
	})
}

// ListenAddr returns the local address of the server's listener
func (s *Server) ListenAddr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) connContext(ctx context.Context, conn net.Conn) context.Context {
	return tlog.With(ctx, zap.Stringer("remoteAddr", conn.RemoteAddr()))
}

// This mandatory middleware ensures that any running handlers prevent the
// server from shutting down. This is normally taken care of by the standard
// library itself, except when connections are hijacked. The latter use case is
// important for WebSocket and raw upgrades.
func (s *Server) lock(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.locked.Add(1)
		defer s.locked.Done()
		next.ServeHTTP(w, r)
	})
}

// Wrap installs a number of middleware on HTTP handler. The first
// middleware listed will be the first one to see the request.
func Wrap(handler http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

// StandardMiddleware is a composition of typically used middleware, in the
// recommended order:
//
// 1. Log (log before and after the request)
// 2. Recover (catch and log panic, then shut down the server)
// 3. CORS (allow cross-origin requests)
func StandardMiddleware(next http.Handler) http.Handler {
	return Log(Recover(CORS(next)))
}
