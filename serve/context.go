package serve

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/ridge/hserve/engine"
)

// serverContext is the state shared by all dispatches of one server
type serverContext struct {
	engine engine.Engine
	id     engine.ServerID

	scheme       string
	fallbackHost string

	// listener is nil for servers on a single connection
	listener net.Listener

	closing atomic.Bool // graceful shutdown started
	closed  atomic.Bool // terminal

	released atomic.Bool
}

func newServerContext(e engine.Engine, server engine.Server, l net.Listener) *serverContext {
	return &serverContext{
		engine:       e,
		id:           server.ID,
		scheme:       server.Scheme,
		fallbackHost: server.FallbackHost,
		listener:     l,
	}
}

// isUnix returns true if the server listens on a UNIX socket
func (sc *serverContext) isUnix() bool {
	return sc.listener != nil && isUnix(sc.listener.Addr().Network())
}

// beginClosing marks the start of a graceful shutdown. Returns false if the
// server is already closing or closed.
func (sc *serverContext) beginClosing() bool {
	if sc.closed.Load() {
		return false
	}
	return sc.closing.CompareAndSwap(false, true)
}

// forceClose closes the server abruptly. The serve loop notices and exits.
func (sc *serverContext) forceClose() {
	sc.closed.Store(true)
	sc.engine.Cancel(sc.id)
}

// closeAbruptly closes the server abruptly unless it's already closing
func (sc *serverContext) closeAbruptly(ctx context.Context) error {
	if sc.closed.Load() || sc.closing.Load() {
		return nil
	}
	sc.closed.Store(true)
	return sc.engine.Close(ctx, sc.id, false)
}

// release forgets the server ID. Idempotent. A graceful shutdown may still
// be draining at this point, so closed is left to Shutdown.
func (sc *serverContext) release() {
	if sc.released.CompareAndSwap(false, true) {
		sc.engine.Release(sc.id)
	}
}
