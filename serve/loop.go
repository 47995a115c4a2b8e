package serve

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ridge/hserve/engine"
	"github.com/ridge/hserve/keepalive"
	"github.com/ridge/hserve/tcontext"
	"github.com/ridge/hserve/thttp"
	"github.com/ridge/hserve/tlog"
	"go.uber.org/zap"
)

// Server is a running server
type Server struct {
	sc         *serverContext
	dispatcher *dispatcher
	tracker    *keepalive.Tracker
	addr       Addr

	mu      sync.Mutex
	pending *keepalive.Op // waiting for requests, nil once the loop exited

	finished chan struct{}
	err      error
}

func newServer(sc *serverContext, d *dispatcher, tracker *keepalive.Tracker, addr Addr) *Server {
	return &Server{
		sc:         sc,
		dispatcher: d,
		tracker:    tracker,
		addr:       addr,
		finished:   make(chan struct{}),
	}
}

// Addr returns the address the server listens on
func (s *Server) Addr() Addr {
	return s.addr
}

// Finished is closed once the serve loop has exited
func (s *Server) Finished() <-chan struct{} {
	return s.finished
}

// Wait waits for the serve loop to exit and returns its error, nil if the
// loop terminated normally
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.finished:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting requests and waits, until ctx is closed, for the
// requests in flight to complete. Calling Shutdown on a server that is
// already closing or closed does nothing.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.sc.beginClosing() {
		return nil
	}
	tlog.Get(ctx).Debug("Shutting down")
	err := s.sc.engine.Close(ctx, s.sc.id, true)
	s.sc.closed.Store(true)
	if errors.Is(err, engine.ErrBadResource) { // the loop is gone already
		return nil
	}
	return err
}

// Ref makes waiting for requests keep the process alive (see
// keepalive.Tracker and Options.KeepAlive). This is the default unless
// Options.Unref is set.
func (s *Server) Ref() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Ref()
	}
}

// Unref stops waiting for requests from keeping the process alive. Requests
// are still served.
func (s *Server) Unref() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Unref()
	}
}

func (s *Server) releaseWait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Release()
	s.pending = nil
}

// start runs the serve loop in the background. Canceling ctx closes the
// server abruptly.
//
// The pending wait is registered with the tracker before start returns and
// stays registered across iterations of the loop, so the tracker does not go
// idle between two requests.
func (s *Server) start(ctx context.Context, ref bool) {
	s.pending = s.tracker.Hold(ref)

	go func() {
		select {
		case <-ctx.Done():
			tlog.Get(ctx).Debug("Serve context closed, canceling server")
			s.sc.closed.Store(true)
			s.sc.engine.Cancel(s.sc.id)
		case <-s.finished:
		}
	}()

	go func() {
		defer close(s.finished)

		s.err = s.loop(ctx)
		if s.err != nil {
			tlog.Get(ctx).Error("Serve loop failed", zap.Error(s.err))
		}
		if err := s.sc.closeAbruptly(tcontext.Reopen(ctx)); err != nil {
			tlog.Get(ctx).Debug("Failed to close server", zap.Error(err))
		}
		s.sc.release()
		s.releaseWait()
	}()
}

func (s *Server) loop(ctx context.Context) error {
	e := s.sc.engine
	for {
		// Take everything that is ready before suspending
		for {
			id, ok := e.TryWait(s.sc.id)
			if !ok {
				break
			}
			s.spawn(ctx, id)
		}

		id, ok, err := e.Wait(ctx, s.sc.id)

		if err != nil {
			if errors.Is(err, engine.ErrBadResource) || errors.Is(err, engine.ErrInterrupted) {
				return nil
			}
			return fmt.Errorf("failed to wait for requests: %w", err)
		}
		if !ok {
			return nil
		}
		s.spawn(ctx, id)
	}
}

// spawn dispatches the request without waiting for it
func (s *Server) spawn(ctx context.Context, id engine.RequestID) {
	go func() {
		err := thttp.RunTask(ctx, func(ctx context.Context) error {
			return s.dispatcher.dispatch(ctx, id)
		})
		if err != nil {
			s.abnormal(ctx, err)
		}
	}()
}

// abnormal handles a dispatch that failed outside of the handler
func (s *Server) abnormal(ctx context.Context, err error) {
	tlog.Get(ctx).Error("Terminating serve loop due to unexpected error", zap.Error(err))
	s.dispatcher.observer.Abnormal(err)
	s.sc.forceClose()
}
