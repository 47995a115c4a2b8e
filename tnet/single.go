package tnet

import (
	"net"
	"sync"
)

// SingleConnListener returns a listener that yields the given connection once
// and then blocks in Accept until closed. It lets a connection that was
// accepted elsewhere be served by code that wants a net.Listener.
func SingleConnListener(conn net.Conn) net.Listener {
	ch := make(chan net.Conn, 1)
	ch <- conn
	return &singleConnListener{
		conn:   conn,
		ch:     ch,
		closed: make(chan struct{}),
	}
}

type singleConnListener struct {
	conn      net.Conn
	ch        chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.ch:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close stops Accept. The connection itself is owned by whoever accepted it.
func (l *singleConnListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
