package serve

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/ridge/hserve/engine"
	"github.com/ridge/hserve/engine/mock"
	"github.com/ridge/hserve/test"
	"github.com/ridge/hserve/tnet"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctx    context.Context
	engine *mock.Engine
	server *Server
	id     engine.ServerID
}

// newFixture serves the handler on a mock engine
func newFixture(t *testing.T, handler Handler, opts Options) *fixture {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	return newFixtureWithContext(t, ctx, handler, opts)
}

func newFixtureWithContext(t *testing.T, ctx context.Context, handler Handler, opts Options) *fixture {
	e := mock.New()
	opts.Engine = e

	l := tnet.ListenOnRandomPort()
	t.Cleanup(func() { _ = l.Close() })

	s, err := ServeListener(ctx, l, handler, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.sc.forceClose()
		<-s.Finished()
	})
	return &fixture{ctx: ctx, engine: e, server: s, id: s.sc.id}
}

func (f *fixture) push(req mock.Request) engine.RequestID {
	return f.engine.Push(f.id, req)
}

func (f *fixture) next(t *testing.T) mock.Completion {
	return test.Next(t, f.engine.Completions())
}

func get(path string) mock.Request {
	return mock.Request{Method: "GET", Authority: "a.test", Path: path, RemoteHost: "10.0.0.1", RemotePort: 4242}
}

type recordingObserver struct {
	mu         sync.Mutex
	dispatched int
	completed  []BodyKind
	failed     []error
	upgraded   []string
	abnormal   []error
}

func (o *recordingObserver) Dispatched() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatched++
}

func (o *recordingObserver) Completed(kind BodyKind, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, kind)
}

func (o *recordingObserver) HandlerFailed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *recordingObserver) Upgraded(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.upgraded = append(o.upgraded, kind)
}

func (o *recordingObserver) Abnormal(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.abnormal = append(o.abnormal, err)
}

func (o *recordingObserver) abnormalCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.abnormal)
}

// tcpPair returns both ends of a loopback TCP connection: accepted, dialed
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	l := tnet.ListenOnRandomPort()
	defer l.Close()

	dialed, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dialed.Close() })

	accepted, err := l.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = accepted.Close() })
	return accepted, dialed
}
