package serve

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ridge/hserve/engine"
	"github.com/ridge/hserve/keepalive"
	"github.com/ridge/hserve/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(ctx context.Context) (*Response, error) {
	return Empty(http.StatusOK), nil
}

func TestServesEveryRequest(t *testing.T) {
	var calls atomic.Int32
	observer := &recordingObserver{}
	f := newFixture(t, Func0(func(ctx context.Context) (*Response, error) {
		calls.Add(1)
		return Empty(http.StatusOK), nil
	}), Options{Observer: observer})

	ids := map[engine.RequestID]bool{}
	for i := 0; i < 5; i++ {
		ids[f.push(get("/"))] = true
	}
	for i := 0; i < 5; i++ {
		c := f.next(t)
		assert.True(t, ids[c.Request])
		delete(ids, c.Request)
	}
	assert.Empty(t, ids)
	assert.EqualValues(t, 5, calls.Load())

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Equal(t, 5, observer.dispatched)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, Func0(okHandler), Options{})

	require.NoError(t, f.server.Shutdown(f.ctx))
	require.NoError(t, f.server.Shutdown(f.ctx))
	<-f.server.Finished()
	require.NoError(t, f.server.Wait(f.ctx))

	closed, graceful := f.engine.Closed(f.id)
	assert.True(t, closed)
	assert.True(t, graceful)
	assert.True(t, f.engine.Released(f.id))

	require.NoError(t, f.server.Shutdown(f.ctx))
}

func TestContextCancelClosesAbruptly(t *testing.T) {
	ctx, cancel := context.WithCancel(test.Context(t))
	defer cancel()
	f := newFixtureWithContext(t, ctx, Func0(okHandler), Options{})

	f.push(get("/"))
	f.next(t)

	cancel()
	select {
	case <-f.server.Finished():
	case <-time.After(test.EventTimeout):
		t.Fatal("serve loop did not exit")
	}
	require.NoError(t, f.server.Wait(context.Background()))

	closed, graceful := f.engine.Closed(f.id)
	assert.True(t, closed)
	assert.False(t, graceful)
	assert.True(t, f.engine.Released(f.id))

	// Nothing to shut down anymore
	require.NoError(t, f.server.Shutdown(context.Background()))
}

func TestWaitFailure(t *testing.T) {
	failure := errors.New("engine broke")
	f := newFixture(t, Func0(okHandler), Options{})

	f.engine.FailWait(f.id, failure)
	<-f.server.Finished()

	err := f.server.Wait(f.ctx)
	require.ErrorIs(t, err, failure)
	assert.Contains(t, err.Error(), "failed to wait for requests")

	closed, graceful := f.engine.Closed(f.id)
	assert.True(t, closed)
	assert.False(t, graceful)
	assert.True(t, f.engine.Released(f.id))
}

func TestWaitOnGoneServer(t *testing.T) {
	f := newFixture(t, Func0(okHandler), Options{})

	f.engine.FailWait(f.id, engine.ErrBadResource)
	<-f.server.Finished()
	require.NoError(t, f.server.Wait(f.ctx))
}

func TestRefUnref(t *testing.T) {
	tracker := keepalive.NewTracker()
	f := newFixture(t, Func0(okHandler), Options{KeepAlive: tracker})

	refs := func(n int) {
		t.Helper()
		require.Eventually(t, func() bool { return tracker.Refs() == n }, test.EventTimeout, time.Millisecond)
	}

	refs(1)
	f.server.Unref()
	refs(0)

	// Requests are still served while unreferenced, and the next wait stays
	// unreferenced
	f.push(get("/"))
	f.next(t)
	require.Eventually(t, func() bool { return f.engine.Waits() >= 2 }, test.EventTimeout, time.Millisecond)
	refs(0)

	f.server.Ref()
	refs(1)
	f.server.Ref()
	refs(1)

	f.push(get("/"))
	f.next(t)
	refs(1)
	test.AssertEvents(t, f.engine.Completions())

	require.NoError(t, f.server.Shutdown(f.ctx))
	<-f.server.Finished()
	refs(0)
	select {
	case <-tracker.Idle():
	default:
		t.Fatal("tracker is not idle")
	}
}

func TestStartUnreferenced(t *testing.T) {
	tracker := keepalive.NewTracker()
	f := newFixture(t, Func0(okHandler), Options{KeepAlive: tracker, Unref: true})

	// Registered synchronously, so the tracker never counts the server
	assert.Equal(t, 0, tracker.Refs())
	f.push(get("/"))
	f.next(t)
	assert.Equal(t, 0, tracker.Refs())

	f.server.Ref()
	assert.Equal(t, 1, tracker.Refs())
	require.NoError(t, f.server.Shutdown(f.ctx))
	<-f.server.Finished()
	assert.Equal(t, 0, tracker.Refs())
}
