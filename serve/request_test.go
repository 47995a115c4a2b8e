package serve

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ridge/hserve/engine"
	"github.com/ridge/hserve/engine/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveURL(t *testing.T) {
	cases := []struct {
		name string
		mu   engine.MethodAndURL
		url  string
	}{
		{"asterisk", engine.MethodAndURL{Method: "OPTIONS", Path: "*"}, "*"},
		{"connect", engine.MethodAndURL{Method: "CONNECT", Authority: "example.com:443"}, "example.com:443"},
		{"connect with path", engine.MethodAndURL{Method: "CONNECT", Authority: "example.com:443", Path: "/x"}, "example.com:443"},
		{"host", engine.MethodAndURL{Method: "GET", Authority: "a.test", Path: "/x"}, "http://a.test/x"},
		{"fallback", engine.MethodAndURL{Method: "GET", Path: "/x"}, "http://0.0.0.0:8000/x"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.url, resolveURL(c.mu, "http://", "0.0.0.0:8000"))
		})
	}
}

func TestURLFromEngine(t *testing.T) {
	urls := make(chan string, 2)
	f := newFixture(t, Func1(func(ctx context.Context, req *Request) (*Response, error) {
		url, err := req.URL()
		if err != nil {
			return nil, err
		}
		urls <- url
		return Empty(http.StatusNoContent), nil
	}), Options{})

	f.push(get("/with-host?q=1"))
	assert.Equal(t, "http://a.test/with-host?q=1", <-urls)
	f.next(t)

	f.push(mock.Request{Method: "GET", Path: "/no-host"})
	assert.Equal(t, "http://"+f.server.Addr().String()+"/no-host", <-urls)
	f.next(t)
}

func TestNoBodyForGetAndHead(t *testing.T) {
	f := newFixture(t, Func1(func(ctx context.Context, req *Request) (*Response, error) {
		body, err := req.Body()
		if err != nil {
			return nil, err
		}
		assert.Nil(t, body)
		return Text(http.StatusOK, "ok"), nil
	}), Options{})

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		f.push(mock.Request{Method: method, Authority: "a.test", Path: "/", Body: []byte("ignored")})
		c := f.next(t)
		assert.Equal(t, http.StatusOK, c.Status)
	}
	assert.Zero(t, f.engine.BodyReads())
}

func TestBodyReadLazilyOnce(t *testing.T) {
	f := newFixture(t, Func1(func(ctx context.Context, req *Request) (*Response, error) {
		url, err := req.URL()
		if err != nil {
			return nil, err
		}
		if url == "http://a.test/skip" {
			return Empty(http.StatusNoContent), nil
		}
		body, err := req.Body()
		if err != nil {
			return nil, err
		}
		again, err := req.Body()
		if err != nil {
			return nil, err
		}
		assert.Same(t, body, again)
		return Stream(http.StatusOK, body), nil
	}), Options{})

	f.push(mock.Request{Method: http.MethodPost, Authority: "a.test", Path: "/skip", Body: []byte("unread")})
	assert.Equal(t, http.StatusNoContent, f.next(t).Status)
	assert.Zero(t, f.engine.BodyReads())

	f.push(mock.Request{Method: http.MethodPost, Authority: "a.test", Path: "/echo", Body: []byte("ping")})
	c := f.next(t)
	assert.Equal(t, mock.KindResource, c.Kind)
	assert.Equal(t, "ping", string(c.Body))
	assert.False(t, c.AutoClose, "the request body is owned by the request")
	assert.Equal(t, 1, f.engine.BodyReads())
}

func TestAccessorsAfterClose(t *testing.T) {
	requests := make(chan *Request, 1)
	f := newFixture(t, Func1(func(ctx context.Context, req *Request) (*Response, error) {
		if _, err := req.Method(); err != nil {
			return nil, err
		}
		requests <- req
		return Empty(http.StatusOK), nil
	}), Options{})

	f.push(get("/"))
	f.next(t)
	req := <-requests

	method, err := req.Method()
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, method)
	url, err := req.URL()
	require.NoError(t, err)
	assert.Equal(t, "http://a.test/", url)

	require.Eventually(t, func() bool {
		_, err := req.Header()
		return errors.Is(err, ErrRequestClosed)
	}, time.Second, 10*time.Millisecond)
	_, err = req.Body()
	assert.ErrorIs(t, err, ErrRequestClosed)
	assert.ErrorIs(t, req.SetTrailers([]engine.Header{{Name: "x", Value: "y"}}), ErrRequestClosed)
	_, err = req.UpgradeRaw(nil)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestHeaders(t *testing.T) {
	f := newFixture(t, Func1(func(ctx context.Context, req *Request) (*Response, error) {
		header, err := req.Header()
		if err != nil {
			return nil, err
		}
		assert.Equal(t, []engine.Header{
			{Name: "host", Value: "a.test"},
			{Name: "accept", Value: "text/plain"},
			{Name: "accept", Value: "text/html"},
		}, header)

		header[0].Value = "changed"
		value, ok, err := req.HeaderValue("host")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "a.test", value)

		_, ok, err = req.HeaderValue("cookie")
		assert.NoError(t, err)
		assert.False(t, ok)
		return Empty(http.StatusOK), nil
	}), Options{})

	req := get("/")
	req.Headers = []engine.Header{
		{Name: "host", Value: "a.test"},
		{Name: "accept", Value: "text/plain"},
		{Name: "accept", Value: "text/html"},
	}
	f.push(req)
	assert.Equal(t, http.StatusOK, f.next(t).Status)
}

func TestRemoteAddr(t *testing.T) {
	addrs := make(chan Addr, 2)
	f := newFixture(t, Func2(func(ctx context.Context, req *Request, info HandlerInfo) (*Response, error) {
		addr, err := info.RemoteAddr()
		if err != nil {
			return nil, err
		}
		addrs <- addr
		addr, err = req.RemoteAddr()
		if err != nil {
			return nil, err
		}
		addrs <- addr
		return Empty(http.StatusOK), nil
	}), Options{})

	f.push(get("/"))
	f.next(t)
	expected := Addr{Transport: "tcp", Hostname: "10.0.0.1", Port: 4242}
	assert.Equal(t, expected, <-addrs)
	assert.Equal(t, expected, <-addrs)
	assert.Equal(t, "10.0.0.1:4242", expected.String())
}

func TestTrailers(t *testing.T) {
	f := newFixture(t, Func1(func(ctx context.Context, req *Request) (*Response, error) {
		if err := req.SetTrailers([]engine.Header{{Name: "x-checksum", Value: "abc"}}); err != nil {
			return nil, err
		}
		return Text(http.StatusOK, "data"), nil
	}), Options{})

	f.push(get("/"))
	c := f.next(t)
	assert.Equal(t, []engine.Header{{Name: "x-checksum", Value: "abc"}}, c.Trailers)
}
