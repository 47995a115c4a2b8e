package serve

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/ridge/hserve/engine"
	"github.com/ridge/hserve/test"
	"github.com/ridge/hserve/thttp"
	"github.com/ridge/hserve/tnet"
	"github.com/ridge/hserve/tws"
	"github.com/ridge/must/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoURL(ctx context.Context, req *Request) (*Response, error) {
	url, err := req.URL()
	if err != nil {
		return nil, err
	}
	return Text(http.StatusOK, url), nil
}

func serve(t *testing.T, ctx context.Context, handler Handler, opts Options) (*Server, ListenInfo) {
	infos := make(chan ListenInfo, 1)
	opts.OnListen = func(ctx context.Context, info ListenInfo) {
		infos <- info
	}
	s, err := Serve(ctx, handler, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		<-s.Finished()
	})
	return s, <-infos
}

func fetch(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	res, err := client.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(body)
}

func TestServe(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	s, info := serve(t, ctx, Func1(echoURL), Options{Hostname: "127.0.0.1", Port: RandomPort})

	assert.Equal(t, "127.0.0.1", info.Hostname)
	assert.NotZero(t, info.Port)
	assert.Equal(t, Addr{Transport: "tcp", Hostname: "127.0.0.1", Port: info.Port}, s.Addr())

	url := fmt.Sprintf("http://127.0.0.1:%d/path?q=1", info.Port)
	res, body := fetch(t, http.DefaultClient, url)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, url, body)
}

func TestInformationalStatusIsNotSent(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	_, info := serve(t, ctx, Func0(func(ctx context.Context) (*Response, error) {
		return Text(http.StatusEarlyHints, "early"), nil
	}), Options{Hostname: "127.0.0.1", Port: RandomPort})

	res, body := fetch(t, http.DefaultClient, fmt.Sprintf("http://127.0.0.1:%d/", info.Port))
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "Internal Server Error", body)
}

func TestServeDefaultHostname(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	s, info := serve(t, ctx, Func1(echoURL), Options{Port: RandomPort})

	assert.Equal(t, "localhost", info.Hostname)
	assert.Equal(t, info.Port, s.Addr().Port)
}

func TestServeOptions(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	handler := Func0(okHandler)

	_, err := Serve(ctx, nil, Options{Port: RandomPort})
	assert.ErrorIs(t, err, ErrNoHandler)

	invalid := map[string]Options{
		"cert file":     {CertFile: "cert.pem"},
		"key file":      {KeyFile: "key.pem"},
		"alpn":          {ALPNProtocols: []string{"h2"}},
		"cert only":     {Cert: []byte("cert")},
		"key only":      {Key: []byte("key")},
		"tls on unix":   {Path: "/tmp/s.sock", Cert: []byte("cert"), Key: []byte("key")},
		"port too high": {Port: 65536},
		"negative port": {Port: -2},
	}
	for name, opts := range invalid {
		_, err := Serve(ctx, handler, opts)
		assert.Error(t, err, name)
	}

	_, err = Serve(ctx, handler, Options{Port: RandomPort, Cert: []byte("cert"), Key: []byte("key")})
	assert.ErrorContains(t, err, "invalid certificate")
}

func TestAttachedServeOptions(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	handler := Func0(okHandler)

	invalid := map[string]Options{
		"cert file":  {CertFile: "cert.pem"},
		"key file":   {KeyFile: "key.pem"},
		"alpn":       {ALPNProtocols: []string{"h2"}},
		"cert":       {Cert: []byte("cert"), Key: []byte("key")},
		"port":       {Port: 8080},
		"hostname":   {Hostname: "127.0.0.1"},
		"path":       {Path: "/tmp/s.sock"},
		"reuse port": {ReusePort: true},
	}
	l := tnet.ListenOnRandomPort()
	defer l.Close()
	accepted, _ := tcpPair(t)
	for name, opts := range invalid {
		_, err := ServeListener(ctx, l, handler, opts)
		assert.Error(t, err, name)
		_, err = ServeConn(ctx, accepted, handler, opts)
		assert.Error(t, err, name)
	}

	_, err := ServeConn(ctx, accepted, nil, Options{})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestServeConn(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	accepted, dialed := tcpPair(t)

	s, err := ServeConn(ctx, accepted, Func1(echoURL), Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		<-s.Finished()
	})

	req := must.OK1(http.NewRequest(http.MethodGet, "http://conn.test/x?y=1", nil))
	require.NoError(t, req.Write(dialed))
	res, err := http.ReadResponse(bufio.NewReader(dialed), req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "http://conn.test/x?y=1", string(must.OK1(io.ReadAll(res.Body))))
}

func TestServeHandlerFromOptions(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	_, info := serve(t, ctx, nil, Options{Hostname: "127.0.0.1", Port: RandomPort, Handler: Func0(func(ctx context.Context) (*Response, error) {
		return Text(http.StatusOK, "from options"), nil
	})})

	_, body := fetch(t, http.DefaultClient, fmt.Sprintf("http://127.0.0.1:%d/", info.Port))
	assert.Equal(t, "from options", body)
}

func TestShutdownFinishesInFlight(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	started := make(chan struct{})
	release := make(chan struct{})
	s, info := serve(t, ctx, Func0(func(ctx context.Context) (*Response, error) {
		close(started)
		<-release
		return Text(http.StatusOK, "done"), nil
	}), Options{Hostname: "127.0.0.1", Port: RandomPort})

	type result struct {
		status int
		body   string
	}
	results := make(chan result, 1)
	go func() {
		res, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", info.Port))
		if err != nil {
			results <- result{body: err.Error()}
			return
		}
		defer res.Body.Close()
		body, _ := io.ReadAll(res.Body)
		results <- result{status: res.StatusCode, body: string(body)}
	}()
	<-started

	shutdown := make(chan error, 1)
	go func() {
		shutdown <- s.Shutdown(ctx)
	}()

	select {
	case <-shutdown:
		t.Fatal("shutdown did not wait for the request in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, result{status: http.StatusOK, body: "done"}, test.Next(t, results))
	require.NoError(t, test.Next(t, shutdown))
	<-s.Finished()
	require.NoError(t, s.Wait(ctx))
}

func TestServeUnix(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	path := filepath.Join(t.TempDir(), "s.sock")

	addrs := make(chan Addr, 1)
	s, info := serve(t, ctx, Func2(func(ctx context.Context, req *Request, info HandlerInfo) (*Response, error) {
		addr, err := info.RemoteAddr()
		if err != nil {
			return nil, err
		}
		addrs <- addr
		return echoURL(ctx, req)
	}), Options{Path: path})

	assert.Equal(t, ListenInfo{Path: path}, info)
	assert.Equal(t, path, s.Addr().String())

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", path)
		},
	}}
	_, body := fetch(t, client, "http://unix/x")
	assert.Equal(t, "http://unix/x", body)
	assert.Equal(t, Addr{Transport: "unix", Path: path}, <-addrs)
}

func TestServeTLS(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	cert, key := selfSignedCert(t)

	_, info := serve(t, ctx, Func1(echoURL), Options{
		Hostname: "127.0.0.1",
		Port:     RandomPort,
		Cert:     cert,
		Key:      key,
	})

	client := &http.Client{Transport: &http.Transport{
		ForceAttemptHTTP2: true,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	}}

	url := fmt.Sprintf("https://127.0.0.1:%d/secure", info.Port)
	res, body := fetch(t, client, url)
	assert.Equal(t, 2, res.ProtoMajor)
	require.NotNil(t, res.TLS)
	assert.Equal(t, "h2", res.TLS.NegotiatedProtocol)
	assert.Equal(t, url, body)
}

func selfSignedCert(t *testing.T) ([]byte, []byte) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	key := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: must.OK1(x509.MarshalPKCS8PrivateKey(priv))})
	return cert, key
}

func TestWebSocketEcho(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)
	_, info := serve(t, ctx, Func1(func(ctx context.Context, req *Request) (*Response, error) {
		up, err := req.UpgradeWebSocket(ctx, nil, tws.DefaultConfig)
		if err != nil {
			return nil, err
		}
		go func() {
			for ev := range up.Socket.Events() {
				if ev.Type == tws.EventMessage {
					_ = up.Socket.Send(ctx, ev.Message)
				}
			}
		}()
		return up.Response, nil
	}), Options{Hostname: "127.0.0.1", Port: RandomPort})

	client, err := tws.Dial(ctx, tws.WithWSScheme(fmt.Sprintf("http://127.0.0.1:%d/ws", info.Port)), nil, tws.DefaultConfig)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, tws.EventOpen, test.Next(t, client.Events()).Type)
	require.NoError(t, client.Send(ctx, tws.Message{Data: []byte("ping")}))

	ev := test.Next(t, client.Events())
	require.Equal(t, tws.EventMessage, ev.Type)
	assert.Equal(t, "ping", string(ev.Message.Data))
}

func TestHTTPHandler(t *testing.T) {
	ctx := test.ContextWithTimeout(t, test.DefaultTimeout)

	router := mux.NewRouter()
	router.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Trailer", "X-Count")
		_, _ = fmt.Fprintf(w, "item %s from %s", mux.Vars(r)["id"], r.Host)
		w.Header().Set("X-Count", "1")
	}).Methods(http.MethodGet)
	router.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		body := must.OK1(io.ReadAll(r.Body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(strings.ToUpper(string(body))))
	}).Methods(http.MethodPost)

	_, info := serve(t, ctx, HTTPHandler(thttp.CORS(router)), Options{Hostname: "127.0.0.1", Port: RandomPort})
	base := fmt.Sprintf("http://127.0.0.1:%d", info.Port)

	req := must.OK1(http.NewRequestWithContext(ctx, http.MethodGet, base+"/items/7", nil))
	req.Header.Set("Origin", "http://example.com")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body := must.OK1(io.ReadAll(res.Body))
	_ = res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "item 7 from 127.0.0.1:"+fmt.Sprint(info.Port), string(body))
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "1", res.Trailer.Get("X-Count"))

	res, err = http.Post(base+"/items", "text/plain", strings.NewReader("new"))
	require.NoError(t, err)
	body = must.OK1(io.ReadAll(res.Body))
	_ = res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "NEW", string(body))

	res, err = http.Get(base + "/missing")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHeaderList(t *testing.T) {
	assert.Equal(t, []engine.Header{
		{Name: "b", Value: "1"},
		{Name: "content-type", Value: "text/plain"},
		{Name: "x-multi", Value: "1"},
		{Name: "x-multi", Value: "2"},
	}, headerList(http.Header{
		"X-Multi":      {"1", "2"},
		"Content-Type": {"text/plain"},
		"B":            {"1"},
	}))
}
