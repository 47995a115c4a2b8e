package serve

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ridge/hserve/engine"
	"github.com/ridge/hserve/thttp"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// HTTPHandler runs a net/http handler, such as a router, for every request.
//
// The response is recorded in memory and sent once the handler returns, so
// handlers that stream or hijack are not supported: use a Func1 for those.
func HTTPHandler(handler http.Handler) Func2 {
	return Func2(func(ctx context.Context, req *Request, info HandlerInfo) (*Response, error) {
		r, err := req.httpRequest(ctx, info)
		if err != nil {
			return nil, err
		}

		res := thttp.Record(handler, r)
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		header := res.Header
		if len(res.Trailer) > 0 {
			if err := req.SetTrailers(headerList(res.Trailer)); err != nil {
				return nil, err
			}
			// Declared again by the engine
			header = header.Clone()
			header.Del("Trailer")
		}
		resp := Bytes(res.StatusCode, body)
		resp.Header = headerList(header)
		return resp, nil
	})
}

// headerList flattens the header map in name order
func headerList(header http.Header) []engine.Header {
	names := maps.Keys(header)
	slices.Sort(names)

	var list []engine.Header
	for _, name := range names {
		for _, value := range header[name] {
			list = append(list, engine.Header{Name: strings.ToLower(name), Value: value})
		}
	}
	return list
}

// httpRequest converts the request into a server-side *http.Request
func (r *Request) httpRequest(ctx context.Context, info HandlerInfo) (*http.Request, error) {
	method, err := r.Method()
	if err != nil {
		return nil, err
	}
	rawURL, err := r.URL()
	if err != nil {
		return nil, err
	}
	header, err := r.Header()
	if err != nil {
		return nil, err
	}
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = http.NoBody
	}

	u := &url.URL{}
	switch {
	case rawURL == "*":
		u.Path = "*"
	case method == http.MethodConnect:
		u.Host = rawURL
	default:
		u, err = url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid request URL %q: %w", rawURL, err)
		}
	}

	hr := (&http.Request{
		Method:     method,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       body,
		Host:       u.Host,
		RequestURI: u.RequestURI(),
	}).WithContext(ctx)

	for _, h := range header {
		if h.Name == "host" {
			hr.Host = h.Value
			continue
		}
		hr.Header.Add(h.Name, h.Value)
	}
	if addr, err := info.RemoteAddr(); err == nil {
		hr.RemoteAddr = addr.String()
	}
	return hr, nil
}
