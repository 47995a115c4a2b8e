package thttp

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldGzip(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, ShouldGzip(r))

	r.Header.Set("Accept-Encoding", "deflate, gzip;q=0.5")
	assert.True(t, ShouldGzip(r))

	r.Header.Set("Accept-Encoding", "deflate")
	assert.False(t, ShouldGzip(r))
}

func TestGzip(t *testing.T) {
	long := strings.Repeat("compress me ", 200)
	handler := Gzip(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if r.URL.Path == "/short" {
			_, _ = w.Write([]byte("short"))
			return
		}
		_, _ = w.Write([]byte(long))
	}))

	r := httptest.NewRequest(http.MethodGet, "/long", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	res := Record(handler, r)
	assert.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", res.Header.Get("Vary"))
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))

	gz, err := gzip.NewReader(res.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, long, string(body))

	r = httptest.NewRequest(http.MethodGet, "/short", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	res = Record(handler, r)
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	body, err = io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "short", string(body))

	r = httptest.NewRequest(http.MethodGet, "/long", nil)
	res = Record(handler, r)
	assert.Empty(t, res.Header.Get("Content-Encoding"))
}
