package thttp

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strconv"

	"github.com/kevinpollet/nego"
)

// gzipMinSize is the smallest body Gzip bothers to compress
const gzipMinSize = 1024

func gzipCompress(r io.Reader) ([]byte, error) {
	compressed := bytes.NewBuffer(nil)
	compressor := gzip.NewWriter(compressed)
	if _, err := io.Copy(compressor, r); err != nil {
		return nil, err
	}
	if err := compressor.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

// ShouldGzip returns if gzip-compression is asked for in HTTP request
func ShouldGzip(r *http.Request) bool {
	// nego.NegotiateContentEncoding(r, "gzip") returns "gzip"
	// if there is no "Accept-Encoding" header there. Guard against it.
	return r.Header.Get("Accept-Encoding") != "" && nego.NegotiateContentEncoding(r, "gzip") == "gzip"
}

// Gzip is a middleware that compresses responses for clients accepting gzip.
//
// The response is recorded in memory first (see Record), so Gzip is not
// suitable for streaming or hijacking handlers.
func Gzip(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := Record(next, r)
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		for k, vv := range res.Header {
			w.Header()[k] = vv
		}
		w.Header().Add("Vary", "Accept-Encoding")

		if len(body) >= gzipMinSize && res.Header.Get("Content-Encoding") == "" && ShouldGzip(r) {
			compressed, err := gzipCompress(bytes.NewReader(body))
			if err == nil {
				body = compressed
				w.Header().Set("Content-Encoding", "gzip")
				w.Header().Del("Content-Length")
			}
		}
		if res.Header.Get("Content-Length") != "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		}

		w.WriteHeader(res.StatusCode)
		_, _ = w.Write(body)
		for k, vv := range res.Trailer {
			w.Header()[http.TrailerPrefix+k] = vv
		}
	})
}
