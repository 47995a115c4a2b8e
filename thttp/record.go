package thttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ridge/must/v2"
	"go.uber.org/zap"
)

// Record processes an http.Request with the given handler in memory, without
// a network connection, and returns the response the handler produced.
//
// Hijacking is not supported.
func Record(handler http.Handler, req *http.Request) *http.Response {
	w := &bufferResponseWriter{
		buffer: bytes.NewBuffer(nil),
		header: http.Header{},
	}

	handler.ServeHTTP(w, req)

	if w.sentHeader == nil {
		w.WriteHeader(http.StatusOK)
	}

	return &http.Response{
		Request:    req,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		StatusCode: w.status,
		Status:     fmt.Sprintf("%d %s", w.status, http.StatusText(w.status)),
		Header:     w.sentHeader,
		Trailer:    w.trailer(),
		Body:       io.NopCloser(w.buffer),
	}
}

type bufferResponseWriter struct {
	header http.Header
	buffer *bytes.Buffer
	status int
	// changes to Header() after WriteHeader() are ignored, so we need to store a copy
	sentHeader http.Header
}

func (w *bufferResponseWriter) Header() http.Header {
	return w.header
}

func (w *bufferResponseWriter) Write(p []byte) (int, error) {
	if w.sentHeader == nil {
		w.WriteHeader(http.StatusOK)
	}
	return w.buffer.Write(p)
}

func (w *bufferResponseWriter) WriteHeader(status int) {
	if w.sentHeader != nil {
		return // same as net/http: superfluous calls are ignored
	}
	w.status = status
	w.sentHeader = w.header.Clone()
	for k := range w.sentHeader {
		if strings.HasPrefix(k, http.TrailerPrefix) {
			delete(w.sentHeader, k)
		}
	}
}

// trailer collects headers set with http.TrailerPrefix, and headers announced
// in the "Trailer" header and set after the body was written
func (w *bufferResponseWriter) trailer() http.Header {
	trailer := http.Header{}
	for k, vv := range w.header {
		if strings.HasPrefix(k, http.TrailerPrefix) {
			trailer[http.CanonicalHeaderKey(strings.TrimPrefix(k, http.TrailerPrefix))] = vv
		}
	}
	for _, declared := range w.sentHeader.Values("Trailer") {
		for _, name := range strings.Split(declared, ",") {
			name = http.CanonicalHeaderKey(strings.TrimSpace(name))
			if vv := w.header.Values(name); len(vv) > 0 {
				trailer[name] = vv
			}
		}
	}
	if len(trailer) == 0 {
		return nil
	}
	return trailer
}

// JSONResult writes HTTP status code and JSON body
func JSONResult(logger *zap.Logger, writer http.ResponseWriter, res any, code int) {
	body := must.OK1(json.Marshal(res))
	writer.Header().Add("Content-Type", "application/json")
	writer.WriteHeader(code)
	if _, err := writer.Write(body); err != nil {
		logger.Debug("failed to write response to client", zap.Error(err))
	}
}
