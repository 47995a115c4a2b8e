package thttp

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ridge/hserve/tlog"
	"github.com/ridge/must/v2"
	"go.uber.org/zap"
)

const maxLogBodyLen = 1024 - 3 // make room for 3 dots

// LogBodies is a middleware that logs request and response bodies, truncated
// to 1 KiB. Binary (application/octet-stream) bodies are not logged.
//
// Only has an effect when debug logging is enabled.
func LogBodies(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logger := tlog.Get(req.Context())
		if !logger.Core().Enabled(zap.DebugLevel) {
			next.ServeHTTP(w, req)
			return
		}

		if shouldLogBody(req.Header) {
			req.Body = createReadCloserCapture(req.Body, func(p []byte, eof bool) {
				logger.Debug("HTTP request body", zap.String("contentType", contentType(req.Header)),
					zap.ByteString("requestData", p), zap.Bool("readAllBody", eof))
			})
		}

		crw := &captureResponseWriter{ResponseWriter: w}
		next.ServeHTTP(crw, req)
		if shouldLogBody(w.Header()) {
			logger.Debug("HTTP response body", zap.String("contentType", contentType(w.Header())), zap.ByteString("responseData", crw.buff.Bytes()))
		}
	})
}

func contentType(header http.Header) string {
	return strings.TrimSpace(strings.ToLower(header.Get("Content-Type")))
}

func shouldLogBody(header http.Header) bool {
	return contentType(header) != "application/octet-stream"
}

// captureReadCloser keeps the beginning of the stream and reports it once:
// on EOF or on Close, whichever comes first
type captureReadCloser struct {
	rc       io.ReadCloser
	buff     bytes.Buffer
	done     func([]byte, bool)
	captured bool
}

func createReadCloserCapture(rc io.ReadCloser, done func([]byte, bool)) *captureReadCloser {
	if rc == nil {
		rc = http.NoBody
	}
	return &captureReadCloser{rc: rc, done: done}
}

func (crc *captureReadCloser) report(eof bool) {
	if crc.captured {
		return
	}
	crc.captured = true
	crc.done(crc.buff.Bytes(), eof)
}

func appendToBuffer(buff *bytes.Buffer, p []byte, n int) {
	remaining := maxLogBodyLen - buff.Len()
	if n == 0 || remaining <= 0 {
		return
	}
	if n > remaining {
		must.OK1(buff.Write(p[:remaining])) // must is safe because buffer.Write() always returns nil
		must.OK1(buff.WriteString("..."))
	} else {
		must.OK1(buff.Write(p[:n]))
	}
}

func (crc *captureReadCloser) Read(p []byte) (int, error) {
	n, err := crc.rc.Read(p)
	appendToBuffer(&crc.buff, p, n)
	if errors.Is(err, io.EOF) {
		crc.report(true)
	}
	return n, err
}

func (crc *captureReadCloser) Close() error {
	crc.report(false)
	return crc.rc.Close()
}

type captureResponseWriter struct {
	http.ResponseWriter
	buff bytes.Buffer
}

func (crw *captureResponseWriter) Write(p []byte) (int, error) {
	n, err := crw.ResponseWriter.Write(p)
	appendToBuffer(&crw.buff, p, n)
	return n, err
}

func (crw *captureResponseWriter) Flush() {
	if f, ok := crw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the original writer, for
// hijacking among others
func (crw *captureResponseWriter) Unwrap() http.ResponseWriter {
	return crw.ResponseWriter
}
