package thttp

import (
	"net/http"
	"time"

	"github.com/ridge/hserve/tlog"
	"go.uber.org/zap"
)

// Log is a middleware that puts a request-scoped logger into the request
// context and logs the start and the outcome of each request at Debug level.
// Bodies are not logged.
func Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("hostname", r.Host),
			zap.String("url", r.URL.String()),
		}
		if r.ProtoMajor != 1 || r.ProtoMinor != 1 {
			fields = append(fields, zap.String("proto", r.Proto))
		}
		if id := r.Header.Get("X-Request-ID"); id != "" {
			fields = append(fields, zap.String("requestID", id))
		}
		ctx := tlog.With(r.Context(), fields...)
		logger := tlog.Get(ctx)

		logger.Debug("HTTP request started")
		var status int
		next.ServeHTTP(CaptureStatus(w, &status), r.WithContext(ctx))
		if status == 0 {
			// Hijacked, or nothing written: net/http answers 200 itself
			logger.Debug("HTTP request finished without response", zap.Duration("elapsed", time.Since(started)))
			return
		}
		logger.Debug("HTTP request finished", zap.Int("statusCode", status), zap.Duration("elapsed", time.Since(started)))
	})
}
