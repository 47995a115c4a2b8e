package thttp

import (
	"context"
	"net/http"
	"runtime/debug"

	"github.com/ridge/hserve/tlog"
	"github.com/ridge/parallel"
	"go.uber.org/zap"
)

// RunTask executes the task in the current goroutine, recovering from panics.
// A panic is returned as parallel.ErrPanic.
func RunTask(ctx context.Context, task parallel.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = parallel.ErrPanic{Value: p, Stack: debug.Stack()}
		}
	}()
	return task(ctx)
}

// Recover is a middleware that catches and logs panics from HTTP handlers.
//
// Under Server.Run the panic also terminates the server.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := RunTask(r.Context(), func(ctx context.Context) error {
			next.ServeHTTP(w, r)
			return nil
		})
		if err != nil {
			tlog.Get(r.Context()).Error("Panic in HTTP handler", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			if panicChan, ok := r.Context().Value(panicKey).(chan error); ok {
				select {
				case panicChan <- err:
				default:
				}
			}
		}
	})
}
