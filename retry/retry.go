// Package retry repeats operations that fail transiently, such as binding an
// address the previous process has not released yet.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/ridge/hserve/tlog"
	"go.uber.org/zap"
)

// Config is an exponential backoff: the first attempt is immediate, then
// delays start at Min and grow by Scale up to Max
type Config struct {
	Min   time.Duration
	Max   time.Duration
	Scale float64

	// MaxAttempts is the maximum number of attempts; 0 = unlimited
	MaxAttempts int
}

// delays returns the delay before each attempt, false once attempts run out
func (c Config) delays() func() (time.Duration, bool) {
	attempts := 0
	next := c.Min
	return func() (time.Duration, bool) {
		attempts++
		switch {
		case attempts == 1:
			return 0, true
		case c.MaxAttempts != 0 && attempts > c.MaxAttempts:
			return 0, false
		}
		delay := next
		next = time.Duration(float64(next) * c.Scale)
		if next > c.Max {
			next = c.Max
		}
		return delay, true
	}
}

// ErrRetriable means the operation that caused the error should be retried.
type ErrRetriable struct {
	err error
}

func (r ErrRetriable) Error() string {
	return r.err.Error()
}

// Unwrap returns the next error in the error chain.
func (r ErrRetriable) Unwrap() error {
	return r.err
}

// Retriable wraps an error to tell Do that it should keep trying.
// Returns nil if err is nil.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return ErrRetriable{err: err}
}

// Do executes the given function, retrying while it returns errors wrapped
// with Retriable. Success or any other error is returned immediately. After
// the last attempt the unwrapped error of that attempt is returned.
//
// A retriable error is logged unless its message is exactly the same as the
// previous one.
func Do(ctx context.Context, c Config, f func() error) error {
	startedAt := time.Now()
	delays := c.delays()
	var lastMessage string
	var r ErrRetriable
	for i := 0; ; i++ {
		logger := tlog.Get(ctx).With(zap.Int("attempts", i+1))

		delay, ok := delays()
		if !ok {
			logger.Debug("Retry failed after maximum number of attempts", zap.Error(r.err), zap.Duration("duration", time.Since(startedAt)))
			return r.err
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}

		if err := f(); !errors.As(err, &r) {
			if i > 0 && err == nil {
				logger.Debug("Retry succeeded", zap.Duration("duration", time.Since(startedAt)))
			}
			return err
		}

		newMessage := r.err.Error()
		if lastMessage != newMessage {
			logger.Info("Will retry", zap.Error(r.err))
			lastMessage = newMessage
		}
	}
}

// Do1 is a single return value version of Do
func Do1[T any](ctx context.Context, c Config, f func() (T, error)) (T, error) {
	var t T
	err := Do(ctx, c, func() error {
		var err error
		t, err = f()
		return err
	})
	return t, err
}

func sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(duration):
		return nil
	}
}
