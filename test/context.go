// Package test contains helpers shared by the tests of all packages.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/ridge/hserve/tlog"
)

// DefaultTimeout bounds every test context created by ContextWithTimeout and
// GroupWithTimeout when no explicit timeout is needed
const DefaultTimeout = 10 * time.Second

// Context returns a new testing context carrying a test logger
func Context(t *testing.T) context.Context {
	return tlog.WithLogger(context.Background(), tlog.NewForTesting(t))
}

// ContextWithTimeout is a version of Context with a timeout.
//
// If the timeout expires, the test context is closed with
// context.DeadlineExceeded.
func ContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(Context(t), timeout)
	t.Cleanup(cancel)
	return ctx
}
