// Package tcontext has context helpers the standard library lacks.
package tcontext

import (
	"context"
	"time"
)

// Reopen returns a context carrying the values of ctx that is never done and
// has no deadline, even when ctx is already closed.
//
// Cleanup that must outlive the request that triggered it runs under a
// reopened context: graceful shutdowns, abrupt closes, WebSocket sessions.
func Reopen(ctx context.Context) context.Context {
	if r, ok := ctx.(detached); ok {
		return r
	}
	return detached{parent: ctx}
}

type detached struct {
	parent context.Context
}

func (d detached) Value(key any) any {
	return d.parent.Value(key)
}

func (detached) Deadline() (time.Time, bool) {
	return time.Time{}, false
}

func (detached) Done() <-chan struct{} {
	return nil
}

func (detached) Err() error {
	return nil
}

func (d detached) String() string {
	return "tcontext.Reopen"
}
