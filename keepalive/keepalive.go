// Package keepalive tracks pending operations that keep a process alive.
//
// A long-running program typically exits when it has nothing left to wait
// for. Some waits are background chores that should not hold the program up
// on their own: those are "unreferenced". A Tracker counts the referenced
// pending operations and reports when there are none.
package keepalive

import (
	"sync"
)

// Tracker counts referenced pending operations
type Tracker struct {
	mu   sync.Mutex
	refs int
	idle chan struct{} // closed while refs == 0
}

// NewTracker creates a Tracker with no pending operations
func NewTracker() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{idle: idle}
}

// Refs returns the number of referenced pending operations
func (t *Tracker) Refs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs
}

// Idle returns a channel that is closed while no referenced operation is
// pending. Call it again after the channel is closed to observe the next idle
// period.
func (t *Tracker) Idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}

func (t *Tracker) add(delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.refs
	t.refs += delta
	if t.refs < 0 {
		panic("keepalive: negative reference count")
	}
	switch {
	case before == 0 && t.refs > 0:
		t.idle = make(chan struct{})
	case before > 0 && t.refs == 0:
		close(t.idle)
	}
}

// Hold registers a pending operation, referenced or not
func (t *Tracker) Hold(ref bool) *Op {
	op := &Op{tracker: t}
	if ref {
		op.Ref()
	}
	return op
}

// Op is a pending operation registered with a Tracker
type Op struct {
	tracker *Tracker

	mu       sync.Mutex
	ref      bool
	released bool
}

// Ref makes the operation keep the process alive. No-op on a released
// operation.
func (o *Op) Ref() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released || o.ref {
		return
	}
	o.ref = true
	o.tracker.add(1)
}

// Unref stops the operation from keeping the process alive
func (o *Op) Unref() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released || !o.ref {
		return
	}
	o.ref = false
	o.tracker.add(-1)
}

// Referenced returns true if the operation currently keeps the process alive
func (o *Op) Referenced() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ref
}

// Release marks the operation as finished. Idempotent.
func (o *Op) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return
	}
	o.released = true
	if o.ref {
		o.ref = false
		o.tracker.add(-1)
	}
}
