package keepalive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestTrackerIdle(t *testing.T) {
	tracker := NewTracker()
	require.True(t, isClosed(tracker.Idle()))

	op := tracker.Hold(true)
	assert.Equal(t, 1, tracker.Refs())
	idle := tracker.Idle()
	assert.False(t, isClosed(idle))

	op.Release()
	assert.Equal(t, 0, tracker.Refs())
	assert.True(t, isClosed(idle))

	op.Release()
	assert.Equal(t, 0, tracker.Refs())
}

func TestRefUnref(t *testing.T) {
	tracker := NewTracker()
	op := tracker.Hold(false)
	assert.Equal(t, 0, tracker.Refs())
	assert.False(t, op.Referenced())

	op.Ref()
	op.Ref()
	assert.Equal(t, 1, tracker.Refs())
	assert.True(t, op.Referenced())

	op.Unref()
	op.Unref()
	assert.Equal(t, 0, tracker.Refs())

	op.Ref()
	op.Release()
	op.Ref()
	assert.Equal(t, 0, tracker.Refs())
}

func TestSeveralOps(t *testing.T) {
	tracker := NewTracker()
	a := tracker.Hold(true)
	b := tracker.Hold(true)
	assert.Equal(t, 2, tracker.Refs())
	a.Release()
	assert.False(t, isClosed(tracker.Idle()))
	b.Unref()
	assert.True(t, isClosed(tracker.Idle()))
	b.Release()
}
