package tcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type key struct{}

func assertOpen(t *testing.T, ctx context.Context) {
	t.Helper()
	assert.Equal(t, "server-1", ctx.Value(key{}))
	assert.NoError(t, ctx.Err())
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)
	assert.Nil(t, ctx.Done())
}

func TestReopen(t *testing.T) {
	parent, cancel := context.WithTimeout(context.WithValue(context.Background(), key{}, "server-1"), time.Hour)

	open := Reopen(parent)
	assertOpen(t, open)

	cancel()
	assertOpen(t, open)
	assertOpen(t, Reopen(parent))
	assert.Equal(t, open, Reopen(open))

	child, cancelChild := context.WithCancel(open)
	defer cancelChild()
	assert.Equal(t, "server-1", child.Value(key{}))
	assert.NoError(t, child.Err())
}
