package engine

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeCounter struct {
	io.Reader
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestResources(t *testing.T) {
	var resources Resources
	rc := &closeCounter{Reader: strings.NewReader("abc")}
	id := resources.Add(rc)
	assert.Equal(t, 1, resources.Len())

	stream := resources.Stream(id, true)
	backing, autoClose := stream.Backing()
	assert.Equal(t, id, backing)
	assert.True(t, autoClose)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.Equal(t, 1, rc.closed)
	assert.Zero(t, resources.Len())

	_, err = resources.Get(id)
	assert.ErrorIs(t, err, ErrBadResource)
	assert.ErrorIs(t, resources.Close(id), ErrBadResource)
}

func TestStreamOverUnknownResource(t *testing.T) {
	var resources Resources
	stream := resources.Stream(ResourceID{}, false)
	_, err := io.ReadAll(stream)
	assert.ErrorIs(t, err, ErrBadResource)
	assert.NoError(t, stream.Close())
}

func TestAddReader(t *testing.T) {
	var resources Resources
	id := resources.AddReader(strings.NewReader("x"))
	rc, err := resources.Get(id)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
	assert.NoError(t, resources.Close(id))
}

func TestValidStatus(t *testing.T) {
	for _, status := range []int{200, 204, 308, 404, 599} {
		assert.True(t, ValidStatus(status), status)
	}
	for _, status := range []int{0, 42, 100, 101, 103, 199, 600, 999} {
		assert.False(t, ValidStatus(status), status)
	}
}
