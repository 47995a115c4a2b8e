package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ridge/hserve/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Config{Min: time.Millisecond, Max: 4 * time.Millisecond, Scale: 2}

func TestDo(t *testing.T) {
	ctx := test.Context(t)

	count := 0
	err := Do(ctx, fast, func() error {
		count++
		if count == 10 {
			return errors.New("ten")
		}
		return Retriable(fmt.Errorf("%d", count))
	})
	require.EqualError(t, err, "ten")

	count = 0
	ret, err := Do1(ctx, fast, func() (int, error) {
		count++
		if count == 3 {
			return 3, nil
		}
		return 0, Retriable(fmt.Errorf("%d", count))
	})
	require.NoError(t, err)
	assert.Equal(t, 3, ret)
}

func TestMaxAttempts(t *testing.T) {
	config := fast
	config.MaxAttempts = 3

	count := 0
	failure := errors.New("still failing")
	err := Do(test.Context(t), config, func() error {
		count++
		return Retriable(failure)
	})
	assert.Equal(t, failure, err)
	assert.Equal(t, 3, count)
}

func TestDoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(test.Context(t))
	count := 0
	err := Do(ctx, fast, func() error {
		count++
		cancel()
		return Retriable(errors.New("failed"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, count)
}

func TestDelays(t *testing.T) {
	delays := Config{Min: time.Minute, Max: 5 * time.Minute, Scale: 2, MaxAttempts: 5}.delays()
	for _, expected := range []time.Duration{0, time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute} {
		delay, ok := delays()
		require.True(t, ok)
		assert.Equal(t, expected, delay)
	}
	_, ok := delays()
	assert.False(t, ok)
}
