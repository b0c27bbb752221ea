package semaphore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimedAcquireRelease(t *testing.T) {
	sem := NewTimed(10, time.Second)

	require.NoError(t, sem.Acquire(context.Background(), 6))
	assert.Equal(t, int64(6), sem.Held())

	require.NoError(t, sem.Acquire(context.Background(), 4))
	sem.Release(6)
	sem.Release(4)
	assert.Equal(t, int64(0), sem.Held())
}

func TestTimedAcquireTimesOut(t *testing.T) {
	sem := NewTimed(4, 20*time.Millisecond)

	require.NoError(t, sem.Acquire(context.Background(), 4))

	err := sem.Acquire(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTimeout)

	sem.Release(4)
}

func TestTimedAcquireClampsToCapacity(t *testing.T) {
	sem := NewTimed(8, time.Second)

	// requests beyond capacity are clamped rather than deadlocking
	require.NoError(t, sem.Acquire(context.Background(), 100))
	assert.Equal(t, int64(8), sem.Held())
	sem.Release(100)
	assert.Equal(t, int64(0), sem.Held())
}

func TestTimedContextCancellation(t *testing.T) {
	sem := NewTimed(1, time.Minute)
	require.NoError(t, sem.Acquire(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sem.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)

	sem.Release(1)
}

func TestKeyedIsolatesKeys(t *testing.T) {
	keyed := NewKeyed(1)

	require.NoError(t, keyed.Acquire(context.Background(), "node-a", 1))

	// a different key has its own capacity
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, keyed.Acquire(ctx, "node-b", 1))

	// the same key is exhausted
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	err := keyed.Acquire(ctx2, "node-a", 1)
	assert.Error(t, err)

	keyed.Release("node-a", 1)
	keyed.Release("node-b", 1)
}
