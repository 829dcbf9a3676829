package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runnerFunc adapts a function to jobRunner.
type runnerFunc func(ctx context.Context, batchID string) error

func (f runnerFunc) runBatch(ctx context.Context, batchID string) error { return f(ctx, batchID) }

func TestLocalQueueRunsEveryBatch(t *testing.T) {
	q := NewLocalQueue(10)
	var mu sync.Mutex
	var seen []string
	q.Start(context.Background(), runnerFunc(func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id)
		return nil
	}), 3)

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(context.Background(), id))
	}
	require.NoError(t, q.Close())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, seen)
}

func TestLocalQueueFull(t *testing.T) {
	q := NewLocalQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), "a"))
	assert.Error(t, q.Enqueue(context.Background(), "b"))
}

func TestLocalQueueCancel(t *testing.T) {
	q := NewLocalQueue(1)
	started := make(chan struct{})
	stopped := make(chan error, 1)
	q.Start(context.Background(), runnerFunc(func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return ctx.Err()
	}), 1)

	assert.False(t, q.Cancel("long"), "nothing running yet")
	require.NoError(t, q.Enqueue(context.Background(), "long"))
	<-started
	assert.True(t, q.Cancel("long"))

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("running batch was not cancelled")
	}
	require.NoError(t, q.Close())
	assert.False(t, q.Cancel("long"), "finished batches are forgotten")
}
