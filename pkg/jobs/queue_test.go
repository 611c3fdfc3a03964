package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsSubmittedTasks(t *testing.T) {
	q := NewQueue("test", QueueConfig{Workers: 3, BufferSize: 32})
	q.Start(context.Background())

	var ran int32
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Submit(Task{Name: "count", Run: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}}))
	}
	q.Stop()

	assert.Equal(t, int32(20), atomic.LoadInt32(&ran))
}

func TestQueueRetriesFailedTask(t *testing.T) {
	q := NewQueue("test", QueueConfig{MaxRetries: 2, RetryDelay: time.Millisecond})
	q.Start(context.Background())

	var attempts int32
	done := make(chan struct{})
	require.NoError(t, q.Submit(Task{Name: "flaky", Run: func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not retried")
	}
	q.Stop()
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestQueueSubmitWhenFullOrClosed(t *testing.T) {
	q := NewQueue("test", QueueConfig{BufferSize: 1})
	assert.ErrorIs(t, q.Submit(Task{Name: "early", Run: func(context.Context) error { return nil }}), ErrQueueClosed)

	q.Start(context.Background())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Submit(Task{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, q.Submit(Task{Name: "buffered", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, q.Submit(Task{Name: "overflow", Run: func(context.Context) error { return nil }}), ErrQueueFull)

	close(release)
	q.Stop()
	assert.ErrorIs(t, q.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrQueueClosed)
}

func TestQueueTaskContextSurvivesParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewQueue("test", QueueConfig{})
	q.Start(ctx)
	cancel()

	errCh := make(chan error, 1)
	require.NoError(t, q.Submit(Task{Name: "ctx", Run: func(taskCtx context.Context) error {
		errCh <- taskCtx.Err()
		return nil
	}}))
	q.Stop()
	assert.NoError(t, <-errCh)
}
