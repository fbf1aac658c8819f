package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "test", MaxWorkers: 2, QueueSize: 10})

	var ran int32
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(Task{
			ID: fmt.Sprintf("t%d", i),
			Fn: func(context.Context) error {
				atomic.AddInt32(&ran, 1)
				return nil
			},
		}))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
	stats := pool.Stats()
	assert.Equal(t, uint64(5), stats.TotalTasks)
	assert.Equal(t, uint64(5), stats.CompletedTasks)
}

func TestWorkerPool_RejectsWhenFull(t *testing.T) {
	var rejected int32
	pool := NewWorkerPool(Config{Name: "full", MaxWorkers: 1, QueueSize: 1, OnReject: func() {
		atomic.AddInt32(&rejected, 1)
	}})

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{ID: "blocker", Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, pool.Submit(Task{ID: "queued", Fn: func(context.Context) error { return nil }}))

	err := pool.Submit(Task{ID: "overflow", Fn: func(context.Context) error { return nil }})
	assert.True(t, errors.IsCode(err, errors.ErrCodeResourceExhausted))
	assert.Equal(t, int32(1), atomic.LoadInt32(&rejected))

	close(block)
	require.NoError(t, pool.Stop(time.Second))

	err = pool.Submit(Task{ID: "late", Fn: func(context.Context) error { return nil }})
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnavailable))
	assert.Equal(t, uint64(2), pool.Stats().RejectedTasks)
}

func TestWorkerPool_TaskTimeoutAndPanic(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "errs", MaxWorkers: 1})

	require.NoError(t, pool.Submit(Task{ID: "slow", Timeout: 10 * time.Millisecond, Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.NoError(t, pool.Submit(Task{ID: "panics", Fn: func(context.Context) error {
		panic("boom")
	}}))
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, uint64(2), stats.FailedTasks)
	assert.Equal(t, 0.0, stats.QueueUtilization())
}

func TestWorkerPool_SubmitWithContextWaitsForSpace(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "wait", MaxWorkers: 1, QueueSize: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{ID: "blocker", Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, pool.Submit(Task{ID: "queued", Fn: func(context.Context) error { return nil }}))

	// queue full: a short deadline expires before space frees
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err := pool.SubmitWithContext(ctx, Task{ID: "expired", Fn: func(context.Context) error { return nil }})
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)

	var ran int32
	accepted := make(chan error, 1)
	go func() {
		accepted <- pool.SubmitWithContext(context.Background(), Task{ID: "waiter", Fn: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}})
	}()

	select {
	case err := <-accepted:
		t.Fatalf("accepted while the queue was full: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(block)
	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task never accepted after space freed")
	}
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))

	err = pool.SubmitWithContext(context.Background(), Task{ID: "late", Fn: func(context.Context) error { return nil }})
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnavailable))
}
