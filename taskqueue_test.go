package infinio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskQueue_ExecuteRunsInOrder(t *testing.T) {
	proc, err := NewProcessor()
	require.NoError(t, err)
	proc.Start()
	defer func() {
		require.NoError(t, proc.Shutdown(context.Background()))
		require.NoError(t, proc.Close())
	}()

	var (
		mu  sync.Mutex
		out []int
	)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		proc.TaskQueue().Execute(func() {
			mu.Lock()
			out = append(out, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, out, 100)
	for i, v := range out {
		require.Equal(t, i, v)
	}
}

func TestTaskQueue_ExecuteFromOwnerPanics(t *testing.T) {
	proc, err := NewProcessor()
	require.NoError(t, err)
	proc.Start()
	defer func() {
		require.NoError(t, proc.Shutdown(context.Background()))
		require.NoError(t, proc.Close())
	}()

	done := make(chan any, 1)
	proc.TaskQueue().Execute(func() {
		defer func() { done <- recover() }()
		proc.TaskQueue().Execute(func() {})
	})

	select {
	case r := <-done:
		require.NotNil(t, r)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for same-thread Execute to panic")
	}
}

func TestTaskQueue_ExecuteNilPanics(t *testing.T) {
	q, err := newTaskQueue(0)
	require.NoError(t, err)
	defer q.Close()

	require.Panics(t, func() { q.Execute(nil) })
}

func TestTaskQueue_ExecuteBlocksWhenFull(t *testing.T) {
	q, err := newTaskQueue(2)
	require.NoError(t, err)
	defer q.Close()

	// fill the queue to capacity without draining it.
	q.Execute(func() {})
	q.Execute(func() {})

	admitted := make(chan struct{})
	go func() {
		q.Execute(func() {})
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("Execute returned before the queue had any free capacity")
	case <-time.After(200 * time.Millisecond):
	}

	// draining one slot must unblock the waiting producer.
	_, ok := q.queue.Pop()
	require.True(t, ok)
	q.notFull.Signal()

	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute never unblocked after capacity freed up")
	}
}

func TestTaskQueue_ExecutePanicsWhenClosedWhileBlocked(t *testing.T) {
	q, err := newTaskQueue(1)
	require.NoError(t, err)

	q.Execute(func() {})

	done := make(chan any, 1)
	blocked := make(chan struct{})
	go func() {
		defer func() { done <- recover() }()
		close(blocked)
		q.Execute(func() {})
	}()
	<-blocked
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, q.Close())

	select {
	case r := <-done:
		require.ErrorIs(t, r.(error), errTaskQueueFull)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute never unblocked after Close")
	}
}
