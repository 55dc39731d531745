package infinio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFiber_WaitResume(t *testing.T) {
	proc, err := NewProcessor()
	require.NoError(t, err)
	proc.Start()
	defer func() {
		require.NoError(t, proc.Shutdown(context.Background()))
		require.NoError(t, proc.Close())
	}()

	result := make(chan int, 1)
	var fiberRef *Fiber
	resumed := make(chan struct{})

	proc.TaskQueue().Execute(func() {
		proc.RunFiber(func(f *Fiber) {
			fiberRef = f
			f.Wait()
			result <- 42
		})
	})

	// give the fiber a moment to reach Wait()
	time.Sleep(50 * time.Millisecond)

	proc.TaskQueue().Execute(func() {
		require.NotNil(t, fiberRef)
		fiberRef.Resume()
		close(resumed)
	})

	select {
	case v := <-result:
		require.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never resumed")
	}
	<-resumed
}

func TestFiber_ResumeFromWrongThreadPanics(t *testing.T) {
	proc, err := NewProcessor()
	require.NoError(t, err)
	proc.Start()
	defer func() {
		require.NoError(t, proc.Shutdown(context.Background()))
		require.NoError(t, proc.Close())
	}()

	var f *Fiber
	ready := make(chan struct{})
	proc.TaskQueue().Execute(func() {
		f = newFiber(proc)
		close(ready)
	})
	<-ready
	time.Sleep(20 * time.Millisecond)

	require.Panics(t, func() { f.Resume() })
}

func TestConditionVariable_WaitNotifyOne(t *testing.T) {
	proc, err := NewProcessor()
	require.NoError(t, err)
	proc.Start()
	defer func() {
		require.NoError(t, proc.Shutdown(context.Background()))
		require.NoError(t, proc.Close())
	}()

	cv := &ConditionVariable{}
	var flag atomic.Bool

	unblocked := make(chan struct{})
	proc.TaskQueue().Execute(func() {
		proc.RunFiber(func(f *Fiber) {
			cv.Wait(f, flag.Load)
			close(unblocked)
		})
	})

	time.Sleep(50 * time.Millisecond)

	proc.TaskQueue().Execute(func() {
		flag.Store(true)
		cv.NotifyOne()
	})

	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("condition variable never woke the waiting fiber")
	}
}
