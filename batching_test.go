package infinio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBatchingSocket_CapacityTriggeredFlush(t *testing.T) {
	svc := newTestService(t)

	ep, err := ParseEndpoint("127.0.0.1:9400")
	require.NoError(t, err)

	serverHandler := newRecordingHandler()
	_, err = svc.Listen(ep, func(remote Endpoint, priv []byte) (ConnectionHandler, bool) {
		return serverHandler, true
	})
	require.NoError(t, err)

	clientHandler := newRecordingHandler()
	var client *Connection
	var batcher *BatchingSocket
	svc.Processor().TaskQueue().Execute(func() {
		c, err := svc.Connect(ep, clientHandler)
		require.NoError(t, err)
		client = c
	})
	<-clientHandler.connected
	<-serverHandler.connected

	svc.Processor().TaskQueue().Execute(func() {
		batcher = NewBatchingSocket(svc.Processor(), client, 32)
	})
	require.Eventually(t, func() bool { return batcher != nil }, time.Second, 5*time.Millisecond)

	big := make([]byte, 40)
	svc.Processor().TaskQueue().Execute(func() {
		require.NoError(t, batcher.EnqueueFrame(Frame{MessageID: 1, MessageType: 1, Payload: big}))
	})

	select {
	case f := <-serverHandler.received:
		require.Equal(t, big, f.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("oversized frame was never flushed")
	}
	require.Equal(t, 0, batcher.PendingFrames())
}

func TestBatchingSocket_ExplicitFlush(t *testing.T) {
	svc := newTestService(t)

	ep, err := ParseEndpoint("127.0.0.1:9401")
	require.NoError(t, err)

	serverHandler := newRecordingHandler()
	_, err = svc.Listen(ep, func(remote Endpoint, priv []byte) (ConnectionHandler, bool) {
		return serverHandler, true
	})
	require.NoError(t, err)

	clientHandler := newRecordingHandler()
	var client *Connection
	var batcher *BatchingSocket
	svc.Processor().TaskQueue().Execute(func() {
		c, err := svc.Connect(ep, clientHandler)
		require.NoError(t, err)
		client = c
		batcher = NewBatchingSocket(svc.Processor(), client, 4096)
	})
	<-clientHandler.connected
	<-serverHandler.connected
	require.Eventually(t, func() bool { return batcher != nil }, time.Second, 5*time.Millisecond)

	svc.Processor().TaskQueue().Execute(func() {
		require.NoError(t, batcher.EnqueueFrame(Frame{MessageID: 2, MessageType: 9, Payload: []byte("a")}))
	})

	select {
	case <-serverHandler.received:
		t.Fatal("frame was delivered before an explicit flush")
	case <-time.After(100 * time.Millisecond):
	}

	svc.Processor().TaskQueue().Execute(func() {
		require.NoError(t, batcher.Flush())
	})

	select {
	case f := <-serverHandler.received:
		require.Equal(t, []byte("a"), f.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("frame was never flushed explicitly")
	}
}

func TestBatchingSocket_FlushOnTaskQueueDrain(t *testing.T) {
	svc := newTestService(t)

	ep, err := ParseEndpoint("127.0.0.1:9402")
	require.NoError(t, err)

	serverHandler := newRecordingHandler()
	_, err = svc.Listen(ep, func(remote Endpoint, priv []byte) (ConnectionHandler, bool) {
		return serverHandler, true
	})
	require.NoError(t, err)

	clientHandler := newRecordingHandler()
	var batcher *BatchingSocket
	svc.Processor().TaskQueue().Execute(func() {
		c, err := svc.Connect(ep, clientHandler)
		require.NoError(t, err)
		batcher = NewBatchingSocket(svc.Processor(), c, 4096)
	})
	<-clientHandler.connected
	<-serverHandler.connected
	require.Eventually(t, func() bool { return batcher != nil }, time.Second, 5*time.Millisecond)

	// enqueue without an explicit Flush: the reactor's own loop should
	// flush it once this task finishes, per flushBatchers (spec.md §4.5
	// "task-queue-drain boundary").
	svc.Processor().TaskQueue().Execute(func() {
		require.NoError(t, batcher.EnqueueFrame(Frame{MessageID: 3, MessageType: 5, Payload: []byte("drain")}))
	})

	select {
	case f := <-serverHandler.received:
		require.Equal(t, []byte("drain"), f.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("pending batch was never flushed on task-queue drain")
	}
}

func TestBatchingSocket_CloseDeregisters(t *testing.T) {
	svc := newTestService(t)

	ep, err := ParseEndpoint("127.0.0.1:9403")
	require.NoError(t, err)

	serverHandler := newRecordingHandler()
	_, err = svc.Listen(ep, func(remote Endpoint, priv []byte) (ConnectionHandler, bool) {
		return serverHandler, true
	})
	require.NoError(t, err)

	clientHandler := newRecordingHandler()
	var batcher *BatchingSocket
	svc.Processor().TaskQueue().Execute(func() {
		c, err := svc.Connect(ep, clientHandler)
		require.NoError(t, err)
		batcher = NewBatchingSocket(svc.Processor(), c, 4096)
	})
	<-clientHandler.connected
	<-serverHandler.connected
	require.Eventually(t, func() bool { return batcher != nil }, time.Second, 5*time.Millisecond)

	svc.Processor().TaskQueue().Execute(func() {
		batcher.Close()
	})

	// after Close, enqueuing still succeeds but nothing auto-flushes it on
	// drain; an explicit Flush is required.
	svc.Processor().TaskQueue().Execute(func() {
		require.NoError(t, batcher.EnqueueFrame(Frame{MessageID: 4, MessageType: 1, Payload: []byte("x")}))
	})

	select {
	case <-serverHandler.received:
		t.Fatal("frame flushed automatically after batcher was deregistered")
	case <-time.After(200 * time.Millisecond):
	}
}
