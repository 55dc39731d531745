package infinio

import "sync"

type completionEvent struct {
	wrID workRequestID
	err  error
}

// CompletionContext is the Completion Context (C3): it owns the pool of
// registered send/receive buffers and routes completions to Connection
// FSMs by work-request id (spec.md §4.3). The mutex below guards the
// buffer pools, the connection table and the pending completion events:
// send buffers are acquired from fiber goroutines (via BatchingSocket), and
// deliver/complete may be invoked from a peer Connection living on a
// different Processor.
type CompletionContext struct {
	device Device

	mu          sync.Mutex
	sendPool    *bufferPool
	recvPool    *bufferPool
	recvLengths map[uint32]int
	pending     []completionEvent
	connections map[uint64]*Connection
	nextConnID  uint64

	wake *wakeFD
}

// NewCompletionContext allocates the send/receive buffer pools from dev
// according to limits.
func NewCompletionContext(dev Device, limits Limits) (*CompletionContext, error) {
	sendPool, err := newBufferPool(dev, limits.SendBufferCount, limits.BufferLength, AccessLocalWrite)
	if err != nil {
		return nil, err
	}
	recvPool, err := newBufferPool(dev, limits.ReceiveBufferCount, limits.BufferLength, AccessLocalWrite|AccessRemoteWrite)
	if err != nil {
		return nil, err
	}
	wake, err := newWakeFD()
	if err != nil {
		return nil, err
	}
	return &CompletionContext{
		device:      dev,
		sendPool:    sendPool,
		recvPool:    recvPool,
		recvLengths: make(map[uint32]int),
		connections: make(map[uint64]*Connection),
		wake:        wake,
	}, nil
}

func (cc *CompletionContext) fd() int { return cc.wake.Fd() }

func (cc *CompletionContext) registerConnection(c *Connection) uint64 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.nextConnID++
	id := cc.nextConnID
	cc.connections[id] = c
	return id
}

func (cc *CompletionContext) unregisterConnection(id uint64) {
	cc.mu.Lock()
	delete(cc.connections, id)
	cc.mu.Unlock()
}

// AcquireSendBuffer implements spec.md §4.3's
// acquire_send_buffer(length) -> BufferHandle | OutOfBuffers.
func (cc *CompletionContext) AcquireSendBuffer(length int) (BufferHandle, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.sendPool.Acquire(length)
}

func (cc *CompletionContext) acquireReceiveBuffer(length int) (BufferHandle, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	buf, err := cc.recvPool.Acquire(length)
	if err != nil {
		return BufferHandle{}, err
	}
	cc.recvLengths[buf.ID()] = length
	return buf, nil
}

// recvBytes returns a copy of a posted receive buffer's current contents.
// Must be called before ReleaseBuffer(OpReceive, id).
func (cc *CompletionContext) recvBytes(id uint32) []byte {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	length := cc.recvLengths[id]
	delete(cc.recvLengths, id)
	region := cc.recvPool.regions[id]
	out := make([]byte, length)
	copy(out, region.Bytes()[:length])
	return out
}

// ReleaseBuffer returns a buffer to its pool (spec.md §4.3
// release_buffer); receive buffers are conceptually re-posted to the
// shared receive queue by becoming available for acquireReceiveBuffer
// again.
func (cc *CompletionContext) ReleaseBuffer(op OpKind, id uint32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	switch op {
	case OpSend:
		cc.sendPool.Release(id)
	case OpReceive:
		cc.recvPool.Release(id)
	}
}

// complete enqueues a completion event for Poll to drain, and wakes the
// owning Processor if it is currently blocked in epoll_wait.
func (cc *CompletionContext) complete(wrID workRequestID, err error) {
	cc.mu.Lock()
	cc.pending = append(cc.pending, completionEvent{wrID: wrID, err: err})
	cc.mu.Unlock()
	_ = cc.wake.Signal()
}

// completionBatchSize bounds how many completions Poll drains per call
// (spec.md §4.3 "drain a bounded batch of completions").
const completionBatchSize = 64

// Poll drains up to completionBatchSize completions, dispatching each to
// its owning Connection FSM (spec.md §4.3). Completions for a torn-down
// connection release their buffer without propagating a callback
// (spec.md §4.3 invariant).
func (cc *CompletionContext) Poll() bool {
	ran := false
	for i := 0; i < completionBatchSize; i++ {
		cc.mu.Lock()
		if len(cc.pending) == 0 {
			cc.mu.Unlock()
			break
		}
		ev := cc.pending[0]
		cc.pending = cc.pending[1:]
		cc.mu.Unlock()

		cc.dispatch(ev)
		ran = true
	}
	return ran
}

func (cc *CompletionContext) dispatch(ev completionEvent) {
	connID := ev.wrID.connID()
	bufID := ev.wrID.bufferID()
	op := ev.wrID.op()

	cc.mu.Lock()
	conn := cc.connections[connID]
	cc.mu.Unlock()

	if conn == nil || conn.State() == ConnClosed {
		cc.ReleaseBuffer(op, bufID)
		return
	}

	switch op {
	case OpSend:
		conn.onSendCompleted(bufID, ev.err)
	case OpReceive:
		conn.onReceiveCompleted(bufID, ev.err)
	}
}

// PrepareSleep is a no-op: completions self-wake via the eventfd at
// enqueue time, so there is no state left to flush before blocking.
func (cc *CompletionContext) PrepareSleep() {}

// Wakeup drains the eventfd counter after an epoll_wait wakeup.
func (cc *CompletionContext) Wakeup() { cc.wake.Drain() }

// Stats reports buffer pool accounting, for spec.md §8 invariant 6
// ("acquired − released = in_flight_sends + in_flight_receives_in_callbacks").
type Stats struct {
	SendInUse, SendTotal       int
	ReceiveInUse, ReceiveTotal int
}

func (cc *CompletionContext) Stats() Stats {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return Stats{
		SendInUse:     cc.sendPool.InUse(),
		SendTotal:     cc.sendPool.Total(),
		ReceiveInUse:  cc.recvPool.InUse(),
		ReceiveTotal:  cc.recvPool.Total(),
	}
}

// Close releases the completion eventfd.
func (cc *CompletionContext) Close() error {
	return cc.wake.Close()
}
