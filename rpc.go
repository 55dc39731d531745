package infinio

import (
	"sync"
	"sync/atomic"
)

// responseState is Response's Pending/Done(Success|Error) lifecycle
// (spec.md §3 "Response handle").
type responseState int32

const (
	responsePending responseState = iota
	responseSuccess
	responseError
)

// Response is the shared response handle of spec.md §3: Pending transitions
// to Done(Success) or Done(Error) exactly once, and a successful result may
// be retrieved exactly once via Get.
type Response struct {
	userID uint64
	async  bool

	state     atomic.Int32
	retrieved atomic.Bool

	expectedType uint32
	payload      []byte
	msgType      uint32
	err          error

	fiber *Fiber
	cv    *ConditionVariable
}

func newResponse(userID uint64, async bool, expectedType uint32, fiber *Fiber, cv *ConditionVariable) *Response {
	r := &Response{userID: userID, async: async, expectedType: expectedType, fiber: fiber, cv: cv}
	r.state.Store(int32(responsePending))
	return r
}

// Done reports whether this response has been completed, one way or
// another.
func (r *Response) Done() bool { return responseState(r.state.Load()) != responsePending }

// Wait blocks the owning fiber until the response is Done, tolerating
// spurious wakeups via the shared ConditionVariable (spec.md §4.6/§4.7
// "wait_for_result").
func (r *Response) Wait() {
	r.cv.Wait(r.fiber, r.Done)
}

// Get retrieves a successful result exactly once. Panics if called twice,
// or before Done (spec.md §3 "Retrieved exactly once via a single consumer
// call").
func (r *Response) Get() ([]byte, uint32, error) {
	if responseState(r.state.Load()) == responsePending {
		panic(ErrInvalidArgument)
	}
	if !r.retrieved.CompareAndSwap(false, true) {
		panic(errResultAlreadyRetrieved)
	}
	return r.payload, r.msgType, r.err
}

// Error returns the terminal error, or nil on success or if still pending.
func (r *Response) Error() error { return r.err }

func (r *Response) completeSuccess(payload []byte, msgType uint32) {
	if !r.state.CompareAndSwap(int32(responsePending), int32(responseSuccess)) {
		panic(errPromiseAlreadySatisfied)
	}
	r.payload = payload
	r.msgType = msgType
	r.cv.NotifyAll()
}

func (r *Response) completeError(err error) {
	if !r.state.CompareAndSwap(int32(responsePending), int32(responseError)) {
		panic(errPromiseAlreadySatisfied)
	}
	r.err = err
	r.cv.NotifyAll()
}

type syncEntry struct {
	userID uint64
	resp   *Response
}

// RPCSocket is the RPC Client Socket (C7): it frames requests onto a
// Batching Message Socket, correlates responses via a FIFO (sync) or a
// hash-map (async), and gates senders on a ConditionVariable for
// backpressure (spec.md §4.7).
//
// SendSync/SendAsync run on a fiber's own goroutine (spec.md §4.6's
// suspension model, translated per fiber.go's doc comment into one
// goroutine per fiber rather than a single cooperatively-scheduled thread),
// so multiple requests may be in flight from distinct fibers concurrently.
// mu guards the fields below against that concurrency; it is separate from
// cv's own lock, which only ever guards the waiter list.
type RPCSocket struct {
	conn    *Connection
	batcher *BatchingSocket
	proc    *Processor

	maxPending int

	cv *ConditionVariable

	mu         sync.Mutex
	syncQueue  []syncEntry
	asyncTable map[uint64]*Response

	nextSyncID  uint64
	nextAsyncID uint64

	connected atomic.Bool
	failed    atomic.Bool
}

// NewRPCSocket wires an RPC correlation layer atop conn, sending through
// batcher.
func NewRPCSocket(proc *Processor, conn *Connection, batcher *BatchingSocket, maxPending int) *RPCSocket {
	if maxPending < 1 {
		maxPending = DefaultLimits().MaxPendingResponses
	}
	s := &RPCSocket{
		conn:       conn,
		batcher:    batcher,
		proc:       proc,
		maxPending: maxPending,
		cv:         &ConditionVariable{},
		asyncTable: make(map[uint64]*Response),
	}
	return s
}

// OnConnected must be invoked unconditionally from the wrapped
// ConnectionHandler's OnConnected, on both success and failure: a fiber
// already parked in SendSync/SendAsync's ConditionVariable.Wait is gated on
// connected-or-failed, so if OnConnected were only called on success, a
// connect failure would leave it waiting forever (it would never observe
// the failure and could never be woken). On success this lifts the
// backpressure gate; on failure it wakes any waiter so SendSync/SendAsync's
// own `!s.connected.Load()` check can abort it with connection_aborted.
func (s *RPCSocket) OnConnected(err error) {
	if err == nil {
		s.connected.Store(true)
	} else {
		s.failed.Store(true)
	}
	s.cv.NotifyAll()
}

// syncAdmitted reports whether a sync send's ConditionVariable.Wait may
// return right now — either because the connection is usable, or because
// it has reached a terminal failure the caller must observe and abort on.
func (s *RPCSocket) syncAdmitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.connected.Load() && len(s.syncQueue) < s.maxPending) || s.failed.Load()
}

func (s *RPCSocket) asyncAdmitted() bool {
	return s.connected.Load() || s.failed.Load()
}

// SendSync issues a synchronous request from fiber, blocking (via the
// ConditionVariable) until admitted, then returns a Response the caller
// waits on for the server's reply (spec.md §4.7 "Synchronous request").
// expectedType is the message_type a successful reply must carry; a
// mismatch completes the response with wrong_type.
func (s *RPCSocket) SendSync(fiber *Fiber, msgType uint32, payload []byte, expectedType uint32) *Response {
	s.cv.Wait(fiber, s.syncAdmitted)

	s.mu.Lock()
	userID := s.nextSyncID
	s.nextSyncID++
	resp := newResponse(userID, false, expectedType, fiber, s.cv)

	if !s.connected.Load() {
		s.mu.Unlock()
		resp.completeError(ErrConnectionAborted)
		return resp
	}

	s.syncQueue = append(s.syncQueue, syncEntry{userID: userID, resp: resp})
	s.mu.Unlock()

	s.frameAndSend(userID, false, msgType, payload)
	return resp
}

// SendAsync issues an asynchronous request keyed by a library-assigned
// user id (spec.md §4.7 "Asynchronous request"). The returned Response is
// also registered under the returned user id for out-of-order delivery.
func (s *RPCSocket) SendAsync(fiber *Fiber, msgType uint32, payload []byte, expectedType uint32) (uint64, *Response) {
	s.cv.Wait(fiber, s.asyncAdmitted)

	s.mu.Lock()
	userID := s.nextAsyncID
	s.nextAsyncID++
	resp := newResponse(userID, true, expectedType, fiber, s.cv)

	if !s.connected.Load() {
		s.mu.Unlock()
		resp.completeError(ErrConnectionAborted)
		return userID, resp
	}

	s.asyncTable[userID] = resp
	s.mu.Unlock()

	s.frameAndSend(userID, true, msgType, payload)
	return userID, resp
}

func (s *RPCSocket) frameAndSend(userID uint64, async bool, msgType uint32, payload []byte) {
	f := Frame{MessageID: makeMessageID(uint32(userID), async), MessageType: msgType, Payload: payload}
	_ = s.batcher.EnqueueFrame(f)
}

// OnReceive decodes one inbound frame and delivers it to the matching
// correlation-table entry (spec.md §4.7 "Response decoding"). Must run on
// the owning Processor's goroutine (it is invoked from
// ConnectionHandler.OnReceive).
func (s *RPCSocket) OnReceive(f Frame) {
	async := messageIDAsync(f.MessageID)
	if async {
		s.deliverAsync(messageIDUserID(f.MessageID), f)
		return
	}
	s.deliverSync(f)
}

func (s *RPCSocket) deliverSync(f Frame) {
	for {
		s.mu.Lock()
		if len(s.syncQueue) == 0 {
			s.mu.Unlock()
			// no pending sync request at all: nothing to correlate against.
			return
		}
		head := s.syncQueue[0]
		if head.userID&userIDMask != uint64(messageIDUserID(f.MessageID)) {
			// server skipped a response without reordering (spec.md §4.7):
			// abort the head and retry against the next entry.
			s.syncQueue = s.syncQueue[1:]
			s.mu.Unlock()
			head.resp.completeError(ErrNoResponse)
			s.cv.NotifyAll()
			continue
		}
		s.syncQueue = s.syncQueue[1:]
		s.mu.Unlock()
		s.completeFromFrame(head.resp, f)
		s.cv.NotifyAll()
		return
	}
}

func (s *RPCSocket) deliverAsync(userID uint32, f Frame) {
	s.mu.Lock()
	resp, ok := s.asyncTable[uint64(userID)]
	if ok {
		delete(s.asyncTable, uint64(userID))
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.completeFromFrame(resp, f)
}

func (s *RPCSocket) completeFromFrame(resp *Response, f Frame) {
	if f.MessageType == errorMessageType {
		code, ok := decodeErrorEnvelope(f.Payload)
		if !ok {
			resp.completeError(NewError(CategoryInvalidArgument, nil))
			return
		}
		resp.completeError(NewApplicationError(code))
		return
	}
	if f.MessageType != resp.expectedType {
		resp.completeError(ErrWrongType)
		return
	}
	resp.completeSuccess(f.Payload, f.MessageType)
}

// Teardown drains both correlation tables, aborting every pending response
// with connection_aborted and waking all waiting fibers (spec.md §4.7
// "Teardown").
func (s *RPCSocket) Teardown() {
	s.connected.Store(false)
	s.failed.Store(true)

	s.mu.Lock()
	pendingSync := s.syncQueue
	s.syncQueue = nil
	pendingAsync := s.asyncTable
	s.asyncTable = make(map[uint64]*Response)
	s.mu.Unlock()

	for _, e := range pendingSync {
		e.resp.completeError(ErrConnectionAborted)
	}
	for _, resp := range pendingAsync {
		resp.completeError(ErrConnectionAborted)
	}
	s.cv.NotifyAll()
}
