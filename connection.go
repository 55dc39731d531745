package infinio

import (
	"context"
	"sync"
	"sync/atomic"

	bigbuff "github.com/joeycumines/go-bigbuff"
)

// ConnectionHandler is the per-connection capability set a user provides,
// per spec.md §4.4 (C4).
type ConnectionHandler interface {
	// OnConnection is invoked on an acceptor's handler for each inbound
	// connect request; returning false rejects it.
	OnConnection(remote Endpoint, privateData []byte) bool
	// OnConnected reports the outcome of connection establishment. err is
	// nil on success, or a categorised *Error (address_resolution,
	// route_resolution, connection_error, unreachable,
	// connection_rejected) on failure.
	OnConnected(err error)
	// OnReceive delivers one framed message. Receives may arrive before
	// OnConnected returns (spec.md §4.4); implementations must tolerate
	// that ordering.
	OnReceive(f Frame, err error)
	// OnSend reports completion of a previously posted send.
	OnSend(payload []byte, err error)
	// OnDisconnect signals a remote-initiated shutdown.
	OnDisconnect()
	// OnDisconnected signals that all in-flight work has drained.
	OnDisconnected()
}

// BaseHandler provides no-op implementations of every ConnectionHandler
// method, so callers can embed it and override only what they need
// (grounded on InfinibandBaseHandler's default-empty-virtuals pattern in
// original_source).
type BaseHandler struct{}

func (BaseHandler) OnConnection(Endpoint, []byte) bool { return true }
func (BaseHandler) OnConnected(error)                  {}
func (BaseHandler) OnReceive(Frame, error)              {}
func (BaseHandler) OnSend([]byte, error)                {}
func (BaseHandler) OnDisconnect()                       {}
func (BaseHandler) OnDisconnected()                     {}

// Connection is the per-connection state machine of spec.md §4.4: it owns
// a queue-pair (here, the loopback peer wiring) and a reference to a
// Completion Context, and is driven by CM events and user operations.
type Connection struct {
	id      uint64
	proc    *Processor
	cctx    *CompletionContext
	cm      *CMDemultiplexer
	handler ConnectionHandler

	state     atomic.Uint32
	local     Endpoint
	remote    Endpoint
	lastErr   atomic.Pointer[Error]
	acceptor  bool

	mu          sync.Mutex
	peer        *Connection
	pendingRecv [][]byte // pending bytes not yet framed into a full Frame

	inFlightSends atomic.Int64

	// notifier broadcasts state transitions to any Subscribe-ers, grounded
	// on fangrpcstream.Stream's Subscribe/publish pairing over
	// bigbuff.Notifier in original_source's InfinibandConnection observer
	// hooks (onConnected/onDisconnected callbacks external monitoring code
	// could attach to). Zero value is ready to use.
	notifier bigbuff.Notifier
}

// Subscribe registers target to receive every subsequent state transition
// of this Connection, until ctx is cancelled or the returned
// context.CancelFunc is called. Sends to target are blocking, per
// bigbuff.Notifier's contract: callers must always receive promptly.
func (c *Connection) Subscribe(ctx context.Context, target chan<- ConnState) context.CancelFunc {
	return c.notifier.SubscribeCancel(ctx, nil, target)
}

func (c *Connection) publishState(s ConnState) {
	c.notifier.PublishContext(context.Background(), nil, s)
}

// connectionAware is an optional ConnectionHandler extension. A handler that
// needs to send on its own connection (a server-side RPC echo handler, for
// instance) implements it to receive the Connection as soon as it exists,
// before any CM event is dispatched.
type connectionAware interface {
	setConnection(*Connection)
}

func newConnection(proc *Processor, cctx *CompletionContext, cm *CMDemultiplexer, handler ConnectionHandler) *Connection {
	c := &Connection{proc: proc, cctx: cctx, cm: cm, handler: handler}
	c.state.Store(uint32(ConnDisconnected))
	c.id = cctx.registerConnection(c)
	if ca, ok := handler.(connectionAware); ok {
		ca.setConnection(c)
	}
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

func (c *Connection) setState(s ConnState) {
	c.state.Store(uint32(s))
	c.publishState(s)
}

// LastError returns the error associated with a terminal state, if any.
func (c *Connection) LastError() error {
	if e := c.lastErr.Load(); e != nil {
		return e
	}
	return nil
}

func (c *Connection) setError(e *Error) { c.lastErr.Store(e) }

// RemoteEndpoint reports the Endpoint this connection was dialled to, valid
// once resolution begins. On an accepted connection it is the acceptor's
// own listening Endpoint; the loopback fabric does not carry the
// initiator's address.
func (c *Connection) RemoteEndpoint() Endpoint { return c.remote }

// Connect initiates an outbound connection (spec.md §4.4 "connect").
// Transitions Disconnected -> AddrResolving and enqueues the simulated CM
// event sequence that will carry it through to Connected or a terminal
// error state.
func Connect(proc *Processor, cctx *CompletionContext, cm *CMDemultiplexer, remote Endpoint, handler ConnectionHandler) (*Connection, error) {
	if !proc.IsHomeThread() {
		panic(errNotHomeProcessor)
	}
	c := newConnection(proc, cctx, cm, handler)
	c.remote = remote
	c.setState(ConnAddrResolving)
	cm.beginConnect(c, remote)
	return c, nil
}

// Listen registers an acceptor bound to ep (spec.md §4.4 "bind"/"listen").
// accept is invoked on the acceptor's Processor goroutine for each inbound
// connect request (inline within the connecting side's Connect call when
// both share a Processor), and returns the handler to attach to the new
// Connection plus the accept/reject decision. Its remote argument is ep
// itself (see RemoteEndpoint).
func Listen(proc *Processor, cctx *CompletionContext, cm *CMDemultiplexer, ep Endpoint, accept func(remote Endpoint, privateData []byte) (ConnectionHandler, bool)) (*Acceptor, error) {
	a := &Acceptor{proc: proc, cctx: cctx, ep: ep, accept: accept, cm: cm}
	cm.registerAcceptor(a)
	return a, nil
}

// Acceptor listens for inbound connection requests on one Endpoint.
type Acceptor struct {
	proc   *Processor
	cctx   *CompletionContext
	ep     Endpoint
	accept func(remote Endpoint, privateData []byte) (ConnectionHandler, bool)
	cm     *CMDemultiplexer
}

// Close stops accepting new connections on this Endpoint.
func (a *Acceptor) Close() error {
	a.cm.unregisterAcceptor(a.ep)
	return nil
}

// Disconnect initiates graceful teardown (spec.md §4.4 "disconnect"),
// following spec.md §4.4's state table literally: Connected -> Disconnecting
// on the user's disconnect call, then Disconnecting -> Closed only once a
// TIMEWAIT_EXIT CM event lands (pushed onto the CM Event Demultiplexer
// below, not applied synchronously), mirroring the same two-phase shutdown
// a remote-initiated disconnect goes through.
func (c *Connection) Disconnect() error {
	if !c.proc.IsHomeThread() {
		panic(errNotHomeProcessor)
	}
	switch c.State() {
	case ConnClosed, ConnDisconnecting:
		return nil
	case ConnConnected:
		c.setState(ConnDisconnecting)
		c.handler.OnDisconnect()
		c.teardownPeer()
		c.cm.ch.push(cmEvent{conn: c, kind: cmTimewaitExit})
		return nil
	default:
		c.setState(ConnClosed)
		return nil
	}
}

// teardownPeer notifies this connection's peer of the disconnect via the CM
// Event Demultiplexer's ordinary event pipeline — a DISCONNECTED event
// followed by TIMEWAIT_EXIT, both applied by dispatchCMEvent on the peer's
// own Processor — rather than mutating the peer's state directly, so the
// remote-initiated path exercises the same state-table transitions as the
// local one (spec.md §4.4: "Connected --user disconnect or DISCONNECTED
// event--> Disconnecting --TIMEWAIT_EXIT--> Closed").
func (c *Connection) teardownPeer() {
	c.mu.Lock()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()
	if peer == nil {
		return
	}
	peer.mu.Lock()
	peer.peer = nil
	peer.mu.Unlock()
	peer.cm.ch.push(cmEvent{conn: peer, kind: cmDisconnected})
	peer.cm.ch.push(cmEvent{conn: peer, kind: cmTimewaitExit})
}

func (c *Connection) finishDisconnect() {
	c.setState(ConnClosed)
	c.cctx.unregisterConnection(c.id)
	c.handler.OnDisconnected()
}

// Close is equivalent to Disconnect (spec.md §4.4 "close"); it performs no
// release of its own beyond what Disconnect's path to Closed does.
func (c *Connection) Close() error {
	return c.Disconnect()
}

// Send posts buffer as one send work request (spec.md §4.3
// acquire_send_buffer + §4.4 "send"). Admissible only in Connected.
func (c *Connection) Send(payload []byte) error {
	if c.State() != ConnConnected {
		return NewError(CategoryInvalidArgument, nil)
	}
	buf, err := c.cctx.AcquireSendBuffer(len(payload))
	if err != nil {
		return err
	}
	copy(buf.Bytes(), payload)
	return c.postSend(buf)
}

func (c *Connection) postSend(buf BufferHandle) error {
	wrID := makeWorkRequestID(c.id, buf.ID(), OpSend)
	c.inFlightSends.Add(1)

	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()

	if peer == nil || c.State() != ConnConnected {
		c.cctx.complete(wrID, ErrConnectionAborted)
		return nil
	}

	payload := append([]byte(nil), buf.Bytes()...)
	peer.deliver(payload)
	c.cctx.complete(wrID, nil)
	return nil
}

// deliver is the loopback fabric's equivalent of the peer's receive queue
// being written to by an RDMA send; it hands the bytes to the peer's
// Completion Context as one receive completion.
func (c *Connection) deliver(payload []byte) {
	recvBuf, err := c.cctx.acquireReceiveBuffer(len(payload))
	if err != nil {
		// out of receive buffers: drop, matching a real fabric dropping an
		// unexpected send when the shared receive queue is exhausted.
		return
	}
	copy(recvBuf.Bytes(), payload)
	wrID := makeWorkRequestID(c.id, recvBuf.ID(), OpReceive)
	c.cctx.complete(wrID, nil)
}

// onSendCompleted/onReceiveCompleted are invoked by the Completion Context
// on the owning Processor's goroutine (spec.md §4.3 "poll").
func (c *Connection) onSendCompleted(bufferID uint32, err error) {
	c.inFlightSends.Add(-1)
	c.cctx.ReleaseBuffer(OpSend, bufferID)
	c.handler.OnSend(nil, err)
}

func (c *Connection) onReceiveCompleted(bufferID uint32, err error) {
	defer c.cctx.ReleaseBuffer(OpReceive, bufferID)
	if err != nil {
		c.handler.OnReceive(Frame{}, err)
		return
	}

	c.mu.Lock()
	c.pendingRecv = append(c.pendingRecv, c.cctx.recvBytes(bufferID))
	buf := joinPending(c.pendingRecv)
	frames, remainder := DecodeFrames(buf)
	if len(remainder) == 0 {
		c.pendingRecv = c.pendingRecv[:0]
	} else {
		c.pendingRecv = [][]byte{remainder}
	}
	c.mu.Unlock()

	for _, f := range frames {
		c.handler.OnReceive(f, nil)
	}
}

func joinPending(chunks [][]byte) []byte {
	if len(chunks) == 1 {
		return chunks[0]
	}
	var total int
	for _, b := range chunks {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range chunks {
		out = append(out, b...)
	}
	return out
}

// dispatchCMEvent applies a CM lifecycle transition to this connection, on
// the Processor's own goroutine (spec.md §4.4 state table).
func (c *Connection) dispatchCMEvent(kind cmEventKind, err *Error) {
	switch kind {
	case cmAddrResolved:
		if c.State() == ConnAddrResolving {
			c.setState(ConnRouteResolving)
		}
	case cmRouteResolved:
		if c.State() == ConnRouteResolving {
			c.setState(ConnConnectRequested)
		}
	case cmEstablished:
		if c.State() == ConnConnectRequested || c.State() == ConnAccepting {
			c.setState(ConnConnected)
			c.handler.OnConnected(nil)
		}
	case cmUnreachable, cmRejected:
		if c.State().IsConnecting() {
			c.setState(ConnClosed)
			c.setError(err)
			c.handler.OnConnected(err)
		}
	case cmDisconnected:
		if c.State() == ConnConnected {
			c.setState(ConnDisconnecting)
			c.handler.OnDisconnect()
		}
	case cmTimewaitExit:
		if c.State() == ConnDisconnecting {
			c.finishDisconnect()
		}
	}
}
