package infinio

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// cmEventKind enumerates the Connection Manager lifecycle transitions this
// loopback simulation can actually raise (spec.md §4.4's state table).
// spec.md §6 additionally lists ADDR_ERROR/ROUTE_ERROR/CONNECT_ERROR as
// real-fabric RDMA CM events; this simulation resolves address/route
// locally and cannot fail either step, so those three have no loopback
// trigger and are omitted rather than carried as unreachable cases (see
// DESIGN.md's C8 entry).
type cmEventKind int

const (
	cmAddrResolved cmEventKind = iota
	cmRouteResolved
	cmEstablished
	cmUnreachable
	cmRejected
	cmDisconnected
	cmTimewaitExit
)

type cmEvent struct {
	conn *Connection
	kind cmEventKind
	err  *Error
}

// cmChannel is an unbounded FIFO handoff between whatever goroutine raises a
// CM event (here, a Processor goroutine running Connect, the accept step or
// Disconnect) and the demultiplexer's drain loop, grounded on the condition-variable-guarded
// queue pattern original_source's EventProcessor uses for its CM event fd.
type cmChannel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []cmEvent
	closed bool
}

func newCMChannel() *cmChannel {
	ch := &cmChannel{}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

func (ch *cmChannel) push(ev cmEvent) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.events = append(ch.events, ev)
	ch.mu.Unlock()
	ch.cond.Signal()
}

func (ch *cmChannel) next() (cmEvent, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for len(ch.events) == 0 && !ch.closed {
		ch.cond.Wait()
	}
	if len(ch.events) == 0 {
		return cmEvent{}, false
	}
	ev := ch.events[0]
	ch.events = ch.events[1:]
	return ev, true
}

func (ch *cmChannel) close() {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	ch.cond.Broadcast()
}

// CMDemultiplexer is the CM Event Demultiplexer (C8): a dedicated goroutine
// that serialises the (simulated) Connection Manager's event stream and
// applies each event to its Connection on that connection's own Processor,
// via TaskQueue.Execute, per spec.md §4.4 ("CM events are delivered on the
// owning Connection's Event Processor").
//
// There being no real RDMA fabric in this corpus, connection establishment
// is simulated as a loopback rendezvous keyed by Endpoint: connect() looks
// up a registered Acceptor for the remote Endpoint and, if one accepts,
// wires the two Connections together as each other's peer. Admission
// control against inbound connection storms (SPEC_FULL.md §4.8, a feature
// absent from spec.md's distillation but present as a sizing concern in
// original_source's InfinibandAcceptor) is enforced with go-catrate's
// sliding-window Limiter, keyed by the target (acceptor) Endpoint's token:
// every initiator connecting to the same Endpoint shares one window, and
// initiators are not told apart.
type CMDemultiplexer struct {
	mu        sync.Mutex
	acceptors map[string]*Acceptor

	admission *catrate.Limiter
	ch        *cmChannel
	logger    *Logger
	doneCh    chan struct{}
}

// NewCMDemultiplexer starts the demultiplexer's drain goroutine.
func NewCMDemultiplexer(limits Limits, logger *Logger) *CMDemultiplexer {
	if logger == nil {
		logger = nopLogger()
	}
	cm := &CMDemultiplexer{
		acceptors: make(map[string]*Acceptor),
		admission: catrate.NewLimiter(map[time.Duration]int{
			limits.ConnectionStormWindow: limits.ConnectionStormLimit,
		}),
		ch:     newCMChannel(),
		logger: logger,
		doneCh: make(chan struct{}),
	}
	go cm.run()
	return cm
}

func (cm *CMDemultiplexer) run() {
	defer close(cm.doneCh)
	for {
		ev, ok := cm.ch.next()
		if !ok {
			return
		}
		conn := ev.conn
		kind, err := ev.kind, ev.err
		conn.proc.TaskQueue().Execute(func() {
			conn.dispatchCMEvent(kind, err)
		})
	}
}

// Close stops accepting new CM events and waits for the drain goroutine to
// exit. Any connections left mid-handshake simply never receive their
// terminal CM event; callers should Disconnect their connections first.
func (cm *CMDemultiplexer) Close() error {
	cm.ch.close()
	<-cm.doneCh
	return nil
}

func (cm *CMDemultiplexer) registerAcceptor(a *Acceptor) {
	cm.mu.Lock()
	cm.acceptors[a.ep.Token()] = a
	cm.mu.Unlock()
}

func (cm *CMDemultiplexer) unregisterAcceptor(ep Endpoint) {
	cm.mu.Lock()
	delete(cm.acceptors, ep.Token())
	cm.mu.Unlock()
}

// beginConnect simulates the rdma_resolve_addr -> rdma_resolve_route ->
// rdma_connect sequence of spec.md §4.4, terminating in cmEstablished,
// cmUnreachable (no acceptor bound to remote), or cmRejected (acceptor
// declined, or the connection-storm admission limit was exceeded).
func (cm *CMDemultiplexer) beginConnect(c *Connection, remote Endpoint) {
	cm.ch.push(cmEvent{conn: c, kind: cmAddrResolved})
	cm.ch.push(cmEvent{conn: c, kind: cmRouteResolved})

	if _, allowed := cm.admission.Allow(remote.Token()); !allowed {
		cm.ch.push(cmEvent{conn: c, kind: cmRejected, err: NewError(CategoryConnectionRejected, nil)})
		return
	}

	cm.mu.Lock()
	a, ok := cm.acceptors[remote.Token()]
	cm.mu.Unlock()
	if !ok {
		cm.ch.push(cmEvent{conn: c, kind: cmUnreachable, err: NewError(CategoryUnreachable, nil)})
		return
	}

	acceptStep := func() {
		handler, accepted := a.accept(remote, nil)
		if !accepted {
			cm.ch.push(cmEvent{conn: c, kind: cmRejected, err: NewError(CategoryConnectionRejected, nil)})
			return
		}

		peer := newConnection(a.proc, a.cctx, cm, handler)
		peer.remote = remote
		peer.acceptor = true
		peer.setState(ConnAccepting)

		c.mu.Lock()
		c.peer = peer
		c.mu.Unlock()
		peer.mu.Lock()
		peer.peer = c
		peer.mu.Unlock()

		cm.ch.push(cmEvent{conn: peer, kind: cmEstablished})
		cm.ch.push(cmEvent{conn: c, kind: cmEstablished})
	}
	// Connect runs on the connecting side's Processor goroutine; when the
	// acceptor shares that Processor, TaskQueue.Execute would panic with
	// errSameThreadExecute, so the accept step runs inline instead.
	if a.proc.IsHomeThread() {
		acceptStep()
		return
	}
	a.proc.TaskQueue().Execute(acceptStep)
}
