package infinio

import (
	"context"
	"sync"
)

// Service is the top-level wiring point absent as a named component from
// spec.md but implied by §6/§8 ("After shutdown() returns, no new CM events
// are dispatched and all fibers have terminated"): it owns exactly one
// Device (SPEC_FULL.md's single-device invariant, spec.md §9 Open Question
// (ii)), one Event Processor, one Completion Context, and the one CM Event
// Demultiplexer thread shared by every connection under it (spec.md §5
// "Threads").
type Service struct {
	device Device
	proc   *Processor
	cctx   *CompletionContext
	cm     *CMDemultiplexer
	limits Limits
	logger *Logger

	mu        sync.Mutex
	acceptors []*Acceptor
}

// NewService constructs and starts a Service backed by dev. A nil dev uses
// the software loopback Device (no cgo ibverbs binding exists in this
// corpus; see fabric.go).
func NewService(dev Device, opts ...ProcessorOption) (*Service, error) {
	if dev == nil {
		dev = NewLoopbackDevice("")
	}

	proc, err := NewProcessor(opts...)
	if err != nil {
		return nil, err
	}

	cfg := resolveProcessorOptions(opts)

	cctx, err := NewCompletionContext(dev, cfg.limits)
	if err != nil {
		_ = proc.Close()
		return nil, err
	}
	if err := proc.Register(cctx.fd(), EventRead, cctx); err != nil {
		_ = cctx.Close()
		_ = proc.Close()
		return nil, err
	}

	cm := NewCMDemultiplexer(cfg.limits, cfg.logger)

	svc := &Service{
		device: dev,
		proc:   proc,
		cctx:   cctx,
		cm:     cm,
		limits: cfg.limits,
		logger: cfg.logger,
	}
	proc.Start()
	return svc, nil
}

// Processor returns the Service's single Event Processor.
func (s *Service) Processor() *Processor { return s.proc }

// CompletionContext returns the Service's Completion Context.
func (s *Service) CompletionContext() *CompletionContext { return s.cctx }

// Stats reports buffer-pool accounting (spec.md §8 invariant 6).
func (s *Service) Stats() Stats { return s.cctx.Stats() }

// Connect opens an outbound Connection to remote (spec.md §4.4 "connect").
// Must be called from the Service's own Processor goroutine; callers on any
// other goroutine should post through Processor().TaskQueue().Execute.
func (s *Service) Connect(remote Endpoint, handler ConnectionHandler) (*Connection, error) {
	return Connect(s.proc, s.cctx, s.cm, remote, handler)
}

// Listen registers an Acceptor bound to ep (spec.md §4.4 "bind"/"listen").
func (s *Service) Listen(ep Endpoint, accept func(remote Endpoint, privateData []byte) (ConnectionHandler, bool)) (*Acceptor, error) {
	a, err := Listen(s.proc, s.cctx, s.cm, ep, accept)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.acceptors = append(s.acceptors, a)
	s.mu.Unlock()
	return a, nil
}

// NewRPCConnection dials remote and wraps the resulting Connection with a
// Batching Message Socket and an RPC Client Socket, giving callers the
// fiber-suspension RPC surface of spec.md §4.6/§4.7 directly. handler's
// callbacks are forwarded by the returned RPCConnection's own wiring, except
// that decoded frames go to the RPC socket: handler's OnReceive sees only
// receive errors. Embed handler via BaseHandler if no further customisation
// is needed.
func (s *Service) NewRPCConnection(remote Endpoint, handler ConnectionHandler) (*RPCConnection, error) {
	rc := &RPCConnection{svc: s, inner: handler}
	conn, err := Connect(s.proc, s.cctx, s.cm, remote, rc)
	if err != nil {
		return nil, err
	}
	rc.conn = conn
	rc.batcher = NewBatchingSocket(s.proc, conn, s.limits.MaxBatchSize)
	rc.rpc = NewRPCSocket(s.proc, conn, rc.batcher, s.limits.MaxPendingResponses)
	return rc, nil
}

// RPCConnection bundles a Connection with its Batching Message Socket and
// RPC Client Socket (spec.md §4.5/§4.7 layered atop §4.4), forwarding the
// ConnectionHandler callbacks a caller supplied while keeping the RPC
// correlation tables synchronised with connection lifecycle.
type RPCConnection struct {
	svc     *Service
	conn    *Connection
	batcher *BatchingSocket
	rpc     *RPCSocket
	inner   ConnectionHandler
}

func (rc *RPCConnection) OnConnection(remote Endpoint, privateData []byte) bool {
	return rc.inner.OnConnection(remote, privateData)
}

func (rc *RPCConnection) OnConnected(err error) {
	// called unconditionally: a connect failure must still wake any fiber
	// already parked in SendSync/SendAsync, or it leaks forever (rpc.go's
	// OnConnected doc comment).
	rc.rpc.OnConnected(err)
	rc.inner.OnConnected(err)
}

func (rc *RPCConnection) OnReceive(f Frame, err error) {
	if err != nil {
		rc.inner.OnReceive(f, err)
		return
	}
	rc.rpc.OnReceive(f)
}

func (rc *RPCConnection) OnSend(payload []byte, err error) { rc.inner.OnSend(payload, err) }

func (rc *RPCConnection) OnDisconnect() {
	rc.rpc.Teardown()
	rc.inner.OnDisconnect()
}

func (rc *RPCConnection) OnDisconnected() { rc.inner.OnDisconnected() }

// RPC returns the connection's RPC Client Socket.
func (rc *RPCConnection) RPC() *RPCSocket { return rc.rpc }

// Connection returns the underlying Connection FSM.
func (rc *RPCConnection) Connection() *Connection { return rc.conn }

// Close flushes any pending batch, tears down RPC correlation, and
// disconnects.
func (rc *RPCConnection) Close() error {
	_ = rc.batcher.Flush()
	rc.batcher.Close()
	return rc.conn.Close()
}

// Shutdown tears down the Service: closes every Acceptor, stops the CM
// demultiplexer (so no further CM events are dispatched), stops the
// Processor, and releases the Completion Context and Device. Fibers are not
// terminated: cached fibers' goroutines stay parked, and a fiber suspended
// in Wait stays suspended.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	acceptors := s.acceptors
	s.acceptors = nil
	s.mu.Unlock()
	for _, a := range acceptors {
		_ = a.Close()
	}

	if err := s.cm.Close(); err != nil {
		return err
	}
	if err := s.proc.Shutdown(ctx); err != nil {
		return err
	}
	if err := s.cctx.Close(); err != nil {
		return err
	}
	if err := s.proc.Close(); err != nil {
		return err
	}
	return s.device.Close()
}
