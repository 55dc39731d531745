// Package infinio is an asynchronous RDMA transport library: a single-threaded,
// busy-poll/epoll-backed reactor (Processor), a connection-manager-driven
// connection state machine, a batching message socket, a cooperative fiber
// model, and an RPC client socket with synchronous and asynchronous request
// correlation.
//
// # Concurrency model
//
// Exactly one goroutine per Processor runs completion processing, RPC
// response correlation, and handler callbacks. Each fiber body runs on its
// own goroutine; fibers are resumed only from their Processor's goroutine.
// A single CM demultiplexer goroutine
// is shared across all connections belonging to one Service. Arbitrary
// goroutines may call TaskQueue.Execute to post work onto a Processor.
//
// See doc comments on Processor, Connection, BatchingSocket, Fiber and
// RPCSocket for the per-component contracts.
package infinio

// Note: RegisterFD, UnregisterFD, ModifyFD and PollIO are implemented in
// platform-specific files (currently poller_linux.go only; this module
// targets Linux epoll, matching the RDMA/rdma_cm transport it drives).
