package infinio

import "sync/atomic"

// ProcessorState is the run state of an Event Processor's worker goroutine.
type ProcessorState uint32

const (
	// ProcessorAwake is the state after construction, before Start.
	ProcessorAwake ProcessorState = iota
	// ProcessorRunning indicates the worker is busy-polling its pollers.
	ProcessorRunning
	// ProcessorSleeping indicates the worker is blocked in epoll_wait.
	ProcessorSleeping
	// ProcessorTerminating indicates Shutdown has been requested.
	ProcessorTerminating
	// ProcessorTerminated is the terminal state.
	ProcessorTerminated
)

func (s ProcessorState) String() string {
	switch s {
	case ProcessorAwake:
		return "Awake"
	case ProcessorRunning:
		return "Running"
	case ProcessorSleeping:
		return "Sleeping"
	case ProcessorTerminating:
		return "Terminating"
	case ProcessorTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free CAS state machine with cache-line padding to
// avoid false sharing between the worker goroutine and task producers
// polling State().
type fastState struct { // betteralign:ignore
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func newFastState(initial ProcessorState) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) Load() ProcessorState {
	return ProcessorState(s.v.Load())
}

func (s *fastState) Store(state ProcessorState) {
	s.v.Store(uint32(state))
}

func (s *fastState) TryTransition(from, to ProcessorState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// ConnState is a Connection's lifecycle state, per spec.md §3/§4.4.
type ConnState uint32

const (
	ConnDisconnected ConnState = iota
	ConnAddrResolving
	ConnRouteResolving
	ConnConnectRequested
	ConnAccepting
	ConnConnected
	ConnDisconnecting
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "Disconnected"
	case ConnAddrResolving:
		return "AddrResolving"
	case ConnRouteResolving:
		return "RouteResolving"
	case ConnConnectRequested:
		return "ConnectRequested"
	case ConnAccepting:
		return "Accepting"
	case ConnConnected:
		return "Connected"
	case ConnDisconnecting:
		return "Disconnecting"
	case ConnClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// IsConnecting reports whether s is one of the Connecting substates named
// in spec.md §3.
func (s ConnState) IsConnecting() bool {
	switch s {
	case ConnAddrResolving, ConnRouteResolving, ConnConnectRequested, ConnAccepting:
		return true
	default:
		return false
	}
}
