package infinio

import (
	"errors"
	"fmt"
)

// Category classifies an Error by the taxonomy in spec.md §7.
type Category int

const (
	// CategoryAddressResolution indicates rdma_resolve_addr failed or
	// reported ADDR_ERROR.
	CategoryAddressResolution Category = iota
	// CategoryRouteResolution indicates rdma_resolve_route failed or
	// reported ROUTE_ERROR.
	CategoryRouteResolution
	// CategoryConnectionError indicates CONNECT_ERROR.
	CategoryConnectionError
	// CategoryUnreachable indicates the peer could not be reached.
	CategoryUnreachable
	// CategoryConnectionRejected indicates the peer rejected the connect
	// request (REJECTED).
	CategoryConnectionRejected
	// CategoryConnectionAborted indicates a pending response was aborted by
	// connection teardown.
	CategoryConnectionAborted
	// CategoryWrongType indicates a response's message_type did not match
	// the handler's expected type.
	CategoryWrongType
	// CategoryNoResponse indicates a sync response's user_id did not match
	// the FIFO head at delivery time.
	CategoryNoResponse
	// CategoryOutOfBuffers indicates the send/receive buffer pool was
	// exhausted.
	CategoryOutOfBuffers
	// CategoryInvalidArgument indicates a programmer error in a call's
	// arguments.
	CategoryInvalidArgument
	// CategoryApplication marks a handler-defined application error (§7)
	// delivered via the error envelope; the envelope's code, whatever its
	// value, is carried in Error.Code.
	CategoryApplication
)

func (c Category) String() string {
	switch c {
	case CategoryAddressResolution:
		return "address_resolution"
	case CategoryRouteResolution:
		return "route_resolution"
	case CategoryConnectionError:
		return "connection_error"
	case CategoryUnreachable:
		return "unreachable"
	case CategoryConnectionRejected:
		return "connection_rejected"
	case CategoryConnectionAborted:
		return "connection_aborted"
	case CategoryWrongType:
		return "wrong_type"
	case CategoryNoResponse:
		return "no_response"
	case CategoryOutOfBuffers:
		return "out_of_buffers"
	case CategoryInvalidArgument:
		return "invalid_argument"
	default:
		return "application"
	}
}

// Error is the categorised error type used across the stack (spec.md §7).
// Code carries the raw error-envelope code for CategoryApplication errors;
// it is zero for built-in categories unless set explicitly.
type Error struct {
	Kind  Category
	Code  uint64
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("infinio: %s: %v", e.Kind, e.Cause)
	}
	if e.Kind == CategoryApplication {
		return fmt.Sprintf("infinio: application error %d", e.Code)
	}
	return fmt.Sprintf("infinio: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Category, ignoring Cause/Code, so callers can write
// errors.Is(err, &Error{Kind: CategoryNoResponse}).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// NewError constructs a categorised Error, optionally wrapping cause.
func NewError(kind Category, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// NewApplicationError constructs a CategoryApplication error carrying a
// handler-defined code, as delivered via the u32::MAX error envelope
// (spec.md §4.7/§6).
func NewApplicationError(code uint64) *Error {
	return &Error{Kind: CategoryApplication, Code: code}
}

// Sentinel category markers for errors.Is against a bare Category.
var (
	ErrAddressResolution  = &Error{Kind: CategoryAddressResolution}
	ErrRouteResolution    = &Error{Kind: CategoryRouteResolution}
	ErrConnectionError    = &Error{Kind: CategoryConnectionError}
	ErrUnreachable        = &Error{Kind: CategoryUnreachable}
	ErrConnectionRejected = &Error{Kind: CategoryConnectionRejected}
	ErrConnectionAborted  = &Error{Kind: CategoryConnectionAborted}
	ErrWrongType          = &Error{Kind: CategoryWrongType}
	ErrNoResponse         = &Error{Kind: CategoryNoResponse}
	ErrOutOfBuffers       = &Error{Kind: CategoryOutOfBuffers}
	ErrInvalidArgument    = &Error{Kind: CategoryInvalidArgument}
)

// Programmer-error panics (spec.md §7 "must be asserted, not silently
// swallowed"). These are not part of the Category taxonomy: they indicate a
// bug in the calling code, not a runtime/protocol condition.
var (
	// errResultAlreadyRetrieved: Response.Get called a second time.
	errResultAlreadyRetrieved = errors.New("infinio: result already retrieved")
	// errPromiseAlreadySatisfied: a Response was completed twice.
	errPromiseAlreadySatisfied = errors.New("infinio: promise already satisfied")
	// errTaskQueueFull: Execute was called on, or was blocked waiting for
	// capacity in, a closed TaskQueue that will never drain; programmer
	// error per spec.md §7 ("a dropped or full task queue is programmer
	// error and must be asserted, not silently swallowed").
	errTaskQueueFull = errors.New("infinio: task queue full")
	// errSameThreadExecute: TaskQueue.Execute called from its own
	// Processor's worker goroutine (spec.md §9 Open Question (i)).
	errSameThreadExecute = errors.New("infinio: task queue execute called from its own processor thread")
	// errNotHomeProcessor: Fiber.Resume (spec.md §8 invariant 4), Connect,
	// Connection.Disconnect or Processor.RunFiber called from a goroutine
	// other than the home Processor's worker goroutine.
	errNotHomeProcessor = errors.New("infinio: called from a thread other than its home Event Processor")
	// errWaitNotSelf: Fiber.Wait called by a goroutine other than the
	// fiber's own worker goroutine.
	errWaitNotSelf = errors.New("infinio: fiber wait called by a goroutine other than itself")
)
